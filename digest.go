package rowsort

import (
	"crypto/sha1"
	"encoding/hex"
)

// keySeparator is the single byte placed between successive key column
// values when computing a digest. It is significant: without it,
// ["ab","c"] and ["a","bc"] would hash identically. The NUL byte is
// part of the public digest contract and must not change.
const keySeparator = 0x00

// Digest computes the stable content-address of row's key columns: the
// textual values of row[k] for each k in keyColumns, joined by a single
// NUL byte, SHA-1'd, and rendered as 40 lowercase hex characters.
//
// Digest depends only on the textual values of the selected columns, in
// order; two rows that agree on every key column produce the same
// digest, regardless of any other field.
func Digest(row []string, keyColumns []int) (string, error) {
	h := sha1.New()
	for i, col := range keyColumns {
		if col < 0 || col >= len(row) {
			return "", NewBadKeyError(col, len(row))
		}
		if i > 0 {
			h.Write([]byte{keySeparator})
		}
		h.Write([]byte(row[col]))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}
