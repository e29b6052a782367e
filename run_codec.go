package rowsort

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// writeRecord serializes rec to w using the run-file framing:
//
//	digest(40 bytes ASCII) seq(u64 LE) field_count(u32 LE) field_1 ... field_n
//	field := len(u32 LE) bytes(len)
func writeRecord(w io.Writer, rec Record) error {
	if len(rec.Digest) != DigestHexLen {
		return NewCorruptRunError("write: digest length", nil)
	}
	if _, err := io.WriteString(w, rec.Digest); err != nil {
		return err
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], rec.Sequence)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(rec.Row)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	for _, field := range rec.Row {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(field)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if len(field) > 0 {
			if _, err := io.WriteString(w, field); err != nil {
				return err
			}
		}
	}
	return nil
}

// readRecord deserializes one record from r. It returns io.EOF
// (unwrapped) only when r is positioned exactly at the end of its
// section; any other truncation is reported as a CorruptRunError.
func readRecord(r *bufio.Reader) (Record, error) {
	var rec Record

	digestBuf := make([]byte, DigestHexLen)
	n, err := io.ReadFull(r, digestBuf)
	if err != nil {
		if n == 0 && err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, NewCorruptRunError("reading digest", err)
	}
	if !isLowerHex(digestBuf) {
		return rec, NewCorruptRunError("digest is not lowercase hex", nil)
	}
	rec.Digest = string(digestBuf)

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rec, NewCorruptRunError("reading record header", err)
	}
	rec.Sequence = binary.LittleEndian.Uint64(hdr[0:8])
	fieldCount := binary.LittleEndian.Uint32(hdr[8:12])

	row := make([]string, fieldCount)
	var lenBuf [4]byte
	for i := range row {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return rec, NewCorruptRunError("reading field length", err)
		}
		flen := binary.LittleEndian.Uint32(lenBuf[:])
		if flen == 0 {
			continue
		}
		fieldBuf := make([]byte, flen)
		if _, err := io.ReadFull(r, fieldBuf); err != nil {
			return rec, NewCorruptRunError("reading field bytes", err)
		}
		row[i] = string(fieldBuf)
	}
	rec.Row = row

	return rec, nil
}

// isLowerHex reports whether b consists entirely of lowercase hex
// digits, the only form a Record's digest may take.
func isLowerHex(b []byte) bool {
	for _, c := range b {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	_, err := hex.DecodeString(string(b))
	return err == nil
}
