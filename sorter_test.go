package rowsort

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/movableink/csv-utils/validate"
)

// Two single-field rows must come back ordered by
// digest, and each_batch(1) must split them into two singleton
// batches.
func TestSortSimpleSort(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()

	_, err := s.AddRow([]string{"1", "2", "3"})
	require.NoError(t, err)
	_, err = s.AddRow([]string{"4", "5", "6"})
	require.NoError(t, err)

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalRows)

	d1, err := Digest([]string{"1", "2", "3"}, []int{0})
	require.NoError(t, err)
	d4, err := Digest([]string{"4", "5", "6"}, []int{0})
	require.NoError(t, err)

	var want [][]string
	if d1 < d4 {
		want = [][]string{{"1", "2", "3"}, {"4", "5", "6"}}
	} else {
		want = [][]string{{"4", "5", "6"}, {"1", "2", "3"}}
	}

	var got [][]string
	require.NoError(t, s.EachBatch(1, func(batch [][2]any) error {
		require.Len(t, batch, 1)
		got = append(got, batch[0][1].([]string))
		return nil
	}))
	require.Equal(t, want, got)
}

// Rows with distinct (key0, key1) pairs must come
// back in ascending digest order.
func TestSortCompoundKeyOrdering(t *testing.T) {
	s := New("src", "key", []int{0, 1}, nil, nil)
	defer s.Close()

	rows := [][]string{
		{"1", "2", "x"},
		{"1", "3", "x"},
		{"3", "1", "x"},
		{"2", "3", "x"},
	}
	for _, r := range rows {
		_, err := s.AddRow(r)
		require.NoError(t, err)
	}
	_, err := s.Sort()
	require.NoError(t, err)

	var digests []string
	require.NoError(t, s.EachBatch(10, func(batch [][2]any) error {
		for _, pair := range batch {
			digests = append(digests, pair[0].(string))
		}
		return nil
	}))
	require.Len(t, digests, 4)
	for i := 1; i < len(digests); i++ {
		require.LessOrEqual(t, digests[i-1], digests[i])
	}
	// All four digests must be distinct: every key pair differs.
	seen := map[string]bool{}
	for _, d := range digests {
		require.False(t, seen[d], "digest collision for distinct key pairs")
		seen[d] = true
	}
}

// URL validation rejects malformed rows and tallies the failure
// counter without aborting the sort.
func TestSortURLValidation(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()
	s.SetValidationSchema(validate.Schema{{Rule: validate.RuleURL}})

	ok, err := s.AddRow([]string{"https://example.com"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AddRow([]string{"test.com"})
	require.NoError(t, err)
	require.False(t, ok)

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 1, stats.FailedURLErrorCount)
	require.Equal(t, 2, stats.TotalRowsProcessed)
	require.Equal(t, 1, stats.TotalRows)
}

// Dedup caps at max_records_per_key and keeps the highest
// sequences.
func TestSortDedupCap(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()

	for i := 1; i <= 300; i++ {
		_, err := s.AddRow([]string{"same-key", itoaTest(i)}, uint64(i))
		require.NoError(t, err)
	}
	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 200, stats.TotalRows)

	var sequences []int
	require.NoError(t, s.EachBatch(1000, func(batch [][2]any) error {
		for _, pair := range batch {
			row := pair[1].([]string)
			n := atoiTest(row[1])
			sequences = append(sequences, n)
		}
		return nil
	}))
	require.Len(t, sequences, 200)
	for _, n := range sequences {
		require.GreaterOrEqual(t, n, 101)
		require.LessOrEqual(t, n, 300)
	}
}

// The COPY BINARY stream begins with the fixed header and
// encodes an EWKB point for configured geo columns.
func TestSortWriteBinaryPostgresFileWithGeo(t *testing.T) {
	s := New("src1", "mykey", []int{0, 1}, []int{2, 3}, nil)
	defer s.Close()

	_, err := s.AddRow([]string{"1", "hello", "-74.006", "40.7128"})
	require.NoError(t, err)
	_, err = s.AddRow([]string{"4", "world", "-71.006", "44.7128"})
	require.NoError(t, err)

	_, err = s.Sort()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, s.WriteBinaryPostgresFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(data, []byte("PGCOPY\n\xff\r\n\x00")))
	require.Equal(t, []byte{0, 0, 0, 0}, data[11:15]) // flags
	require.Equal(t, []byte{0, 0, 0, 0}, data[15:19]) // ext_len

	// First tuple's field_count must be 6.
	fieldCount := binary.BigEndian.Uint16(data[19:21])
	require.Equal(t, uint16(6), fieldCount)
}

// A zero-byte input file fails with NoHeadersFound; a
// header-only file yields zero rows with no error.
func TestAddFileEmptyInputs(t *testing.T) {
	dir := t.TempDir()

	zeroByte := filepath.Join(dir, "zero.csv")
	require.NoError(t, os.WriteFile(zeroByte, nil, 0o644))

	s1 := New("src", "key", []int{0}, nil, nil)
	defer s1.Close()
	err := s1.AddFile(zeroByte)
	require.ErrorIs(t, err, ErrNoHeadersFound)

	headerOnly := filepath.Join(dir, "header_only.csv")
	require.NoError(t, os.WriteFile(headerOnly, []byte("a,b,c\n"), 0o644))

	s2 := New("src", "key", []int{0}, nil, nil)
	defer s2.Close()
	require.NoError(t, s2.AddFile(headerOnly))
	stats, err := s2.Sort()
	require.NoError(t, err)
	require.Equal(t, 0, stats.TotalRows)
}

// TestSortMemoryBoundSpillsRuns checks that a small buffer forces a spill, and
// that Sort still reconstructs the fully merged, ordered output.
func TestSortMemoryBoundSpillsRuns(t *testing.T) {
	cfg := &Config{BufferMB: 1, MaxRecordsPerKey: 200, FileBufferSize: 1 << 10}
	s := New("src", "key", []int{0}, nil, cfg)
	defer s.Close()

	// Drive the buffer threshold to zero so every AddRow forces a spill.
	s.cfg.BufferMB = 0

	for i := 0; i < 50; i++ {
		_, err := s.AddRow([]string{itoaTest(i), "x"}, uint64(i))
		require.NoError(t, err)
	}
	require.Greater(t, s.fileCount, 0, "expected at least one spilled run")

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 50, stats.TotalRows)

	var digests []string
	require.NoError(t, s.EachBatch(7, func(batch [][2]any) error {
		for _, pair := range batch {
			digests = append(digests, pair[0].(string))
		}
		return nil
	}))
	require.Len(t, digests, 50)
	for i := 1; i < len(digests); i++ {
		require.LessOrEqual(t, digests[i-1], digests[i])
	}
}

// TestSortStateErrors exercises the state machine's illegal
// transitions.
func TestSortStateErrors(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()

	err := s.EachBatch(1, func([][2]any) error { return nil })
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	_, err = s.AddRow([]string{"1"})
	require.NoError(t, err)
	_, err = s.Sort()
	require.NoError(t, err)

	_, err = s.AddRow([]string{"2"})
	require.ErrorAs(t, err, &stateErr)
}

// The concatenation of batches must equal the full sorted output for
// any batch size, and a second EachBatch call restarts from the
// beginning.
func TestEachBatchExhaustionAndRestart(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()

	const total = 23
	for i := 0; i < total; i++ {
		_, err := s.AddRow([]string{itoaTest(i)})
		require.NoError(t, err)
	}
	_, err := s.Sort()
	require.NoError(t, err)

	collect := func(n int) []string {
		var digests []string
		require.NoError(t, s.EachBatch(n, func(batch [][2]any) error {
			require.LessOrEqual(t, len(batch), n)
			for _, pair := range batch {
				digests = append(digests, pair[0].(string))
			}
			return nil
		}))
		return digests
	}

	want := collect(1)
	require.Len(t, want, total)
	for _, n := range []int{2, 3, 7, total, total + 50} {
		require.Equal(t, want, collect(n), "batch size %d", n)
	}
	// Restarting with the original size reproduces the same stream.
	require.Equal(t, want, collect(1))
}

// EnableValidation writes rejected rows to the error log CSV with the
// 1-based ordinal of the row as seen, counting rejected rows too.
func TestEnableValidationWritesErrorLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "errors.csv")

	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()
	s.SetValidationSchema(validate.Schema{
		{Rule: validate.RuleURL, Name: "image_url"},
		{Rule: validate.RuleProtocol},
	})
	require.NoError(t, s.EnableValidation(logPath))

	rows := [][]string{
		{"https://example.com", "https://ok"}, // admitted
		{"bad-url", "https://ok"},             // rejected: url, row 2
		{"https://example.com", "no-scheme"},  // rejected: protocol, row 3
		{"https://example.com", "https://ok"}, // admitted
	}
	for _, r := range rows {
		_, err := s.AddRow(r)
		require.NoError(t, err)
	}

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 1, stats.FailedURLErrorCount)
	require.Equal(t, 1, stats.FailedProtocolErrorCount)
	require.Equal(t, 4, stats.TotalRowsProcessed)
	require.Equal(t, 2, stats.ErrorCount)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}))
	text := string(data[3:])
	require.Contains(t, text, "Error Message,Row,Column\n")
	require.Contains(t, text, "image_url does not include a valid domain,2,image_url\n")
	require.Contains(t, text, "2 does not include a valid link protocol,3,2\n")
}

// AddFile must parse quoted fields, embedded commas, and escaped
// quotes, skip the header, and assign sequence by file line index.
func TestAddFileParsesQuotedCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	content := "id,name,notes\n" +
		"1,\"Smith, Jane\",\"says \"\"hi\"\"\"\n" +
		"2,Bob,plain\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()
	require.NoError(t, s.AddFile(path))

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalRows)

	var rows [][]string
	require.NoError(t, s.EachBatch(10, func(batch [][2]any) error {
		for _, pair := range batch {
			rows = append(rows, pair[1].([]string))
		}
		return nil
	}))
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row[0] == "1" {
			require.Equal(t, []string{"1", "Smith, Jane", `says "hi"`}, row)
		} else {
			require.Equal(t, []string{"2", "Bob", "plain"}, row)
		}
	}
}

// Rows that share a key across spilled runs must still dedup to the
// newest cap's worth during the merge.
func TestDedupAcrossSpilledRuns(t *testing.T) {
	cfg := &Config{BufferMB: 1, MaxRecordsPerKey: 3, FileBufferSize: 1 << 10}
	s := New("src", "key", []int{0}, nil, cfg)
	defer s.Close()
	s.cfg.BufferMB = 0 // force a spill on every append

	for i := 1; i <= 10; i++ {
		_, err := s.AddRow([]string{"shared", itoaTest(i)}, uint64(i))
		require.NoError(t, err)
	}
	require.Greater(t, s.fileCount, 1)

	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalRows)

	var got []int
	require.NoError(t, s.EachBatch(10, func(batch [][2]any) error {
		for _, pair := range batch {
			got = append(got, atoiTest(pair[1].([]string)[1]))
		}
		return nil
	}))
	require.Equal(t, []int{10, 9, 8}, got)
}

// A missing input file surfaces as a wrapped I/O error, not a panic or
// a silent no-op.
func TestAddFileMissingInput(t *testing.T) {
	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()
	err := s.AddFile(filepath.Join(t.TempDir(), "does-not-exist.csv"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// A leading UTF-8 BOM on the header line is stripped before parsing.
func TestAddFileStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bom.csv")
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\nx,y\n")...)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	s := New("src", "key", []int{0}, nil, nil)
	defer s.Close()
	require.NoError(t, s.AddFile(path))
	stats, err := s.Sort()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRows)
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func atoiTest(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
