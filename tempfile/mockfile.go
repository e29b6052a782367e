package tempfile

import (
	"bufio"
	"bytes"
	"io"
)

// MockWriter is an in-memory Writer, useful for tests and benchmarks
// that want to exercise the spill/merge machinery without touching
// the filesystem.
type MockWriter struct {
	data       *bytes.Buffer
	sections   []int
	bufferSize int
}

type mockReader struct {
	data       *bytes.Reader
	sections   []int
	readers    []*bufio.Reader
	bufferSize int
}

// Mock creates a new in-memory Writer with initial capacity n bytes.
func Mock(n int) *MockWriter {
	return &MockWriter{
		data:       bytes.NewBuffer(make([]byte, 0, n)),
		bufferSize: defaultFileBufferSize,
	}
}

// Size reports the number of sections created so far, counting the one
// currently being written.
func (w *MockWriter) Size() int {
	return len(w.sections) + 1
}

// Close discards all buffered data.
func (w *MockWriter) Close() error {
	w.data = nil
	w.sections = nil
	return nil
}

// Write appends p to the current section.
func (w *MockWriter) Write(p []byte) (int, error) {
	return w.data.Write(p)
}

// Next finalizes the current section.
func (w *MockWriter) Next() (int64, error) {
	pos := w.data.Len()
	w.sections = append(w.sections, pos)
	return int64(pos), nil
}

// Save finalizes the writer and returns a Reader over all sections.
func (w *MockWriter) Save() (Reader, error) {
	if _, err := w.Next(); err != nil {
		return nil, err
	}
	return newMockReader(w.sections, w.data.Bytes(), w.bufferSize)
}

func newMockReader(sections []int, data []byte, bufferSize int) (*mockReader, error) {
	if bufferSize <= 0 {
		bufferSize = defaultFileBufferSize
	}
	r := &mockReader{
		data:       bytes.NewReader(data),
		sections:   sections,
		readers:    make([]*bufio.Reader, len(sections)),
		bufferSize: bufferSize,
	}
	offset := 0
	for i, end := range sections {
		section := io.NewSectionReader(r.data, int64(offset), int64(end-offset))
		offset = end
		r.readers[i] = bufio.NewReaderSize(section, bufferSize)
	}
	return r, nil
}

func (r *mockReader) Close() error {
	r.readers = nil
	r.data = nil
	return nil
}

func (r *mockReader) Size() int {
	return len(r.readers)
}

func (r *mockReader) Read(i int) *bufio.Reader {
	if i < 0 || i >= len(r.readers) {
		panic("tempfile: read request out of range")
	}
	return r.readers[i]
}
