package tempfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// defaultFileBufferSize is the bufio size used for the shared spill
// file and for each section reader opened against it.
const defaultFileBufferSize = 1 << 16 // 64k

var runFilenamePrefix = fmt.Sprintf("rowsort_%d_", os.Getpid())

// FileWriter is a disk-backed Writer. All sections live in one
// physical temp file; Next() just records the current offset as a
// section boundary.
type FileWriter struct {
	file       *os.File
	bufWriter  *bufio.Writer
	sections   []int64
	bufferSize int
}

// FileReader is a disk-backed Reader produced by FileWriter.Save.
type FileReader struct {
	file       *os.File
	sections   []int64
	readers    []*bufio.Reader
	bufferSize int
}

// New creates a disk-backed Writer rooted at dir ("" uses the OS
// default temp directory).
func New(dir string) (*FileWriter, error) {
	return NewSized(dir, defaultFileBufferSize)
}

// NewSized is like New but lets the caller configure the per-section
// bufio buffer size.
func NewSized(dir string, bufferSize int) (*FileWriter, error) {
	f, err := os.CreateTemp(dir, runFilenamePrefix)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = defaultFileBufferSize
	}
	return &FileWriter{
		file:       f,
		bufWriter:  bufio.NewWriterSize(f, bufferSize),
		sections:   make([]int64, 0, 8),
		bufferSize: bufferSize,
	}, nil
}

// Name returns the path of the backing temp file.
func (w *FileWriter) Name() string {
	return w.file.Name()
}

// Size reports the number of sections created so far, counting the
// one currently being written.
func (w *FileWriter) Size() int {
	return len(w.sections) + 1
}

// Close aborts the writer: closes and removes the backing file. It is
// unrecoverable; use Save to transition to read mode instead.
func (w *FileWriter) Close() error {
	if w.file == nil {
		return nil
	}
	name := w.file.Name()
	err := w.file.Close()
	w.sections = nil
	w.bufWriter = nil
	w.file = nil
	if err != nil {
		return err
	}
	return os.Remove(name)
}

// Write appends p to the current section.
func (w *FileWriter) Write(p []byte) (int, error) {
	return w.bufWriter.Write(p)
}

// Next finalizes the current section and returns the file offset at
// which the next section begins.
func (w *FileWriter) Next() (int64, error) {
	if err := w.bufWriter.Flush(); err != nil {
		return 0, err
	}
	pos, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	w.sections = append(w.sections, pos)
	return pos, nil
}

// Save finalizes the writer and returns a Reader over all sections.
func (w *FileWriter) Save() (Reader, error) {
	if _, err := w.Next(); err != nil {
		return nil, err
	}
	if err := w.file.Sync(); err != nil {
		return nil, err
	}
	if err := w.file.Close(); err != nil {
		return nil, err
	}
	r, err := newFileReader(w.file.Name(), w.sections, w.bufferSize)
	w.file = nil
	w.bufWriter = nil
	return r, err
}

func newFileReader(name string, sections []int64, bufferSize int) (*FileReader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = defaultFileBufferSize
	}
	r := &FileReader{
		file:       f,
		sections:   sections,
		readers:    make([]*bufio.Reader, len(sections)),
		bufferSize: bufferSize,
	}
	offset := int64(0)
	for i, end := range sections {
		section := io.NewSectionReader(f, offset, end-offset)
		offset = end
		r.readers[i] = bufio.NewReaderSize(section, bufferSize)
	}
	return r, nil
}

// Close closes and removes the backing file.
func (r *FileReader) Close() error {
	if r.file == nil {
		return nil
	}
	name := r.file.Name()
	r.readers = nil
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return err
	}
	return os.Remove(name)
}

// Size returns the number of readable sections.
func (r *FileReader) Size() int {
	return len(r.readers)
}

// Read returns the buffered reader for section i.
func (r *FileReader) Read(i int) *bufio.Reader {
	if i < 0 || i >= len(r.readers) {
		panic("tempfile: read request out of range")
	}
	return r.readers[i]
}
