package rowsort

import (
	"github.com/movableink/csv-utils/tempfile"
)

// recordOverhead is the constant per-record bookkeeping cost added to
// every record's estimated footprint, on top of the bytes of its
// fields: digest, sequence number, and slice/string headers.
const recordOverhead = 64

// estimateRecordSize approximates the in-memory footprint of rec for
// the purposes of the spill threshold. It does not need to be exact,
// only monotonic in the data actually held; the threshold is a soft
// cap.
func estimateRecordSize(rec Record) int {
	size := recordOverhead + len(rec.Digest)
	for _, f := range rec.Row {
		size += len(f)
	}
	return size
}

// buffer accumulates Records in memory until the configured byte
// threshold is reached, at which point the caller sorts and spills it
// to a run file.
type buffer struct {
	records []Record
	size    int
}

func newBuffer() *buffer {
	return &buffer{}
}

// add appends rec and returns the buffer's new estimated size in bytes.
func (b *buffer) add(rec Record) int {
	b.records = append(b.records, rec)
	b.size += estimateRecordSize(rec)
	return b.size
}

// len reports the number of records currently held.
func (b *buffer) len() int {
	return len(b.records)
}

// full reports whether the buffer has reached or exceeded limit bytes.
func (b *buffer) full(limit int) bool {
	return b.size >= limit
}

// sortedRecords sorts the buffer's records in place per the run
// ordering contract and returns them, leaving the buffer unchanged so
// the caller can choose to spill or keep them resident.
func (b *buffer) sortedRecords() []Record {
	sortRecords(b.records)
	return b.records
}

// reset clears the buffer for reuse after a spill.
func (b *buffer) reset() {
	b.records = nil
	b.size = 0
}

// spill writes the buffer's records, already sorted, to a new section
// of w and finalizes that section, producing one run.
func spill(w tempfile.Writer, records []Record) error {
	for _, rec := range records {
		if err := writeRecord(w, rec); err != nil {
			return err
		}
	}
	if _, err := w.Next(); err != nil {
		return NewIOError(err, "spill: finalize section", "")
	}
	return nil
}
