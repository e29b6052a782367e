package rowsort

import (
	"bufio"
	"io"
	"sort"

	"github.com/movableink/csv-utils/queue"
)

// mergeSource is one input stream to the k-way merge: either a run
// file section or the sorted leftover from the in-memory buffer.
type mergeSource struct {
	id      int
	reader  *bufio.Reader // nil for slice-backed sources
	pending []Record      // remaining records for slice-backed sources
	cur     Record
	ok      bool
}

func newStreamSource(id int, r *bufio.Reader) (*mergeSource, error) {
	s := &mergeSource{id: id, reader: r}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSliceSource(id int, records []Record) (*mergeSource, error) {
	s := &mergeSource{id: id, pending: records}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return s, nil
}

// advance loads the next record into s.cur, setting s.ok to false once
// the source is exhausted.
func (s *mergeSource) advance() error {
	if s.reader != nil {
		rec, err := readRecord(s.reader)
		if err == io.EOF {
			s.ok = false
			return nil
		}
		if err != nil {
			return err
		}
		s.cur = rec
		s.ok = true
		return nil
	}
	if len(s.pending) == 0 {
		s.ok = false
		return nil
	}
	s.cur = s.pending[0]
	s.pending = s.pending[1:]
	s.ok = true
	return nil
}

// sourceLess orders merge sources by (digest asc, sequence desc,
// stream id asc). The stream id tiebreak keeps the heap strictly
// ordered even when two sources present identical (digest, sequence)
// pairs.
func sourceLess(a, b *mergeSource) bool {
	if a.cur.Digest != b.cur.Digest {
		return a.cur.Digest < b.cur.Digest
	}
	if a.cur.Sequence != b.cur.Sequence {
		return a.cur.Sequence > b.cur.Sequence
	}
	return a.id < b.id
}

// merger drives the k-way merge across all sources, optionally
// enforcing the per-digest retention cap.
type merger struct {
	pq          *queue.PriorityQueue[*mergeSource]
	maxPerKey   int
	curDigest   string
	countForKey int
}

// newMerger builds a merger over sources, which must already have
// their first record loaded (as newStreamSource/newSliceSource do).
// maxPerKey <= 0 disables deduplication.
func newMerger(sources []*mergeSource, maxPerKey int) *merger {
	pq := queue.NewPriorityQueue(sourceLess)
	for _, s := range sources {
		if s.ok {
			pq.Push(s)
		}
	}
	return &merger{pq: pq, maxPerKey: maxPerKey}
}

// next returns the next record in final sort order, applying the dedup
// cap when configured. It returns io.EOF once every source is
// exhausted.
func (m *merger) next() (Record, error) {
	for m.pq.Len() > 0 {
		s := m.pq.Peek()
		rec := s.cur

		if err := s.advance(); err != nil {
			return Record{}, err
		}
		if s.ok {
			m.pq.PeekUpdate()
		} else {
			m.pq.Pop()
		}

		if m.maxPerKey > 0 {
			if rec.Digest != m.curDigest {
				m.curDigest = rec.Digest
				m.countForKey = 0
			}
			m.countForKey++
			if m.countForKey > m.maxPerKey {
				continue
			}
		}

		return rec, nil
	}
	return Record{}, io.EOF
}

// sortRecords sorts records in place per the run ordering contract
// (digest asc, sequence desc), used both to build a run file and to
// prepare the final in-memory-only path when no run files exist.
func sortRecords(records []Record) {
	sort.Sort(recordSlice(records))
}
