// Package rowsort sorts arbitrarily large tabular row streams in
// bounded memory: rows accumulate in an in-memory buffer that spills
// sorted runs to disk, a k-way streaming merge reassembles them in
// order of their content-addressed (SHA-1 digest) key, an optional
// per-key retention cap deduplicates equal keys keeping the newest
// entries, and the sorted output can be emitted as a PostgreSQL COPY
// BINARY stream.
//
// The public entry point is Sorter: construct with New, feed rows with
// AddRow/AddFile, finalize with Sort, then read the result with
// EachBatch or WriteBinaryPostgresFile.
package rowsort

import (
	"bufio"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/movableink/csv-utils/copybinary"
	"github.com/movableink/csv-utils/metrics"
	"github.com/movableink/csv-utils/tempfile"
	"github.com/movableink/csv-utils/validate"
)

type sorterState int

const (
	stateConfiguring sorterState = iota
	stateAccumulating
	stateSorted
	stateIterating
	stateEncodedCopy
)

func (s sorterState) String() string {
	switch s {
	case stateConfiguring:
		return "configuring"
	case stateAccumulating:
		return "accumulating"
	case stateSorted:
		return "sorted"
	case stateIterating:
		return "iterating"
	case stateEncodedCopy:
		return "encoded_copy"
	default:
		return "unknown"
	}
}

// Sorter is the stateful external-sort façade. It is not safe for
// concurrent mutation; independent Sorters may run in parallel.
type Sorter struct {
	cfg *Config

	sourceID   string
	sourceKey  string
	keyColumns []int
	geoColumns []int // empty, or exactly [lonIdx, latIdx]

	schema       validate.Schema
	errorLog     *validate.ErrorLog
	errorLogFile *os.File

	state sorterState
	buf   *buffer

	runWriter tempfile.Writer
	runReader tempfile.Reader
	fileCount int

	nextSequence uint64
	processed    int
	maxRowBytes  int
	parseErrors  int

	sortedRecords []Record
	stats         RunStats

	logger  *slog.Logger
	metrics *metrics.Registry
}

// New constructs a Sorter in the Configuring state. geoColumns must be
// nil/empty or exactly two indices [lonIdx, latIdx]. A nil cfg uses
// DefaultConfig.
func New(sourceID, sourceKey string, keyColumns, geoColumns []int, cfg *Config) *Sorter {
	return &Sorter{
		cfg:        mergeConfig(cfg),
		sourceID:   sourceID,
		sourceKey:  sourceKey,
		keyColumns: keyColumns,
		geoColumns: geoColumns,
		buf:        newBuffer(),
		logger:     slog.Default(),
	}
}

// SetLogger overrides the *slog.Logger used for operational messages
// (run spilled, merge complete, sort summary with validation counts).
// Defaults to
// slog.Default().
func (s *Sorter) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches a Registry that subsequent AddRow, spill, Sort,
// and WriteBinaryPostgresFile calls report to. Optional.
func (s *Sorter) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

// SetValidationSchema installs per-column validation rules. Must be
// called before the first AddRow/AddFile.
func (s *Sorter) SetValidationSchema(schema validate.Schema) {
	s.schema = schema
}

// EnableValidation turns on error logging to path, truncating any
// existing file. Call after SetValidationSchema.
func (s *Sorter) EnableValidation(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return NewIOError(err, "create error log", path)
	}
	log, err := validate.NewErrorLog(f)
	if err != nil {
		f.Close()
		return NewIOError(err, "write error log header", path)
	}
	s.errorLog = log
	s.errorLogFile = f
	return nil
}

func (s *Sorter) requireNotSorted(op string) error {
	if s.state >= stateSorted {
		return NewStateError(op, s.state.String())
	}
	return nil
}

func (s *Sorter) requireSorted(op string) error {
	if s.state < stateSorted {
		return NewStateError(op, s.state.String())
	}
	return nil
}

// AddRow validates and, if accepted, digests and buffers row. The
// returned bool is false (with a nil error) when the row is rejected
// by validation; it is false with a non-nil error for a StateError
// (called after Sort), a BadKey failure, an I/O error while writing the
// error log, or an I/O error during spill. sequence defaults to an
// internal monotone counter when omitted.
func (s *Sorter) AddRow(row []string, sequence ...uint64) (bool, error) {
	if err := s.requireNotSorted("add_row"); err != nil {
		return false, err
	}
	s.processed++

	if s.schema != nil {
		if failure := s.schema.Check(row); failure != nil {
			if s.errorLog != nil {
				if err := s.errorLog.Record(failure, s.processed); err != nil {
					return false, NewIOError(err, "write error log entry", "")
				}
			} else {
				// Still track counts even without a configured sink.
				_ = s.ensureShadowLog().Record(failure, s.processed)
			}
			if s.metrics != nil {
				s.metrics.RowsRejected.WithLabelValues(ruleName(failure.Rule)).Inc()
			}
			return false, nil
		}
	}

	digest, err := Digest(row, s.keyColumns)
	if err != nil {
		return false, err
	}

	var seq uint64
	if len(sequence) > 0 {
		seq = sequence[0]
	} else {
		s.nextSequence++
		seq = s.nextSequence
	}

	rec := Record{Digest: digest, Row: row, Sequence: seq}
	size := s.buf.add(rec)
	if size > s.maxRowBytes {
		s.maxRowBytes = size
	}
	if s.metrics != nil {
		s.metrics.RowsAdmitted.Inc()
	}
	if s.state == stateConfiguring {
		s.state = stateAccumulating
	}

	if s.buf.full(s.cfg.bufferBytes()) {
		if err := s.spillBuffer(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ensureShadowLog lets counters accumulate even when EnableValidation was
// never called, so Sort's stats are correct without a sink configured.
func (s *Sorter) ensureShadowLog() *validate.ErrorLog {
	if s.errorLog == nil {
		log, _ := validate.NewErrorLog(nil)
		s.errorLog = log
	}
	return s.errorLog
}

// spillBuffer sorts the buffer and writes it as a new run section,
// lazily creating the backing tempfile.Writer on first spill.
func (s *Sorter) spillBuffer() error {
	if s.runWriter == nil {
		w, err := tempfile.NewSized(s.cfg.TempDir, s.cfg.FileBufferSize)
		if err != nil {
			return NewIOError(err, "create run file", s.cfg.TempDir)
		}
		s.runWriter = w
	}
	records := s.buf.sortedRecords()
	if err := spill(s.runWriter, records); err != nil {
		return err
	}
	s.fileCount++
	if s.metrics != nil {
		s.metrics.RunsSpilled.Inc()
	}
	s.logger.Debug("rowsort: spilled run", "run", s.fileCount, "records", len(records))
	s.buf.reset()
	return nil
}

// ruleName maps a validate.Rule to the metrics label used for
// rows_rejected_total{reason}.
func ruleName(r validate.Rule) string {
	switch r {
	case validate.RuleURL:
		return "url"
	case validate.RuleProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// AddFile parses the CSV at path (RFC 4180, UTF-8, comma-delimited),
// skipping the header row, and calls AddRow for each data row with
// sequence equal to that row's 1-based file line index.
func (s *Sorter) AddFile(path string) error {
	if err := s.requireNotSorted("add_file"); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return NewIOError(err, "open input file", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peeked, err := br.Peek(3)
	if err != nil && err != io.EOF {
		return NewIOError(err, "read input file", path)
	}
	if len(peeked) == 3 && peeked[0] == 0xEF && peeked[1] == 0xBB && peeked[2] == 0xBF {
		br.Discard(3)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err == io.EOF {
		return ErrNoHeadersFound
	} else if err != nil {
		return NewInvalidInputError("reading header row", err)
	}

	lineIndex := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineIndex++
		if err != nil {
			s.parseErrors++
			continue
		}
		if _, err := s.AddRow(row, uint64(lineIndex)); err != nil {
			return err
		}
	}
	return nil
}

// Sort finalizes ingestion: it flushes any pending in-memory rows,
// merges every run (or sorts in memory if none were spilled),
// deduplicates per MaxRecordsPerKey, and transitions to Sorted. It is
// idempotent: a second call returns the previously computed stats.
func (s *Sorter) Sort() (RunStats, error) {
	if s.state >= stateSorted {
		return s.stats, nil
	}
	mergeStart := time.Now()

	var merged []Record
	if s.fileCount == 0 {
		merged = mergeAndDedup([]*mergeSource{mustSliceSource(0, s.buf.sortedRecords())}, s.cfg.MaxRecordsPerKey)
	} else {
		if s.buf.len() > 0 {
			if err := s.spillBuffer(); err != nil {
				return RunStats{}, err
			}
		}
		reader, err := s.runWriter.Save()
		if err != nil {
			return RunStats{}, NewIOError(err, "finalize run file", "")
		}
		s.runReader = reader
		s.runWriter = nil

		sources := make([]*mergeSource, 0, reader.Size())
		for i := 0; i < reader.Size(); i++ {
			src, err := newStreamSource(i, reader.Read(i))
			if err != nil {
				return RunStats{}, err
			}
			sources = append(sources, src)
		}
		m := newMerger(sources, s.cfg.MaxRecordsPerKey)
		for {
			rec, err := m.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return RunStats{}, err
			}
			merged = append(merged, rec)
		}
		s.logger.Debug("rowsort: merge complete", "sources", len(sources), "records", len(merged))

		// The merge has consumed every run; release the backing temp
		// file now rather than waiting for Close.
		if err := s.runReader.Close(); err != nil {
			return RunStats{}, NewIOError(err, "remove run file", "")
		}
		s.runReader = nil
	}

	s.sortedRecords = merged
	s.buf.reset()
	if s.metrics != nil {
		s.metrics.MergeDuration.Observe(time.Since(mergeStart).Seconds())
	}

	var failedURL, failedProtocol int
	if s.errorLog != nil {
		failedURL = s.errorLog.Count(validate.RuleURL)
		failedProtocol = s.errorLog.Count(validate.RuleProtocol)
	}
	s.stats = RunStats{
		TotalRows:                len(merged),
		TotalRowsProcessed:       s.processed,
		FailedURLErrorCount:      failedURL,
		FailedProtocolErrorCount: failedProtocol,
		FileCount:                s.fileCount,
		MaxRowMemoryUsage:        s.maxRowBytes,
		ParseErrorCount:          s.parseErrors,
		ErrorCount:               failedURL + failedProtocol + s.parseErrors,
	}
	s.state = stateSorted
	s.logger.Info("rowsort: sort complete",
		"total_rows", s.stats.TotalRows,
		"total_rows_processed", s.stats.TotalRowsProcessed,
		"failed_url_error_count", s.stats.FailedURLErrorCount,
		"failed_protocol_error_count", s.stats.FailedProtocolErrorCount)
	return s.stats, nil
}

// mergeAndDedup runs the merge over already-loaded sources, fully
// materializing the deduped output. Used for the in-memory-only path
// (no spilled runs).
func mergeAndDedup(sources []*mergeSource, maxPerKey int) []Record {
	m := newMerger(sources, maxPerKey)
	var out []Record
	for {
		rec, err := m.next()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

func mustSliceSource(id int, records []Record) *mergeSource {
	src, _ := newSliceSource(id, records)
	return src
}

// EachBatch iterates the sorted, deduplicated output in groups of at
// most n, calling fn with each batch of [digest, row] pairs. Iteration
// restarts from the beginning on every call.
func (s *Sorter) EachBatch(n int, fn func(batch [][2]any) error) error {
	if err := s.requireSorted("each_batch"); err != nil {
		return err
	}
	if n <= 0 {
		n = 1
	}
	s.state = stateIterating

	for start := 0; start < len(s.sortedRecords); start += n {
		end := start + n
		if end > len(s.sortedRecords) {
			end = len(s.sortedRecords)
		}
		batch := make([][2]any, 0, end-start)
		for _, rec := range s.sortedRecords[start:end] {
			batch = append(batch, [2]any{rec.Digest, rec.Row})
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// WriteBinaryPostgresFile encodes the sorted output as a COPY BINARY
// stream at path, suitable for COPY ... FROM ... (FORMAT binary).
func (s *Sorter) WriteBinaryPostgresFile(path string) error {
	if err := s.requireSorted("write_binary_postgres_file"); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return NewIOError(err, "create binary output file", path)
	}
	defer f.Close()

	cw := &countingWriter{w: f}
	enc, err := copybinary.NewEncoder(cw, s.sourceKey, time.Now())
	if err != nil {
		return NewEncodeError("writing header", err)
	}
	enc.OnProgress(func(n int) {
		s.logger.Info("rowsort: copy binary progress", "rows_written", n)
	})

	for _, rec := range s.sortedRecords {
		row := copybinary.Row{Digest: rec.Digest, Fields: rec.Row}
		if lon, lat, ok := s.geoPoint(rec.Row); ok {
			row.HasPoint = true
			row.Lon = lon
			row.Lat = lat
		}
		if err := enc.WriteRow(row); err != nil {
			return NewEncodeError("writing row", err)
		}
	}
	if err := enc.Close(); err != nil {
		return NewEncodeError("writing trailer", err)
	}
	if s.metrics != nil {
		s.metrics.CopyBytesWritten.Add(float64(cw.n))
	}
	s.state = stateEncodedCopy
	return nil
}

// countingWriter tracks total bytes written for the copy_bytes_written
// metric without the encoder needing to know about metrics at all.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// geoPoint extracts (lon, lat) from row using s.geoColumns, returning
// ok=false when geo columns are not configured, out of range, or
// unparseable, in which case the geometry column is written as NULL.
func (s *Sorter) geoPoint(row []string) (lon, lat float64, ok bool) {
	if len(s.geoColumns) != 2 {
		return 0, 0, false
	}
	lonIdx, latIdx := s.geoColumns[0], s.geoColumns[1]
	if lonIdx < 0 || lonIdx >= len(row) || latIdx < 0 || latIdx >= len(row) {
		return 0, 0, false
	}
	lonVal, err := strconv.ParseFloat(row[lonIdx], 64)
	if err != nil {
		return 0, 0, false
	}
	latVal, err := strconv.ParseFloat(row[latIdx], 64)
	if err != nil {
		return 0, 0, false
	}
	return lonVal, latVal, true
}

// Close releases temporary resources: the run file (if any) and the
// error log file handle. It is idempotent and safe after an error.
func (s *Sorter) Close() error {
	var firstErr error
	if s.runWriter != nil {
		if err := s.runWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.runWriter = nil
	}
	if s.runReader != nil {
		if err := s.runReader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.runReader = nil
	}
	if s.errorLogFile != nil {
		if err := s.errorLogFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.errorLogFile = nil
	}
	return firstErr
}
