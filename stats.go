package rowsort

// RunStats is returned by Sort and summarizes one sorter's run.
type RunStats struct {
	// TotalRows is the surviving, dedup-cap-bounded record count.
	TotalRows int
	// TotalRowsProcessed counts every row seen by AddRow/AddFile,
	// including ones rejected by validation.
	TotalRowsProcessed       int
	FailedURLErrorCount      int
	FailedProtocolErrorCount int

	// FileCount is the number of run files spilled to disk.
	FileCount int
	// MaxRowMemoryUsage is the high-water mark of the estimated
	// in-memory batch footprint, in bytes.
	MaxRowMemoryUsage int
	// ParseErrorCount counts CSV rows that failed to parse during
	// AddFile (e.g. malformed quoting). Rows with differing field
	// counts are accepted and not counted here.
	ParseErrorCount int
	// ErrorCount is the sum of FailedURLErrorCount,
	// FailedProtocolErrorCount, and ParseErrorCount.
	ErrorCount int
}
