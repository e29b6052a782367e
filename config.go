package rowsort

// Config holds configuration settings for a Sorter. A nil Config passed
// to New uses DefaultConfig(); a partially-populated Config has its
// invalid fields (non-positive BufferMB or FileBufferSize, negative
// MaxRecordsPerKey) replaced by defaults via mergeConfig. A zero
// MaxRecordsPerKey and an empty TempDir are kept as given.
type Config struct {
	// BufferMB is the soft memory cap, in megabytes, for the in-memory
	// run before it spills to a temp file.
	BufferMB int

	// MaxRecordsPerKey is the per-digest retention cap applied during
	// the k-way merge. Zero disables deduplication entirely.
	MaxRecordsPerKey int

	// TempDir is the directory run files are created in; empty uses the
	// OS default temp directory.
	TempDir string

	// FileBufferSize is the bufio buffer size used for each run file.
	FileBufferSize int
}

// DefaultConfig returns the default configuration used if none is
// provided.
func DefaultConfig() *Config {
	return &Config{
		BufferMB:         100,
		MaxRecordsPerKey: 200,
		TempDir:          "",
		FileBufferSize:   1 << 20, // 1MB
	}
}

// mergeConfig takes a provided config and replaces any invalid values
// with the defaults, leaving explicitly-set values untouched.
func mergeConfig(c *Config) *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	if c.BufferMB <= 0 {
		c.BufferMB = d.BufferMB
	}
	if c.MaxRecordsPerKey < 0 {
		c.MaxRecordsPerKey = d.MaxRecordsPerKey
	}
	if c.FileBufferSize <= 0 {
		c.FileBufferSize = d.FileBufferSize
	}
	// TempDir intentionally left alone; "" is a valid value meaning
	// "use the OS default".
	return c
}

// bufferBytes returns the configured buffer cap in bytes.
func (c *Config) bufferBytes() int {
	return c.BufferMB * 1024 * 1024
}
