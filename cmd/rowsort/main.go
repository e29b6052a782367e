// Command rowsort is the thin CLI driver around the rowsort façade. It
// carries no sorting logic of its own: it wires config, logging,
// metrics, and one Sorter per input file together. Each input file
// gets its own independent Sorter, so multiple files are processed
// concurrently.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	rowsort "github.com/movableink/csv-utils"
	"github.com/movableink/csv-utils/config"
	"github.com/movableink/csv-utils/copybinary"
	"github.com/movableink/csv-utils/logging"
	"github.com/movableink/csv-utils/metrics"
	"github.com/movableink/csv-utils/pgload"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rowsort", flag.ContinueOnError)
	keyColumnsFlag := fs.String("key-columns", "", "comma-separated 0-based key column indices (required)")
	geoColumnsFlag := fs.String("geo-columns", "", "comma-separated lon,lat column indices (optional)")
	outputFlag := fs.String("out", "", "output .bin path (COPY BINARY); required unless -load-table is set")
	sourceKeyFlag := fs.String("source-key", "", "opaque source_key reflected in COPY column 1")
	loadTableFlag := fs.String("load-table", "", "stream output into this PostgreSQL table via DATABASE_URL instead of writing a file")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	paths := fs.Args()
	if len(paths) == 0 || *keyColumnsFlag == "" || (*outputFlag == "" && *loadTableFlag == "") {
		fmt.Fprintln(os.Stderr, "usage: rowsort -key-columns=0,1 [-out=output.bin | -load-table=table] file.csv [file2.csv ...]")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	reg := metrics.New()
	metrics.Serve(cfg.MetricsAddr)

	keyColumns, err := parseIndices(*keyColumnsFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -key-columns:", err)
		return 1
	}
	var geoColumns []int
	if *geoColumnsFlag != "" {
		geoColumns, err = parseIndices(*geoColumnsFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -geo-columns:", err)
			return 1
		}
	}

	sourceKey := *sourceKeyFlag
	if sourceKey == "" {
		sourceKey = uuid.NewString()
	}

	var g errgroup.Group
	for i, path := range paths {
		path := path
		out := *outputFlag
		if len(paths) > 1 {
			out = fmt.Sprintf("%s.%d", *outputFlag, i)
		}
		g.Go(func() error {
			return processFile(path, out, *loadTableFlag, sourceKey, keyColumns, geoColumns, cfg, reg)
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	return 0
}

func processFile(path, out, loadTable, sourceKey string, keyColumns, geoColumns []int, cfg *config.Config, reg *metrics.Registry) error {
	sorterCfg := &rowsort.Config{
		BufferMB:         cfg.BufferMB,
		MaxRecordsPerKey: cfg.MaxRecordsPerKey,
		TempDir:          cfg.TempDir,
	}
	s := rowsort.New(uuid.NewString(), sourceKey, keyColumns, geoColumns, sorterCfg)
	s.SetMetrics(reg)
	defer s.Close()

	if err := s.AddFile(path); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	stats, err := s.Sort()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("%s: total_rows=%d total_rows_processed=%d failed_url=%d failed_protocol=%d\n",
		path, stats.TotalRows, stats.TotalRowsProcessed, stats.FailedURLErrorCount, stats.FailedProtocolErrorCount)

	if loadTable != "" {
		return loadIntoPostgres(s, loadTable, sourceKey, geoColumns, cfg)
	}
	if err := s.WriteBinaryPostgresFile(out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// loadIntoPostgres streams the sorted output straight into a live
// PostgreSQL table, batching rows through pgload instead of writing an
// intermediate COPY BINARY file.
func loadIntoPostgres(s *rowsort.Sorter, table, sourceKey string, geoColumns []int, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("-load-table requires DATABASE_URL to be set")
	}
	ctx := context.Background()
	pool, err := pgload.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	columns := []string{"source_key", "digest", "geometry", "row_data", "created_at", "updated_at"}
	now := time.Now().UTC()

	const batchSize = 5000
	return s.EachBatch(batchSize, func(batch [][2]any) error {
		rows := make([]pgload.Row, 0, len(batch))
		for _, pair := range batch {
			digest := pair[0].(string)
			fields := pair[1].([]string)
			row := pgload.Row{
				SourceKey: sourceKey,
				Digest:    digest,
				RowData:   fields,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if lon, lat, ok := geoPoint(fields, geoColumns); ok {
				row.Geometry = copybinary.EWKBPoint(lon, lat)
			}
			rows = append(rows, row)
		}
		_, err := pgload.CopyRows(ctx, pool, table, columns, rows)
		return err
	})
}

// geoPoint parses the configured lon/lat columns out of fields,
// mirroring the NULL-on-failure behavior of the file encoder.
func geoPoint(fields []string, geoColumns []int) (lon, lat float64, ok bool) {
	if len(geoColumns) != 2 {
		return 0, 0, false
	}
	lonIdx, latIdx := geoColumns[0], geoColumns[1]
	if lonIdx < 0 || lonIdx >= len(fields) || latIdx < 0 || latIdx >= len(fields) {
		return 0, 0, false
	}
	var err error
	if lon, err = strconv.ParseFloat(fields[lonIdx], 64); err != nil {
		return 0, 0, false
	}
	if lat, err = strconv.ParseFloat(fields[latIdx], 64); err != nil {
		return 0, 0, false
	}
	return lon, lat, true
}

func parseIndices(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
