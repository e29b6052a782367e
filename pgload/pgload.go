// Package pgload streams a Sorter's sorted, deduplicated output
// straight into a live PostgreSQL table via pgx/v5's wire-protocol
// COPY support, as an alternative to writing an intermediate COPY
// BINARY file with the copybinary package.
package pgload

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one record handed to CopyRows, mirroring the 6-column schema
// of the binary file encoder. Geometry holds the EWKB point bytes
// (copybinary.EWKBPoint) or nil for SQL NULL.
type Row struct {
	SourceKey string
	Digest    string
	Geometry  []byte
	RowData   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Connect opens a pooled connection using databaseURL, matching the
// corpus's pgxpool.ParseConfig/NewWithConfig bootstrap.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// CopyRows streams rows into table(columns...) using PostgreSQL's
// binary COPY protocol, returning the number of rows copied.
func CopyRows(ctx context.Context, pool *pgxpool.Pool, table string, columns []string, rows []Row) (int64, error) {
	source := &rowSource{rows: rows, idx: -1}
	ident := pgx.Identifier{table}
	return pool.CopyFrom(ctx, ident, columns, source)
}

// rowSource adapts a []Row to pgx.CopyFromSource.
type rowSource struct {
	rows []Row
	idx  int
}

func (s *rowSource) Next() bool {
	s.idx++
	return s.idx < len(s.rows)
}

func (s *rowSource) Values() ([]any, error) {
	r := s.rows[s.idx]
	var geom any
	if r.Geometry != nil {
		geom = r.Geometry
	}
	return []any{r.SourceKey, r.Digest, geom, r.RowData, r.CreatedAt, r.UpdatedAt}, nil
}

func (s *rowSource) Err() error {
	return nil
}
