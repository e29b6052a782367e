// Package copybinary encodes sorted output rows as a PostgreSQL COPY
// BINARY stream against a fixed 6-column schema: source_key (text),
// digest (text), geometry (EWKB point, bytea), row_data (text[]),
// created_at and updated_at (timestamp).
//
// The byte layout is mandated exactly by PostgreSQL's COPY ... FROM
// (FORMAT binary) wire format, so everything here is written
// byte-for-byte with encoding/binary.
package copybinary

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"time"
)

// header is the fixed 11-byte COPY BINARY signature.
var header = []byte("PGCOPY\n\xff\r\n\x00")

// pgEpoch is the timestamp origin PostgreSQL's binary format counts
// microseconds from.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const fieldCount = int16(6)

// pointType is PostGIS's little-endian EWKB type tag for a 2D point
// carrying an SRID (the 0x20000000 flag bit plus geometry type 1).
const pointType = 0x20000001

const pointSRID = 4326

// Row is one record handed to the encoder: a digest, its raw fields,
// and optionally a longitude/latitude pair for the geometry column.
type Row struct {
	Digest   string
	Fields   []string
	HasPoint bool
	Lon      float64
	Lat      float64
}

// Encoder writes a COPY BINARY stream for a fixed source_key to an
// underlying io.Writer.
type Encoder struct {
	w         *bufio.Writer
	sourceKey string
	now       time.Time
	rows      int
	logEvery  func(n int)
}

// NewEncoder creates an Encoder bound to sourceKey (COPY column 1) and
// writes the stream header immediately. now is the single wall-clock
// timestamp used for every row's created_at/updated_at, so the two
// columns stay equal and do not drift across a long-running encode.
func NewEncoder(w io.Writer, sourceKey string, now time.Time) (*Encoder, error) {
	e := &Encoder{w: bufio.NewWriter(w), sourceKey: sourceKey, now: now}
	if _, err := e.w.Write(header); err != nil {
		return nil, err
	}
	var flagsAndExt [8]byte // flags(u32 BE=0) ext_len(u32 BE=0)
	if _, err := e.w.Write(flagsAndExt[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// OnProgress installs a callback invoked every 10,000 rows written,
// used by callers to emit a progress log line.
func (e *Encoder) OnProgress(fn func(rowsWritten int)) {
	e.logEvery = fn
}

// WriteRow emits one tuple for row.
func (e *Encoder) WriteRow(row Row) error {
	if err := writeInt16(e.w, fieldCount); err != nil {
		return err
	}
	if err := writeText(e.w, e.sourceKey); err != nil {
		return err
	}
	if err := writeText(e.w, row.Digest); err != nil {
		return err
	}
	if err := writeGeometry(e.w, row); err != nil {
		return err
	}
	if err := writeTextArray(e.w, row.Fields); err != nil {
		return err
	}
	ts := encodeTimestamp(e.now)
	if err := writeInt32(e.w, 8); err != nil {
		return err
	}
	if err := binary.Write(e.w, binary.BigEndian, ts); err != nil {
		return err
	}
	if err := writeInt32(e.w, 8); err != nil {
		return err
	}
	if err := binary.Write(e.w, binary.BigEndian, ts); err != nil {
		return err
	}

	e.rows++
	if e.logEvery != nil && e.rows%10000 == 0 {
		e.logEvery(e.rows)
	}
	return nil
}

// Close writes the trailer and flushes the underlying writer.
func (e *Encoder) Close() error {
	if err := writeInt16(e.w, -1); err != nil {
		return err
	}
	return e.w.Flush()
}

func writeInt16(w io.Writer, v int16) error {
	return binary.Write(w, binary.BigEndian, v)
}

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

// writeText writes a non-NULL text field: its byte length then its
// UTF-8 bytes.
func writeText(w io.Writer, s string) error {
	if err := writeInt32(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// writeNull writes a -1 length prefix, the wire representation of SQL
// NULL, with no following bytes.
func writeNull(w io.Writer) error {
	return writeInt32(w, -1)
}

// EWKBPoint encodes (lon, lat) as a little-endian EWKB POINT with
// SRID 4326: order byte 0x01, type tag 0x20000001, SRID, x, y.
func EWKBPoint(lon, lat float64) []byte {
	const ewkbLen = 1 + 4 + 4 + 8 + 8 // byteOrder + type + srid + x + y
	buf := make([]byte, ewkbLen)
	buf[0] = 0x01
	binary.LittleEndian.PutUint32(buf[1:5], pointType)
	binary.LittleEndian.PutUint32(buf[5:9], pointSRID)
	binary.LittleEndian.PutUint64(buf[9:17], math.Float64bits(lon))
	binary.LittleEndian.PutUint64(buf[17:25], math.Float64bits(lat))
	return buf
}

// writeGeometry encodes row's geo column as an EWKB point when
// present, or NULL otherwise.
func writeGeometry(w io.Writer, row Row) error {
	if !row.HasPoint {
		return writeNull(w)
	}
	buf := EWKBPoint(row.Lon, row.Lat)
	if err := writeInt32(w, int32(len(buf))); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// writeTextArray encodes fields as a one-dimensional, non-null PG
// text[] value.
func writeTextArray(w io.Writer, fields []string) error {
	const arrayHeaderLen = 4*4 + 4 // ndim hasnull elemtype dim lbound
	elemsLen := 0
	for _, f := range fields {
		elemsLen += 4 + len(f)
	}
	if err := writeInt32(w, int32(arrayHeaderLen+elemsLen)); err != nil {
		return err
	}
	if err := writeInt32(w, 1); err != nil { // ndim
		return err
	}
	if err := writeInt32(w, 0); err != nil { // hasnull
		return err
	}
	const textOID = 25
	if err := writeInt32(w, textOID); err != nil { // elemtype
		return err
	}
	if err := writeInt32(w, int32(len(fields))); err != nil { // dim
		return err
	}
	if err := writeInt32(w, 1); err != nil { // lbound
		return err
	}
	for _, f := range fields {
		if err := writeText(w, f); err != nil {
			return err
		}
	}
	return nil
}

// encodeTimestamp converts t to microseconds since the PostgreSQL
// binary epoch (2000-01-01 00:00:00 UTC).
func encodeTimestamp(t time.Time) int64 {
	return t.UTC().Sub(pgEpoch).Microseconds()
}
