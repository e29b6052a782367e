package validate

import (
	"encoding/csv"
	"io"
	"strconv"
)

// maxLoggedPerRule caps the number of rows logged for any single
// failure kind; counters still increment past the cap.
const maxLoggedPerRule = 5000

// utf8BOM is written once at the start of the error log so
// spreadsheet tools open the CSV as UTF-8.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrorLog accumulates validation failures, writing at most
// maxLoggedPerRule rows per Rule to an underlying CSV sink while
// keeping exact per-rule counters regardless of the cap.
type ErrorLog struct {
	w        *csv.Writer
	counts   map[Rule]int
	logged   map[Rule]int
	first    *Failure
	firstRow int
}

// NewErrorLog wraps dst in a CSV writer, writes the BOM and header
// row, and returns a ready-to-use ErrorLog. dst may be nil, in which
// case failures are still counted but never written out.
func NewErrorLog(dst io.Writer) (*ErrorLog, error) {
	l := &ErrorLog{counts: make(map[Rule]int), logged: make(map[Rule]int)}
	if dst == nil {
		return l, nil
	}
	if _, err := dst.Write(utf8BOM); err != nil {
		return nil, err
	}
	l.w = csv.NewWriter(dst)
	if err := l.w.Write([]string{"Error Message", "Row", "Column"}); err != nil {
		return nil, err
	}
	l.w.Flush()
	return l, l.w.Error()
}

// Record logs a validation failure found at the given 1-based row
// index. It always updates the per-rule counter; it skips the actual
// write once that rule has hit maxLoggedPerRule entries.
func (l *ErrorLog) Record(f *Failure, row int) error {
	if l.first == nil {
		l.first = f
		l.firstRow = row
	}
	l.counts[f.Rule]++
	if l.w == nil || l.logged[f.Rule] >= maxLoggedPerRule {
		return nil
	}
	l.logged[f.Rule]++
	if err := l.w.Write([]string{f.Message(), strconv.Itoa(row), f.identifier()}); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Count returns the number of failures recorded for rule, including
// ones past the logging cap.
func (l *ErrorLog) Count(rule Rule) int {
	return l.counts[rule]
}

// FirstError returns a human-readable message for the first failure
// recorded, and its 1-based row index, or ("", 0) if none occurred.
// Useful for a one-line summary after processing a whole file.
func (l *ErrorLog) FirstError() (string, int) {
	if l.first == nil {
		return "", 0
	}
	switch l.first.Rule {
	case RuleURL:
		return "invalid image URL: row " + strconv.Itoa(l.firstRow), l.firstRow
	case RuleProtocol:
		return "invalid link: row " + strconv.Itoa(l.firstRow), l.firstRow
	default:
		return l.first.Message(), l.firstRow
	}
}
