// Package parse turns heterogeneous exchange bulletins (CSV, ZIP-extracted
// CSV, XBRL) into canonical typed batches. Every reader carries an explicit
// per-column type map; nothing is inferred from data.
package parse

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

// Parser parses one source family.
type Parser interface {
	// Source is the envelope source tag this parser stamps.
	Source() string
	// Parse reads a local file into a canonical batch. A zero-row but valid
	// file yields (nil, nil).
	Parse(path string, logicalDate time.Time) (*batch.Batch, error)
}

// Registry resolves parsers by source tag.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry wires every known parser over the given clock.
func NewRegistry(clock envelope.Clock) *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		NewNSEBhavcopy(clock),
		NewBSEBhavcopy(clock),
		NewCorporateActions(clock),
		NewIndexConstituents(clock),
		NewTradingCalendar(clock),
		NewSymbolMaster(clock),
		NewBulkDeals(clock),
		NewMacroIndicators(clock),
		NewQuarterlyFinancials(clock),
	} {
		r.parsers[p.Source()] = p
	}
	return r
}

// Get returns the parser for a source tag.
func (r *Registry) Get(source string) (Parser, bool) {
	p, ok := r.parsers[source]
	return p, ok
}

// SchemaError reports column drift with a diff; it never passes silently.
type SchemaError struct {
	Expected []string
	Found    []string
	Missing  []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema drift: missing columns %v (expected %v, found %v)",
		e.Missing, e.Expected, e.Found)
}

// IST is the exchange-local zone for NSE/BSE bulletin timestamps.
var IST = mustLoadIST()

func mustLoadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// fixed offset fallback for zoneinfo-less containers
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// eodEventTime is the logical observation time of an end-of-day bulletin:
// market close, 15:30 IST, converted to UTC.
func eodEventTime(tradeDate time.Time) time.Time {
	return time.Date(tradeDate.Year(), tradeDate.Month(), tradeDate.Day(), 15, 30, 0, 0, IST).UTC()
}

// csvTable is one fully-read CSV file with a header index.
type csvTable struct {
	header []string
	rows   [][]string
	index  map[string]int
}

// readCSV loads a CSV file. Headers are trimmed and uppercased so NSE and
// BSE header variants index identically. Unknown columns are retained in
// the raw rows and simply never read.
func readCSV(path, op string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // trailing-comma tolerant; width is checked per cell
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return &csvTable{index: map[string]int{}}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Integrity, op, err)
	}

	t := &csvTable{index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.ToUpper(strings.TrimSpace(h))
		t.header = append(t.header, h)
		t.index[h] = i
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Integrity, op, err)
		}
		// exchanges pad files with blank trailer lines
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// require verifies the presence of every required column and returns a
// SchemaError diff otherwise.
func (t *csvTable) require(op string, required ...string) error {
	var missing []string
	for _, name := range required {
		if _, ok := t.index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errs.Wrap(errs.Schema, op, &SchemaError{
		Expected: required,
		Found:    t.header,
		Missing:  missing,
	})
}

// cell returns the trimmed raw value; empty string for short rows.
func (t *csvTable) cell(row []string, col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// fieldErr annotates a cell-level coercion failure with its location.
func fieldErr(op, col string, rowNum int, err error) error {
	return errs.Wrap(errs.Integrity, op, fmt.Errorf("row %d column %s: %w", rowNum, col, err))
}

// toFloat parses a required float cell. Indian bulletins use plain decimal
// with optional thousands commas.
func toFloat(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" {
		return 0, fmt.Errorf("empty numeric value")
	}
	return strconv.ParseFloat(s, 64)
}

// toFloatOrNull coerces empty to null for nullable fields.
func toFloatOrNull(s string) (any, error) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func toInt(s string) (int64, error) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" {
		return 0, fmt.Errorf("empty integer value")
	}
	return strconv.ParseInt(s, 10, 64)
}

func toIntOrNull(s string) (any, error) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// dateLayouts used across Indian exchange bulletins.
var bulletinDateLayouts = []string{
	"02-Jan-2006",
	"2-Jan-2006",
	"02-01-2006",
	"2006-01-02",
	"02-JAN-2006",
}

// toDate parses an exchange-local date cell to a UTC date (midnight).
func toDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range bulletinDateLayouts {
		if d, err := time.ParseInLocation(layout, s, IST); err == nil {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
		}
		// exchanges mix upper and title case month abbreviations
		if d, err := time.ParseInLocation(layout, titleCaseMonth(s), IST); err == nil {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

func toDateOrNull(s string) (any, error) {
	if strings.TrimSpace(s) == "" || s == "-" {
		return nil, nil
	}
	d, err := toDate(s)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func titleCaseMonth(s string) string {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return s
	}
	m := strings.ToLower(parts[1])
	if len(m) > 0 {
		m = strings.ToUpper(m[:1]) + m[1:]
	}
	return parts[0] + "-" + m + "-" + parts[2]
}

// ticker canonicalizes a symbol cell: trimmed, uppercased.
func ticker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// strOrNull coerces empty to null for nullable string fields.
func strOrNull(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.TrimSpace(s)
}
