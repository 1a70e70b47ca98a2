package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
)

// chType maps a batch column onto a ClickHouse type. Key columns are never
// nullable, which keeps them legal in ORDER BY.
func chType(c batch.Column) string {
	var base string
	switch c.Kind {
	case batch.KindDate:
		base = "Date"
	case batch.KindTimestamp:
		base = "DateTime64(6, 'UTC')"
	case batch.KindInt64:
		base = "Int64"
	case batch.KindFloat64:
		base = "Float64"
	case batch.KindLowCardString:
		if c.Nullable {
			return "LowCardinality(Nullable(String))"
		}
		return "LowCardinality(String)"
	default:
		base = "String"
	}
	if c.Nullable {
		return "Nullable(" + base + ")"
	}
	return base
}

// dateColumnCandidates mirror the lake's partition derivation.
var dateColumnCandidates = []string{"trade_date", "date", "ex_date", "effective_date", "deal_date", "valid_from"}

func dateColumn(s *batch.Schema) string {
	for _, c := range dateColumnCandidates {
		if s.Col(c) >= 0 {
			return c
		}
	}
	return ""
}

// partitionExpr picks the table partition granularity: monthly for the
// high-volume OHLC table, (year) for financials, yearly elsewhere.
func partitionExpr(ds dataset.Dataset) string {
	dc := dateColumn(ds.Schema)
	switch {
	case ds.Name == "equity_ohlc":
		return fmt.Sprintf("toYYYYMM(%s)", dc)
	case ds.Name == "quarterly_financials":
		return "year"
	case dc != "":
		return fmt.Sprintf("toYear(%s)", dc)
	default:
		return "toYear(ingest_time)"
	}
}

// orderBy is the identity tuple; instrument_id is appended for tables that
// carry it so point lookups by instrument stay in-order.
func orderBy(ds dataset.Dataset) string {
	cols := append([]string{}, ds.DedupKey...)
	if ds.Schema.Col("instrument_id") >= 0 && !contains(cols, "instrument_id") {
		cols = append(cols, "instrument_id")
	}
	return strings.Join(cols, ", ")
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// tableDDL renders CREATE TABLE IF NOT EXISTS for one dataset. The engine
// is ReplacingMergeTree versioned by ingest_time: replays and late
// corrections collapse to the latest ingest at merge time.
func tableDDL(db string, ds dataset.Dataset) (string, error) {
	if len(ds.DedupKey) == 0 {
		return "", fmt.Errorf("dataset %s has no dedup key", ds.Name)
	}
	var cols []string
	for _, c := range ds.Schema.Columns {
		cols = append(cols, fmt.Sprintf("    %s %s", c.Name, chType(c)))
	}

	var ttl string
	if dc := dateColumn(ds.Schema); dc != "" && ds.RetentionDays > 0 {
		ttl = fmt.Sprintf("\nTTL %s + toIntervalDay(%d)", dc, ds.RetentionDays)
	}

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
%s
)
ENGINE = ReplacingMergeTree(ingest_time)
PARTITION BY %s
ORDER BY (%s)%s`,
		db, ds.Table, strings.Join(cols, ",\n"), partitionExpr(ds), orderBy(ds), ttl), nil
}

// insertQuery lists columns explicitly so batches whose schema is a lake
// body (partition columns re-expanded) still line up.
func insertQuery(db string, ds dataset.Dataset, s *batch.Schema) string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return fmt.Sprintf("INSERT INTO %s.%s (%s)", db, ds.Table, strings.Join(names, ", "))
}

// markerPartition is the idempotency marker's partition segment: the
// warehouse partition the batch's first row lands in.
func markerPartition(ds dataset.Dataset, b *batch.Batch) string {
	if b.Len() == 0 {
		return "empty"
	}
	switch ds.Name {
	case "equity_ohlc":
		if d, ok := b.TimeAt(0, "trade_date"); ok {
			return d.Format("200601")
		}
	case "quarterly_financials":
		year, okY := b.Int64At(0, "year")
		q, okQ := b.StringAt(0, "quarter")
		if okY && okQ {
			return strconv.FormatInt(year, 10) + "-" + q
		}
	}
	if dc := dateColumn(b.Schema); dc != "" {
		if d, ok := b.TimeAt(0, dc); ok {
			return d.Format("2006")
		}
	}
	return "all"
}

// partitionPredicate builds the WHERE clause used by verify mode; ok is
// false when the batch carries no usable partition column.
func partitionPredicate(ds dataset.Dataset, b *batch.Batch) (string, []any, bool) {
	if b.Len() == 0 {
		return "", nil, false
	}
	switch ds.Name {
	case "equity_ohlc":
		if d, ok := b.TimeAt(0, "trade_date"); ok {
			yyyymm, _ := strconv.Atoi(d.Format("200601"))
			return "toYYYYMM(trade_date) = ?", []any{yyyymm}, true
		}
	case "quarterly_financials":
		year, okY := b.Int64At(0, "year")
		q, okQ := b.StringAt(0, "quarter")
		if okY && okQ {
			return "year = ? AND quarter = ?", []any{year, q}, true
		}
	}
	if dc := dateColumn(b.Schema); dc != "" {
		if d, ok := b.TimeAt(0, dc); ok {
			return fmt.Sprintf("toYear(%s) = ?", dc), []any{d.Year()}, true
		}
	}
	return "", nil, false
}

// expandPartitionColumns rebuilds schema columns that the lake encoded in
// the directory path rather than the file body.
func expandPartitionColumns(body *batch.Batch, ds dataset.Dataset, partValues map[string]string) (*batch.Batch, error) {
	missing := make(map[string]string)
	for _, p := range ds.LakePartitions {
		if ds.Schema.Col(p) >= 0 && body.Schema.Col(p) < 0 {
			v, ok := partValues[p]
			if !ok {
				return nil, fmt.Errorf("partition value for column %s not in path", p)
			}
			missing[p] = v
		}
	}
	if len(missing) == 0 {
		return body, nil
	}

	out := batch.New(ds.Schema)
	out.Rows = make([][]any, body.Len())
	for r := 0; r < body.Len(); r++ {
		row := make([]any, len(ds.Schema.Columns))
		for i, c := range ds.Schema.Columns {
			if raw, ok := missing[c.Name]; ok {
				v, err := coercePartitionValue(c, raw)
				if err != nil {
					return nil, err
				}
				row[i] = v
				continue
			}
			v, _ := body.Value(r, c.Name)
			row[i] = v
		}
		out.Rows[r] = row
	}
	return out, nil
}

func coercePartitionValue(c batch.Column, raw string) (any, error) {
	switch c.Kind {
	case batch.KindInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("partition column %s: %w", c.Name, err)
		}
		return n, nil
	case batch.KindDate:
		d, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("partition column %s: %w", c.Name, err)
		}
		return d, nil
	default:
		return raw, nil
	}
}
