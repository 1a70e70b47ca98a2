// Package normalize builds the normalized layer from raw batches: identity
// dedup keeping the latest ingest, cross-listing resolution, and
// corporate-action back-adjustment of price history.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/errs"
)

// exchangePriority resolves cross-listed instruments: when the same ISIN
// trades on both exchanges for the same date, the preferred exchange's row
// wins. NSE carries the dominant liquidity for the covered universe.
var exchangePriority = map[string]int{"NSE": 0, "BSE": 1}

// Options tunes normalization; the zero value is the production default.
type Options struct {
	// PreferredExchange overrides the default NSE-first cross-listing
	// resolution when set.
	PreferredExchange string
}

func (o Options) rank(exchange string) int {
	if o.PreferredExchange != "" {
		if exchange == o.PreferredExchange {
			return 0
		}
		return 1
	}
	if r, ok := exchangePriority[exchange]; ok {
		return r
	}
	return len(exchangePriority)
}

// Dedup collapses a batch to one row per identity tuple, keeping the row
// with the latest ingest_time. Row order of survivors follows first
// appearance of each key. The input is not mutated.
func Dedup(b *batch.Batch, dedupKey []string) (*batch.Batch, error) {
	const op = "normalize.dedup"
	if b == nil || b.Len() == 0 {
		return b, nil
	}
	for _, col := range dedupKey {
		if b.Schema.Col(col) < 0 {
			return nil, errs.Newf(errs.Schema, op, "dedup key column %s not in schema %s", col, b.Schema.Name)
		}
	}

	type winner struct {
		row    int
		ingest time.Time
	}
	keep := make(map[string]winner, b.Len())
	var order []string
	for r := 0; r < b.Len(); r++ {
		key := keyOf(b, r, dedupKey)
		ingest, ok := b.TimeAt(r, "ingest_time")
		if !ok {
			return nil, errs.Newf(errs.Schema, op, "row %d has no ingest_time", r)
		}
		w, seen := keep[key]
		if !seen {
			keep[key] = winner{row: r, ingest: ingest}
			order = append(order, key)
			continue
		}
		if ingest.After(w.ingest) {
			keep[key] = winner{row: r, ingest: ingest}
		}
	}

	out := batch.New(b.Schema)
	out.Rows = make([][]any, 0, len(order))
	for _, key := range order {
		out.Rows = append(out.Rows, b.Rows[keep[key].row])
	}
	if dropped := b.Len() - out.Len(); dropped > 0 {
		log.Debug().Str("dataset", b.Schema.Name).Int("dropped", dropped).Msg("dedup collapsed duplicates")
	}
	return out, nil
}

// ResolveCrossListings collapses same-ISIN same-date rows across exchanges
// to the preferred exchange's row. Requires instrument_id, trade_date, and
// exchange columns; BSE scrip-code identities (no shared ISIN) never
// collide and pass through untouched.
func ResolveCrossListings(b *batch.Batch, opts Options) (*batch.Batch, error) {
	const op = "normalize.crosslisting"
	if b == nil || b.Len() == 0 {
		return b, nil
	}
	for _, col := range []string{"instrument_id", "trade_date", "exchange"} {
		if b.Schema.Col(col) < 0 {
			return nil, errs.Newf(errs.Schema, op, "column %s not in schema %s", col, b.Schema.Name)
		}
	}

	type winner struct {
		row  int
		rank int
	}
	keep := make(map[string]winner, b.Len())
	var order []string
	for r := 0; r < b.Len(); r++ {
		id, _ := b.StringAt(r, "instrument_id")
		td, _ := b.TimeAt(r, "trade_date")
		exch, _ := b.StringAt(r, "exchange")
		key := id + "|" + td.Format("2006-01-02")
		rank := opts.rank(exch)
		w, seen := keep[key]
		if !seen || rank < w.rank {
			if !seen {
				order = append(order, key)
			}
			keep[key] = winner{row: r, rank: rank}
		}
	}

	out := batch.New(b.Schema)
	out.Rows = make([][]any, 0, len(order))
	for _, key := range order {
		out.Rows = append(out.Rows, b.Rows[keep[key].row])
	}
	return out, nil
}

// Adjustment is one corporate action applied to price history.
type Adjustment struct {
	Symbol string
	ExDate time.Time
	Factor float64 // divides prices strictly before ExDate
}

// AdjustmentsFromBatch lifts a corporate_actions batch into adjustment
// events, skipping factor-1 actions (dividends, rights, unclassified).
func AdjustmentsFromBatch(ca *batch.Batch) ([]Adjustment, error) {
	const op = "normalize.adjustments"
	if ca == nil {
		return nil, nil
	}
	var out []Adjustment
	for r := 0; r < ca.Len(); r++ {
		factor, ok := ca.Float64At(r, "adjustment_factor")
		if !ok {
			return nil, errs.Newf(errs.Schema, op, "row %d has no adjustment_factor", r)
		}
		if factor <= 0 {
			return nil, errs.Newf(errs.Integrity, op, "row %d: non-positive factor %v", r, factor)
		}
		if factor == 1.0 {
			continue
		}
		sym, _ := ca.StringAt(r, "symbol")
		exDate, ok := ca.TimeAt(r, "ex_date")
		if !ok {
			return nil, errs.Newf(errs.Schema, op, "row %d has no ex_date", r)
		}
		out = append(out, Adjustment{Symbol: sym, ExDate: exDate, Factor: factor})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ExDate.Before(out[j].ExDate)
	})
	return out, nil
}

// priceColumns are divided by the cumulative factor; volume is multiplied
// so turnover stays continuous.
var priceColumns = []string{"open", "high", "low", "close", "last", "prev_close"}

// ApplyAdjustments back-adjusts an OHLC batch: for every adjustment, rows
// of that symbol with trade_date strictly before the ex-date have prices
// divided and volume multiplied by the factor. Factors compound when a
// symbol has multiple actions. Returns a new batch; rows are copied before
// mutation.
func ApplyAdjustments(ohlc *batch.Batch, adjustments []Adjustment) (*batch.Batch, error) {
	const op = "normalize.adjust"
	if ohlc == nil || ohlc.Len() == 0 || len(adjustments) == 0 {
		return ohlc, nil
	}
	for _, col := range []string{"symbol", "trade_date", "volume"} {
		if ohlc.Schema.Col(col) < 0 {
			return nil, errs.Newf(errs.Schema, op, "column %s not in schema %s", col, ohlc.Schema.Name)
		}
	}

	bySymbol := make(map[string][]Adjustment)
	for _, a := range adjustments {
		bySymbol[a.Symbol] = append(bySymbol[a.Symbol], a)
	}

	out := batch.New(ohlc.Schema)
	out.Rows = make([][]any, ohlc.Len())
	volIdx := ohlc.Schema.Col("volume")
	adjusted := 0
	for r := 0; r < ohlc.Len(); r++ {
		row := make([]any, len(ohlc.Rows[r]))
		copy(row, ohlc.Rows[r])
		out.Rows[r] = row

		sym, _ := ohlc.StringAt(r, "symbol")
		actions := bySymbol[sym]
		if len(actions) == 0 {
			continue
		}
		td, ok := ohlc.TimeAt(r, "trade_date")
		if !ok {
			return nil, errs.Newf(errs.Schema, op, "row %d has no trade_date", r)
		}
		factor := 1.0
		for _, a := range actions {
			if td.Before(a.ExDate) {
				factor *= a.Factor
			}
		}
		if factor == 1.0 {
			continue
		}
		for _, col := range priceColumns {
			i := ohlc.Schema.Col(col)
			if i < 0 || row[i] == nil {
				continue
			}
			row[i] = row[i].(float64) / factor
		}
		if row[volIdx] != nil {
			row[volIdx] = int64(float64(row[volIdx].(int64)) * factor)
		}
		adjusted++
	}
	if adjusted > 0 {
		log.Debug().Int("rows", adjusted).Int("actions", len(adjustments)).Msg("price history back-adjusted")
	}
	return out, nil
}

func keyOf(b *batch.Batch, row int, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, _ := b.Value(row, c)
		if t, ok := v.(time.Time); ok {
			parts[i] = t.Format("2006-01-02T15:04:05")
			continue
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "|")
}
