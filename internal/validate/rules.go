package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
)

// earliestSaneDate bounds date_range_sanity; exchange history predating
// electronic bhavcopies is out of scope.
var earliestSaneDate = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

// dateColumnCandidates in preference order; the first present column is the
// row's business date.
var dateColumnCandidates = []string{"trade_date", "date", "ex_date", "effective_date", "deal_date", "valid_from"}

func businessDateColumn(s *batch.Schema) string {
	for _, c := range dateColumnCandidates {
		if s.Col(c) >= 0 {
			return c
		}
	}
	return ""
}

func hasAll(s *batch.Schema, cols ...string) bool {
	for _, c := range cols {
		if s.Col(c) < 0 {
			return false
		}
	}
	return true
}

// businessRules assembles the applicable built-in rules for a schema.
// Rules whose columns are absent are skipped entirely, so reference
// datasets only carry the generic rules.
func businessRules(s *batch.Schema, ds dataset.Dataset, cfg Config) []namedRule {
	var rules []namedRule
	add := func(name string, fn func(chunk *batch.Batch, offset int, state *runState) []Violation) {
		rules = append(rules, namedRule{name: name, fn: fn})
	}

	ohlc := hasAll(s, "open", "high", "low", "close")
	dateCol := businessDateColumn(s)

	if ohlc {
		add("ohlc_high_low", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				high, okH := c.Float64At(r, "high")
				low, okL := c.Float64At(r, "low")
				if okH && okL && high < low {
					out = append(out, violationf("ohlc_high_low", off+r, Critical,
						"high %.4f < low %.4f", high, low))
				}
			}
			return out
		})
		add("ohlc_close_in_range", rangeRule("ohlc_close_in_range", "close"))
		add("ohlc_open_in_range", rangeRule("ohlc_open_in_range", "open"))
		add("non_negative_price", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				for _, col := range []string{"open", "high", "low", "close", "last", "prev_close"} {
					if v, ok := c.Float64At(r, col); ok && v < 0 {
						out = append(out, violationf("non_negative_price", off+r, Critical,
							"%s is negative: %.4f", col, v))
					}
				}
			}
			return out
		})
	}

	if s.Col("volume") >= 0 {
		add("non_negative_volume", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				if v, ok := c.Int64At(r, "volume"); ok && v < 0 {
					out = append(out, violationf("non_negative_volume", off+r, Critical,
						"volume is negative: %d", v))
				}
				if v, ok := c.Float64At(r, "turnover"); ok && v < 0 {
					out = append(out, violationf("non_negative_volume", off+r, Critical,
						"turnover is negative: %.4f", v))
				}
			}
			return out
		})
	}

	if hasAll(s, "volume", "turnover") {
		add("volume_consistency", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				vol, okV := c.Int64At(r, "volume")
				to, okT := c.Float64At(r, "turnover")
				if okV && okT && vol == 0 && to > 0 {
					out = append(out, violationf("volume_consistency", off+r, Critical,
						"zero volume with turnover %.2f", to))
				}
			}
			return out
		})
	}

	if ohlc && hasAll(s, "volume", "turnover") {
		// turnover must sit inside [volume*low, volume*high] within tolerance
		add("turnover_consistency", func(c *batch.Batch, off int, _ *runState) []Violation {
			const tolerance = 0.10
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				vol, okV := c.Int64At(r, "volume")
				to, okT := c.Float64At(r, "turnover")
				high, okH := c.Float64At(r, "high")
				low, okL := c.Float64At(r, "low")
				if !okV || !okT || !okH || !okL || vol == 0 {
					continue
				}
				lo := float64(vol) * low * (1 - tolerance)
				hi := float64(vol) * high * (1 + tolerance)
				if to < lo || to > hi {
					out = append(out, violationf("turnover_consistency", off+r, Warning,
						"turnover %.2f outside [%.2f, %.2f]", to, lo, hi))
				}
			}
			return out
		})
	}

	if ohlc && s.Col("prev_close") >= 0 {
		add("price_reasonableness", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				closePx, okC := c.Float64At(r, "close")
				prev, okP := c.Float64At(r, "prev_close")
				if !okC || !okP || prev <= 0 {
					continue
				}
				movePct := math.Abs(closePx-prev) / prev * 100
				if movePct > cfg.MaxDailyMovePct {
					out = append(out, violationf("price_reasonableness", off+r, Warning,
						"move %.2f%% vs prev_close exceeds %.2f%%", movePct, cfg.MaxDailyMovePct))
				}
			}
			return out
		})
	}

	if ohlc && hasAll(s, "symbol", "trade_date") {
		// adjusted series must be continuous across ex-dates; a jump beyond
		// the bound means the adjustment factor was missed or wrong
		add("price_continuity_post_ca", func(c *batch.Batch, off int, state *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				sym, _ := c.StringAt(r, "symbol")
				td, okD := c.TimeAt(r, "trade_date")
				closePx, okC := c.Float64At(r, "close")
				if !okD || !okC {
					continue
				}
				prev, seen := state.lastClose[sym]
				if seen && td.After(prev.date) && prev.close > 0 {
					movePct := math.Abs(closePx-prev.close) / prev.close * 100
					if movePct > cfg.ContinuityPct {
						out = append(out, violationf("price_continuity_post_ca", off+r, Warning,
							"day-over-day move %.2f%% exceeds %.2f%%", movePct, cfg.ContinuityPct))
					}
				}
				if !seen || td.After(prev.date) {
					state.lastClose[sym] = symbolClose{date: td, close: closePx, row: off + r}
				}
			}
			return out
		})
	}

	if len(ds.DedupKey) > 0 && hasAll(s, ds.DedupKey...) {
		add("duplicate_detection", func(c *batch.Batch, off int, state *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				key := tupleOf(c, r, ds.DedupKey)
				if first, seen := state.seenKeys[key]; seen {
					out = append(out, violationf("duplicate_detection", off+r, Critical,
						"duplicate of row %d on key %s", first, key))
					continue
				}
				state.seenKeys[key] = off + r
			}
			return out
		})
	}

	if hasAll(s, "event_time", "ingest_time") {
		add("data_freshness", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				et, okE := c.TimeAt(r, "event_time")
				it, okI := c.TimeAt(r, "ingest_time")
				if okE && okI && it.Sub(et) > cfg.MaxStaleness {
					out = append(out, violationf("data_freshness", off+r, Warning,
						"ingest lag %s exceeds %s", it.Sub(et), cfg.MaxStaleness))
				}
			}
			return out
		})
		add("timestamp_validation", func(c *batch.Batch, off int, _ *runState) []Violation {
			now := cfg.Now()
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				et, ok := c.TimeAt(r, "event_time")
				if !ok {
					continue
				}
				if et.Before(earliestSaneDate) {
					out = append(out, violationf("timestamp_validation", off+r, Critical,
						"event_time %s predates %s", et.Format(time.RFC3339), earliestSaneDate.Format("2006-01-02")))
				}
				if et.After(now.Add(time.Hour)) {
					out = append(out, violationf("timestamp_validation", off+r, Critical,
						"event_time %s is in the future", et.Format(time.RFC3339)))
				}
			}
			return out
		})
	}

	add("missing_critical", func(c *batch.Batch, off int, _ *runState) []Violation {
		var out []Violation
		for r := 0; r < c.Len(); r++ {
			for _, col := range c.Schema.Columns {
				if col.Nullable {
					continue
				}
				if v, _ := c.Value(r, col.Name); v == nil {
					out = append(out, violationf("missing_critical", off+r, Critical,
						"required column %s is null", col.Name))
				}
			}
		}
		return out
	})

	if dateCol != "" {
		add("date_range_sanity", func(c *batch.Batch, off int, _ *runState) []Violation {
			cutoff := cfg.Now().AddDate(0, 0, 1)
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				d, ok := c.TimeAt(r, dateCol)
				if !ok {
					continue
				}
				if d.Before(earliestSaneDate) || d.After(cutoff) {
					out = append(out, violationf("date_range_sanity", off+r, Critical,
						"%s %s outside [1990-01-01, today+1]", dateCol, d.Format("2006-01-02")))
				}
			}
			return out
		})
	}

	if cfg.TradingDays != nil && hasAll(s, "volume", "trade_date") {
		sev := Warning
		if cfg.CompletenessCrit {
			sev = Critical
		}
		add("trading_day_completeness", func(c *batch.Batch, off int, _ *runState) []Violation {
			var out []Violation
			for r := 0; r < c.Len(); r++ {
				td, okD := c.TimeAt(r, "trade_date")
				vol, okV := c.Int64At(r, "volume")
				if !okD || !okV {
					continue
				}
				if cfg.TradingDays[td.Format("2006-01-02")] && vol == 0 {
					out = append(out, violationf("trading_day_completeness", off+r, sev,
						"zero volume on declared trading day %s", td.Format("2006-01-02")))
				}
			}
			return out
		})
	}

	return rules
}

// rangeRule checks low <= col <= high.
func rangeRule(name, col string) func(c *batch.Batch, off int, _ *runState) []Violation {
	return func(c *batch.Batch, off int, _ *runState) []Violation {
		var out []Violation
		for r := 0; r < c.Len(); r++ {
			v, okV := c.Float64At(r, col)
			high, okH := c.Float64At(r, "high")
			low, okL := c.Float64At(r, "low")
			if okV && okH && okL && (v > high || v < low) {
				out = append(out, violationf(name, off+r, Critical,
					"%s %.4f outside [%.4f, %.4f]", col, v, low, high))
			}
		}
		return out
	}
}

func tupleOf(b *batch.Batch, row int, cols []string) string {
	key := ""
	for _, c := range cols {
		v, _ := b.Value(row, c)
		if t, ok := v.(time.Time); ok {
			v = t.Format("2006-01-02")
		}
		if key != "" {
			key += "|"
		}
		key += stringify(v)
	}
	return key
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "<null>"
	default:
		return fmt.Sprintf("%v", t)
	}
}
