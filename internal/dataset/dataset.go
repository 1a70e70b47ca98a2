// Package dataset enumerates the canonical dataset families: their typed
// schemas, identity keys, lake partitioning, and warehouse targets. Every
// other component resolves dataset facts from here.
package dataset

import (
	"github.com/champion-data/champion/internal/batch"
)

// Layer is the lake layer a dataset materializes into.
type Layer string

const (
	LayerRaw        Layer = "raw"
	LayerNormalized Layer = "normalized"
	LayerReference  Layer = "reference"
	LayerFeatures   Layer = "features"
	LayerIntraday   Layer = "intraday"
	LayerQuarantine Layer = "quarantine"
)

// Dataset describes one family's contract.
type Dataset struct {
	Name           string
	Schema         *batch.Schema
	DedupKey       []string // identity tuple for normalized-layer dedup
	LakePartitions []string // hive partition columns, in order
	Table          string   // warehouse table
	ColumnMap      map[string]string // canonical -> warehouse column names
	RetentionDays  int      // lake retention for the normalized layer
}

// Registry holds all known datasets by name.
var registry = map[string]Dataset{}

func register(d Dataset) Dataset {
	registry[d.Name] = d
	return d
}

// Get resolves a dataset family; ok is false for unknown names.
func Get(name string) (Dataset, bool) {
	d, ok := registry[name]
	return d, ok
}

// All returns every registered dataset.
func All() []Dataset {
	out := make([]Dataset, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	return out
}

// EquityOHLC is the daily bhavcopy family; raw is immutable, normalized
// dedups on (symbol, instrument_id, trade_date) keeping latest ingest_time.
var EquityOHLC = register(Dataset{
	Name: "equity_ohlc",
	Schema: batch.WithEnvelope("equity_ohlc", "v1", []batch.Column{
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "instrument_id", Kind: batch.KindString, Key: true},
		{Name: "trade_date", Kind: batch.KindDate, Key: true},
		{Name: "series", Kind: batch.KindLowCardString, Nullable: true},
		{Name: "exchange", Kind: batch.KindLowCardString},
		{Name: "open", Kind: batch.KindFloat64},
		{Name: "high", Kind: batch.KindFloat64},
		{Name: "low", Kind: batch.KindFloat64},
		{Name: "close", Kind: batch.KindFloat64},
		{Name: "last", Kind: batch.KindFloat64, Nullable: true},
		{Name: "prev_close", Kind: batch.KindFloat64, Nullable: true},
		{Name: "volume", Kind: batch.KindInt64},
		{Name: "turnover", Kind: batch.KindFloat64, Nullable: true},
		{Name: "trades", Kind: batch.KindInt64, Nullable: true},
	}),
	DedupKey:       []string{"symbol", "instrument_id", "trade_date"},
	LakePartitions: []string{"year", "month", "day"},
	Table:          "equity_ohlc",
	ColumnMap: map[string]string{
		"symbol": "SYMBOL", "instrument_id": "ISIN", "trade_date": "TIMESTAMP",
		"series": "SERIES", "open": "OPEN", "high": "HIGH", "low": "LOW",
		"close": "CLOSE", "last": "LAST", "prev_close": "PREVCLOSE",
		"volume": "TOTTRDQTY", "turnover": "TOTTRDVAL", "trades": "TOTALTRADES",
	},
	RetentionDays: 3 * 365,
})

// CorporateActions emits one adjustment_factor per event.
var CorporateActions = register(Dataset{
	Name: "corporate_actions",
	Schema: batch.WithEnvelope("corporate_actions", "v1", []batch.Column{
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "ex_date", Kind: batch.KindDate, Key: true},
		{Name: "ca_id", Kind: batch.KindString, Key: true},
		{Name: "ca_type", Kind: batch.KindLowCardString},
		{Name: "exchange", Kind: batch.KindLowCardString},
		{Name: "ratio_from", Kind: batch.KindFloat64, Nullable: true},
		{Name: "ratio_to", Kind: batch.KindFloat64, Nullable: true},
		{Name: "adjustment_factor", Kind: batch.KindFloat64},
		{Name: "purpose", Kind: batch.KindString, Nullable: true},
		{Name: "record_date", Kind: batch.KindDate, Nullable: true},
	}),
	DedupKey:       []string{"symbol", "ex_date", "ca_id"},
	LakePartitions: []string{"year"},
	Table:          "corporate_actions",
	RetentionDays:  10 * 365,
})

// IndexConstituents tracks index membership changes.
var IndexConstituents = register(Dataset{
	Name: "index_constituents",
	Schema: batch.WithEnvelope("index_constituents", "v1", []batch.Column{
		{Name: "index_name", Kind: batch.KindLowCardString, Key: true},
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "effective_date", Kind: batch.KindDate, Key: true},
		{Name: "action", Kind: batch.KindLowCardString}, // ADD | REMOVE | REBALANCE
		{Name: "weight", Kind: batch.KindFloat64, Nullable: true},
	}),
	DedupKey:       []string{"index_name", "symbol", "effective_date"},
	LakePartitions: []string{"year"},
	Table:          "index_constituents",
	RetentionDays:  10 * 365,
})

// TradingCalendar marks each exchange date as trading or not.
var TradingCalendar = register(Dataset{
	Name: "trading_calendar",
	Schema: batch.WithEnvelope("trading_calendar", "v1", []batch.Column{
		{Name: "exchange", Kind: batch.KindLowCardString, Key: true},
		{Name: "date", Kind: batch.KindDate, Key: true},
		{Name: "day_type", Kind: batch.KindLowCardString}, // TRADING | WEEKEND | HOLIDAY | SPECIAL
		{Name: "description", Kind: batch.KindString, Nullable: true},
	}),
	DedupKey:       []string{"exchange", "date"},
	LakePartitions: []string{"year"},
	Table:          "trading_calendar",
	RetentionDays:  10 * 365,
})

// SymbolMaster is SCD type 2: versions keyed by valid_from, open-ended rows
// carry null valid_to.
var SymbolMaster = register(Dataset{
	Name: "symbol_master",
	Schema: batch.WithEnvelope("symbol_master", "v1", []batch.Column{
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "exchange", Kind: batch.KindLowCardString, Key: true},
		{Name: "valid_from", Kind: batch.KindDate, Key: true},
		{Name: "valid_to", Kind: batch.KindDate, Nullable: true},
		{Name: "isin", Kind: batch.KindString},
		{Name: "company_name", Kind: batch.KindString, Nullable: true},
		{Name: "series", Kind: batch.KindLowCardString, Nullable: true},
		{Name: "face_value", Kind: batch.KindFloat64, Nullable: true},
		{Name: "listing_date", Kind: batch.KindDate, Nullable: true},
	}),
	DedupKey:       []string{"symbol", "exchange", "valid_from"},
	LakePartitions: []string{"year"},
	Table:          "symbol_master",
	RetentionDays:  10 * 365,
})

// BulkDeals covers bulk and block deal disclosures.
var BulkDeals = register(Dataset{
	Name: "bulk_deals",
	Schema: batch.WithEnvelope("bulk_deals", "v1", []batch.Column{
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "deal_date", Kind: batch.KindDate, Key: true},
		{Name: "client_name", Kind: batch.KindString, Key: true},
		{Name: "deal_type", Kind: batch.KindLowCardString, Key: true}, // BUY | SELL
		{Name: "exchange", Kind: batch.KindLowCardString},
		{Name: "quantity", Kind: batch.KindInt64},
		{Name: "price", Kind: batch.KindFloat64},
	}),
	DedupKey:       []string{"symbol", "deal_date", "client_name", "deal_type"},
	LakePartitions: []string{"year", "month"},
	Table:          "bulk_deals",
	RetentionDays:  5 * 365,
})

// QuarterlyFinancials carries the codified minimum XBRL field set; the rest
// of the wide tag universe is best-effort optional.
var QuarterlyFinancials = register(Dataset{
	Name: "quarterly_financials",
	Schema: batch.WithEnvelope("quarterly_financials", "v1", []batch.Column{
		{Name: "symbol", Kind: batch.KindLowCardString, Key: true},
		{Name: "year", Kind: batch.KindInt64, Key: true},
		{Name: "quarter", Kind: batch.KindLowCardString, Key: true}, // Q1..Q4
		{Name: "revenue", Kind: batch.KindFloat64},
		{Name: "expenses", Kind: batch.KindFloat64, Nullable: true},
		{Name: "pbt", Kind: batch.KindFloat64, Nullable: true},
		{Name: "tax", Kind: batch.KindFloat64, Nullable: true},
		{Name: "pat", Kind: batch.KindFloat64},
		{Name: "eps_basic", Kind: batch.KindFloat64, Nullable: true},
		{Name: "eps_diluted", Kind: batch.KindFloat64, Nullable: true},
	}),
	DedupKey:       []string{"symbol", "year", "quarter"},
	LakePartitions: []string{"year"},
	Table:          "quarterly_financials",
	RetentionDays:  10 * 365,
})

// MacroIndicators covers macro series published alongside exchange data.
var MacroIndicators = register(Dataset{
	Name: "macro_indicators",
	Schema: batch.WithEnvelope("macro_indicators", "v1", []batch.Column{
		{Name: "indicator", Kind: batch.KindLowCardString, Key: true},
		{Name: "date", Kind: batch.KindDate, Key: true},
		{Name: "value", Kind: batch.KindFloat64},
		{Name: "unit", Kind: batch.KindLowCardString, Nullable: true},
	}),
	DedupKey:       []string{"indicator", "date"},
	LakePartitions: []string{"year"},
	Table:          "macro_indicators",
	RetentionDays:  10 * 365,
})
