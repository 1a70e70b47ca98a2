package parse

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

// IndexConstituents parses index membership change bulletins.
type IndexConstituents struct {
	clock envelope.Clock
}

func NewIndexConstituents(clock envelope.Clock) *IndexConstituents {
	return &IndexConstituents{clock: clock}
}

func (p *IndexConstituents) Source() string { return "nse_index_constituents" }

var validIndexActions = map[string]bool{"ADD": true, "REMOVE": true, "REBALANCE": true}

func (p *IndexConstituents) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, "INDEX", "SYMBOL", "EFFECTIVE DATE", "ACTION"); err != nil {
		return nil, err
	}

	b := batch.New(dataset.IndexConstituents.Schema)
	for i, row := range t.rows {
		indexName := ticker(t.cell(row, "INDEX"))
		sym := ticker(t.cell(row, "SYMBOL"))
		action := ticker(t.cell(row, "ACTION"))
		if !validIndexActions[action] {
			return nil, errs.Newf(errs.Integrity, op, "row %d: unknown action %q", i+1, action)
		}
		effDate, err := toDate(t.cell(row, "EFFECTIVE DATE"))
		if err != nil {
			return nil, fieldErr(op, "EFFECTIVE DATE", i+1, err)
		}
		weight, err := toFloatOrNull(t.cell(row, "WEIGHT"))
		if err != nil {
			return nil, fieldErr(op, "WEIGHT", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.IndexConstituents.Schema.Version,
			indexName+"|"+sym, eodEventTime(effDate), p.clock)
		rowOut := append(env.Columns(), indexName, sym, effDate, action, weight)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}
	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("index constituents parsed")
	return b, nil
}

// TradingCalendar parses the exchange holiday/trading calendar.
type TradingCalendar struct {
	clock envelope.Clock
}

func NewTradingCalendar(clock envelope.Clock) *TradingCalendar {
	return &TradingCalendar{clock: clock}
}

func (p *TradingCalendar) Source() string { return "exchange_trading_calendar" }

var validDayTypes = map[string]bool{"TRADING": true, "WEEKEND": true, "HOLIDAY": true, "SPECIAL": true}

func (p *TradingCalendar) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, "EXCHANGE", "DATE", "DAY_TYPE"); err != nil {
		return nil, err
	}

	b := batch.New(dataset.TradingCalendar.Schema)
	for i, row := range t.rows {
		exchange := ticker(t.cell(row, "EXCHANGE"))
		dayType := ticker(t.cell(row, "DAY_TYPE"))
		if !validDayTypes[dayType] {
			return nil, errs.Newf(errs.Integrity, op, "row %d: unknown day type %q", i+1, dayType)
		}
		date, err := toDate(t.cell(row, "DATE"))
		if err != nil {
			return nil, fieldErr(op, "DATE", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.TradingCalendar.Schema.Version,
			exchange+"|"+date.Format("2006-01-02"), eodEventTime(date), p.clock)
		rowOut := append(env.Columns(), exchange, date, dayType, strOrNull(t.cell(row, "DESCRIPTION")))
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}
	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("trading calendar parsed")
	return b, nil
}

// SymbolMaster parses the NSE listed-securities master into SCD-2 rows;
// each snapshot opens a version at the logical date with valid_to null.
// Interval closing happens at the normalized layer on supersession.
type SymbolMaster struct {
	clock envelope.Clock
}

func NewSymbolMaster(clock envelope.Clock) *SymbolMaster { return &SymbolMaster{clock: clock} }

func (p *SymbolMaster) Source() string { return "nse_symbol_master" }

var symbolMasterRequired = []string{"SYMBOL", "NAME OF COMPANY", "ISIN NUMBER"}

func (p *SymbolMaster) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, symbolMasterRequired...); err != nil {
		return nil, err
	}

	validFrom := time.Date(logicalDate.Year(), logicalDate.Month(), logicalDate.Day(), 0, 0, 0, 0, time.UTC)

	b := batch.New(dataset.SymbolMaster.Schema)
	for i, row := range t.rows {
		sym := ticker(t.cell(row, "SYMBOL"))
		isin := ticker(t.cell(row, "ISIN NUMBER"))

		listingDate, err := toDateOrNull(t.cell(row, "DATE OF LISTING"))
		if err != nil {
			return nil, fieldErr(op, "DATE OF LISTING", i+1, err)
		}
		faceValue, err := toFloatOrNull(t.cell(row, "FACE VALUE"))
		if err != nil {
			return nil, fieldErr(op, "FACE VALUE", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.SymbolMaster.Schema.Version,
			sym+"|NSE", eodEventTime(validFrom), p.clock)
		rowOut := append(env.Columns(),
			sym, "NSE", validFrom, nil, isin,
			strOrNull(t.cell(row, "NAME OF COMPANY")),
			strOrNull(ticker(t.cell(row, "SERIES"))),
			faceValue, listingDate)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}
	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("symbol master parsed")
	return b, nil
}

// BulkDeals parses the bulk/block deal disclosure bulletin.
type BulkDeals struct {
	clock envelope.Clock
}

func NewBulkDeals(clock envelope.Clock) *BulkDeals { return &BulkDeals{clock: clock} }

func (p *BulkDeals) Source() string { return "nse_bulk_deals" }

var bulkDealsRequired = []string{"DATE", "SYMBOL", "CLIENT NAME", "BUY/SELL", "QUANTITY TRADED", "TRADE PRICE"}

func (p *BulkDeals) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, bulkDealsRequired...); err != nil {
		return nil, err
	}

	b := batch.New(dataset.BulkDeals.Schema)
	for i, row := range t.rows {
		sym := ticker(t.cell(row, "SYMBOL"))
		client := t.cell(row, "CLIENT NAME")
		side := ticker(t.cell(row, "BUY/SELL"))
		if side != "BUY" && side != "SELL" {
			return nil, errs.Newf(errs.Integrity, op, "row %d: unknown side %q", i+1, side)
		}
		dealDate, err := toDate(t.cell(row, "DATE"))
		if err != nil {
			return nil, fieldErr(op, "DATE", i+1, err)
		}
		qty, err := toInt(t.cell(row, "QUANTITY TRADED"))
		if err != nil {
			return nil, fieldErr(op, "QUANTITY TRADED", i+1, err)
		}
		price, err := toFloat(t.cell(row, "TRADE PRICE"))
		if err != nil {
			return nil, fieldErr(op, "TRADE PRICE", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.BulkDeals.Schema.Version,
			sym+"|"+client+"|"+side, eodEventTime(dealDate), p.clock)
		rowOut := append(env.Columns(), sym, dealDate, client, side, "NSE", qty, price)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}
	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("bulk deals parsed")
	return b, nil
}

// MacroIndicators parses macro time-series bulletins (CPI, WPI, repo rate).
type MacroIndicators struct {
	clock envelope.Clock
}

func NewMacroIndicators(clock envelope.Clock) *MacroIndicators {
	return &MacroIndicators{clock: clock}
}

func (p *MacroIndicators) Source() string { return "macro_indicators" }

func (p *MacroIndicators) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, "INDICATOR", "DATE", "VALUE"); err != nil {
		return nil, err
	}

	b := batch.New(dataset.MacroIndicators.Schema)
	for i, row := range t.rows {
		indicator := ticker(t.cell(row, "INDICATOR"))
		date, err := toDate(t.cell(row, "DATE"))
		if err != nil {
			return nil, fieldErr(op, "DATE", i+1, err)
		}
		value, err := toFloat(t.cell(row, "VALUE"))
		if err != nil {
			return nil, fieldErr(op, "VALUE", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.MacroIndicators.Schema.Version,
			indicator+"|"+date.Format("2006-01-02"), eodEventTime(date), p.clock)
		rowOut := append(env.Columns(), indicator, date, value,
			strOrNull(ticker(t.cell(row, "UNIT"))))
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}
	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("macro indicators parsed")
	return b, nil
}
