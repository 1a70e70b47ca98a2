package parse

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
)

// NSEBhavcopy parses the NSE cash-market daily bhavcopy into the canonical
// equity_ohlc schema.
type NSEBhavcopy struct {
	clock envelope.Clock
}

func NewNSEBhavcopy(clock envelope.Clock) *NSEBhavcopy { return &NSEBhavcopy{clock: clock} }

func (p *NSEBhavcopy) Source() string { return "nse_cm_bhavcopy" }

var nseBhavRequired = []string{
	"SYMBOL", "SERIES", "OPEN", "HIGH", "LOW", "CLOSE", "LAST", "PREVCLOSE",
	"TOTTRDQTY", "TOTTRDVAL", "TIMESTAMP", "ISIN",
}

func (p *NSEBhavcopy) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, nseBhavRequired...); err != nil {
		return nil, err
	}

	b := batch.New(dataset.EquityOHLC.Schema)
	for i, row := range t.rows {
		sym := ticker(t.cell(row, "SYMBOL"))
		isin := ticker(t.cell(row, "ISIN"))
		series := strOrNull(ticker(t.cell(row, "SERIES")))

		tradeDate, err := toDate(t.cell(row, "TIMESTAMP"))
		if err != nil {
			return nil, fieldErr(op, "TIMESTAMP", i+1, err)
		}
		open, err := toFloat(t.cell(row, "OPEN"))
		if err != nil {
			return nil, fieldErr(op, "OPEN", i+1, err)
		}
		high, err := toFloat(t.cell(row, "HIGH"))
		if err != nil {
			return nil, fieldErr(op, "HIGH", i+1, err)
		}
		low, err := toFloat(t.cell(row, "LOW"))
		if err != nil {
			return nil, fieldErr(op, "LOW", i+1, err)
		}
		closePx, err := toFloat(t.cell(row, "CLOSE"))
		if err != nil {
			return nil, fieldErr(op, "CLOSE", i+1, err)
		}
		last, err := toFloatOrNull(t.cell(row, "LAST"))
		if err != nil {
			return nil, fieldErr(op, "LAST", i+1, err)
		}
		prevClose, err := toFloatOrNull(t.cell(row, "PREVCLOSE"))
		if err != nil {
			return nil, fieldErr(op, "PREVCLOSE", i+1, err)
		}
		volume, err := toInt(t.cell(row, "TOTTRDQTY"))
		if err != nil {
			return nil, fieldErr(op, "TOTTRDQTY", i+1, err)
		}
		turnover, err := toFloatOrNull(t.cell(row, "TOTTRDVAL"))
		if err != nil {
			return nil, fieldErr(op, "TOTTRDVAL", i+1, err)
		}
		trades, err := toIntOrNull(t.cell(row, "TOTALTRADES"))
		if err != nil {
			return nil, fieldErr(op, "TOTALTRADES", i+1, err)
		}

		env := envelope.Stamp(p.Source(), dataset.EquityOHLC.Schema.Version,
			sym+"|"+isin, eodEventTime(tradeDate), p.clock)

		rowOut := append(env.Columns(),
			sym, isin, tradeDate, series, "NSE",
			open, high, low, closePx, last, prevClose, volume, turnover, trades)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}

	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Str("path", path).Msg("bhavcopy parsed")
	return b, nil
}

// BSEBhavcopy parses the BSE equity daily bhavcopy, mapping BSE columns to
// the NSE-canonical names. Legacy BSE files carry scrip codes, not ISINs;
// the instrument identity is the prefixed scrip code.
type BSEBhavcopy struct {
	clock envelope.Clock
}

func NewBSEBhavcopy(clock envelope.Clock) *BSEBhavcopy { return &BSEBhavcopy{clock: clock} }

func (p *BSEBhavcopy) Source() string { return "bse_eq_bhavcopy" }

var bseBhavRequired = []string{
	"SC_CODE", "SC_NAME", "OPEN", "HIGH", "LOW", "CLOSE", "LAST", "PREVCLOSE",
	"NO_OF_SHRS", "NET_TURNOV",
}

func (p *BSEBhavcopy) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, bseBhavRequired...); err != nil {
		return nil, err
	}

	tradeDate := time.Date(logicalDate.Year(), logicalDate.Month(), logicalDate.Day(), 0, 0, 0, 0, time.UTC)

	b := batch.New(dataset.EquityOHLC.Schema)
	for i, row := range t.rows {
		sym := ticker(t.cell(row, "SC_NAME"))
		scrip := t.cell(row, "SC_CODE")
		series := strOrNull(ticker(t.cell(row, "SC_GROUP")))

		open, err := toFloat(t.cell(row, "OPEN"))
		if err != nil {
			return nil, fieldErr(op, "OPEN", i+1, err)
		}
		high, err := toFloat(t.cell(row, "HIGH"))
		if err != nil {
			return nil, fieldErr(op, "HIGH", i+1, err)
		}
		low, err := toFloat(t.cell(row, "LOW"))
		if err != nil {
			return nil, fieldErr(op, "LOW", i+1, err)
		}
		closePx, err := toFloat(t.cell(row, "CLOSE"))
		if err != nil {
			return nil, fieldErr(op, "CLOSE", i+1, err)
		}
		last, err := toFloatOrNull(t.cell(row, "LAST"))
		if err != nil {
			return nil, fieldErr(op, "LAST", i+1, err)
		}
		prevClose, err := toFloatOrNull(t.cell(row, "PREVCLOSE"))
		if err != nil {
			return nil, fieldErr(op, "PREVCLOSE", i+1, err)
		}
		volume, err := toInt(t.cell(row, "NO_OF_SHRS"))
		if err != nil {
			return nil, fieldErr(op, "NO_OF_SHRS", i+1, err)
		}
		turnover, err := toFloatOrNull(t.cell(row, "NET_TURNOV"))
		if err != nil {
			return nil, fieldErr(op, "NET_TURNOV", i+1, err)
		}
		trades, err := toIntOrNull(t.cell(row, "NO_TRADES"))
		if err != nil {
			return nil, fieldErr(op, "NO_TRADES", i+1, err)
		}

		instrumentID := "BSE:" + scrip
		env := envelope.Stamp(p.Source(), dataset.EquityOHLC.Schema.Version,
			sym+"|"+instrumentID, eodEventTime(tradeDate), p.clock)

		rowOut := append(env.Columns(),
			sym, instrumentID, tradeDate, series, "BSE",
			open, high, low, closePx, last, prevClose, volume, turnover, trades)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}

	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Str("path", path).Msg("bhavcopy parsed")
	return b, nil
}
