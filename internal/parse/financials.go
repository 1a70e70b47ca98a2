package parse

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

// QuarterlyFinancials parses an Ind-AS XBRL results filing. The taxonomy
// carries hundreds of tags; only the codified minimum field set is lifted
// into the canonical schema, keyed by the first occurrence of each tag
// (the primary reporting context comes first in NSE filings).
type QuarterlyFinancials struct {
	clock envelope.Clock
}

func NewQuarterlyFinancials(clock envelope.Clock) *QuarterlyFinancials {
	return &QuarterlyFinancials{clock: clock}
}

func (p *QuarterlyFinancials) Source() string { return "nse_quarterly_financials" }

// xbrlFieldMap maps taxonomy local names to canonical numeric columns.
var xbrlFieldMap = map[string]string{
	"RevenueFromOperations":                                 "revenue",
	"Expenses":                                              "expenses",
	"ProfitBeforeTax":                                       "pbt",
	"TaxExpense":                                            "tax",
	"ProfitLossForPeriod":                                   "pat",
	"BasicEarningsLossPerShareFromContinuingOperations":     "eps_basic",
	"DilutedEarningsLossPerShareFromContinuingOperations":   "eps_diluted",
}

// xbrlFacts is the flat first-occurrence view of a filing.
type xbrlFacts struct {
	symbol    string
	periodEnd time.Time
	numeric   map[string]float64
}

func readXBRL(path, op string) (*xbrlFacts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	defer f.Close()

	facts := &xbrlFacts{numeric: make(map[string]float64)}
	dec := xml.NewDecoder(f)
	var current string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.Integrity, op, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" || current == "" {
				continue
			}
			switch current {
			case "Symbol", "ScripCode":
				if facts.symbol == "" {
					facts.symbol = ticker(text)
				}
			case "DateOfEndOfReportingPeriod":
				if facts.periodEnd.IsZero() {
					if d, err := time.ParseInLocation("2006-01-02", text, IST); err == nil {
						facts.periodEnd = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
					}
				}
			default:
				col, ok := xbrlFieldMap[current]
				if !ok {
					continue
				}
				if _, seen := facts.numeric[col]; seen {
					continue
				}
				v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
				if err != nil {
					continue // non-numeric restatement note under a numeric tag
				}
				facts.numeric[col] = v
			}
			current = ""
		case xml.EndElement:
			current = ""
		}
	}
	return facts, nil
}

// fiscalQuarter maps a reporting period end to the Indian fiscal quarter:
// Apr-Jun is Q1, Jan-Mar is Q4.
func fiscalQuarter(periodEnd time.Time) string {
	switch periodEnd.Month() {
	case time.April, time.May, time.June:
		return "Q1"
	case time.July, time.August, time.September:
		return "Q2"
	case time.October, time.November, time.December:
		return "Q3"
	default:
		return "Q4"
	}
}

func (p *QuarterlyFinancials) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	facts, err := readXBRL(path, op)
	if err != nil {
		return nil, err
	}
	if facts.symbol == "" && len(facts.numeric) == 0 {
		return nil, nil
	}
	if facts.symbol == "" {
		return nil, errs.New(errs.Schema, op, "filing carries no Symbol element")
	}
	if facts.periodEnd.IsZero() {
		return nil, errs.New(errs.Schema, op, "filing carries no DateOfEndOfReportingPeriod element")
	}
	for _, required := range []string{"revenue", "pat"} {
		if _, ok := facts.numeric[required]; !ok {
			return nil, errs.Newf(errs.Schema, op, "filing for %s is missing %s", facts.symbol, required)
		}
	}

	year := int64(facts.periodEnd.Year())
	quarter := fiscalQuarter(facts.periodEnd)

	optional := func(col string) any {
		v, ok := facts.numeric[col]
		if !ok {
			return nil
		}
		return v
	}

	env := envelope.Stamp(p.Source(), dataset.QuarterlyFinancials.Schema.Version,
		facts.symbol+"|"+strconv.FormatInt(year, 10)+"|"+quarter,
		eodEventTime(facts.periodEnd), p.clock)

	b := batch.New(dataset.QuarterlyFinancials.Schema)
	row := append(env.Columns(),
		facts.symbol, year, quarter,
		facts.numeric["revenue"],
		optional("expenses"), optional("pbt"), optional("tax"),
		facts.numeric["pat"],
		optional("eps_basic"), optional("eps_diluted"))
	if err := b.AppendRow(row); err != nil {
		return nil, errs.Wrap(errs.Integrity, op, err)
	}

	log.Debug().Str("source", p.Source()).Str("symbol", facts.symbol).
		Int64("year", year).Str("quarter", quarter).Msg("financials parsed")
	return b, nil
}
