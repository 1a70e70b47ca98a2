package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

// CorporateActions parses the NSE corporate-action bulletin. The free-text
// PURPOSE column is classified into a typed action and an adjustment
// factor; unclassifiable purposes are kept with factor 1.0 (no price
// adjustment mandated).
type CorporateActions struct {
	clock envelope.Clock
}

func NewCorporateActions(clock envelope.Clock) *CorporateActions {
	return &CorporateActions{clock: clock}
}

func (p *CorporateActions) Source() string { return "nse_corporate_actions" }

var caRequired = []string{"SYMBOL", "PURPOSE", "EX-DATE"}

var (
	// real purposes interleave text between the prices, e.g.
	// "FROM RS 10/- PER SHARE TO RS 2/- PER SHARE"
	splitRe    = regexp.MustCompile(`(?i)SPLIT.*?(?:FROM\s+)?(?:RS\.?\s*)?(\d+(?:\.\d+)?)\D*?\bTO\b\s*(?:RS\.?\s*)?(\d+(?:\.\d+)?)`)
	bonusRe    = regexp.MustCompile(`(?i)BONUS\s+(\d+)\s*:\s*(\d+)`)
	dividendRe = regexp.MustCompile(`(?i)DIVIDEND`)
	rightsRe   = regexp.MustCompile(`(?i)RIGHTS\s+(\d+)\s*:\s*(\d+)`)
)

// classifyPurpose maps a purpose string to (ca_type, ratio_from, ratio_to,
// adjustment_factor). The factor divides historical prices; it is always
// strictly positive.
func classifyPurpose(purpose string) (string, any, any, float64) {
	if m := splitRe.FindStringSubmatch(purpose); m != nil {
		from, _ := strconv.ParseFloat(m[1], 64)
		to, _ := strconv.ParseFloat(m[2], 64)
		if from > 0 && to > 0 && from >= to {
			// face value 10 -> 2 means one share becomes five
			return "SPLIT", from, to, from / to
		}
	}
	if m := bonusRe.FindStringSubmatch(purpose); m != nil {
		bonus, _ := strconv.ParseFloat(m[1], 64)
		held, _ := strconv.ParseFloat(m[2], 64)
		if bonus > 0 && held > 0 {
			return "BONUS", bonus, held, (bonus + held) / held
		}
	}
	if m := rightsRe.FindStringSubmatch(purpose); m != nil {
		offered, _ := strconv.ParseFloat(m[1], 64)
		held, _ := strconv.ParseFloat(m[2], 64)
		return "RIGHTS", offered, held, 1.0
	}
	if dividendRe.MatchString(purpose) {
		return "DIVIDEND", nil, nil, 1.0
	}
	return "OTHER", nil, nil, 1.0
}

// caID derives the stable event identity from the fields that define the
// action; re-downloads of the same bulletin reproduce it.
func caID(symbol string, exDate time.Time, purpose string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		symbol, exDate.Format("2006-01-02"), strings.ToUpper(strings.TrimSpace(purpose)))))
	return hex.EncodeToString(h[:8])
}

func (p *CorporateActions) Parse(path string, logicalDate time.Time) (*batch.Batch, error) {
	op := "parse." + p.Source()

	t, err := readCSV(path, op)
	if err != nil {
		return nil, err
	}
	if len(t.rows) == 0 {
		return nil, nil
	}
	if err := t.require(op, caRequired...); err != nil {
		return nil, err
	}

	b := batch.New(dataset.CorporateActions.Schema)
	for i, row := range t.rows {
		sym := ticker(t.cell(row, "SYMBOL"))
		purpose := t.cell(row, "PURPOSE")

		exDate, err := toDate(t.cell(row, "EX-DATE"))
		if err != nil {
			return nil, fieldErr(op, "EX-DATE", i+1, err)
		}
		recordDate, err := toDateOrNull(t.cell(row, "RECORD DATE"))
		if err != nil {
			return nil, fieldErr(op, "RECORD DATE", i+1, err)
		}

		caType, ratioFrom, ratioTo, factor := classifyPurpose(purpose)
		if factor <= 0 {
			return nil, errs.Newf(errs.Integrity, op,
				"row %d: non-positive adjustment factor %.4f for %q", i+1, factor, purpose)
		}
		id := caID(sym, exDate, purpose)

		env := envelope.Stamp(p.Source(), dataset.CorporateActions.Schema.Version,
			sym+"|"+id, eodEventTime(exDate), p.clock)

		rowOut := append(env.Columns(),
			sym, exDate, id, caType, "NSE",
			ratioFrom, ratioTo, factor, strOrNull(purpose), recordDate)
		if err := b.AppendRow(rowOut); err != nil {
			return nil, fieldErr(op, "row", i+1, err)
		}
	}

	log.Debug().Str("source", p.Source()).Int("rows", b.Len()).Msg("corporate actions parsed")
	return b, nil
}
