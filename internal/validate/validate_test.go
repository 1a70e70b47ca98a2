package validate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

var fixedNow = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.Now = func() time.Time { return fixedNow }
	return cfg
}

type ohlcOverride func(row []any, s *batch.Schema)

func set(col string, v any) ohlcOverride {
	return func(row []any, s *batch.Schema) { row[s.Col(col)] = v }
}

func addOHLC(t *testing.T, b *batch.Batch, sym string, day int, overrides ...ohlcOverride) {
	t.Helper()
	td := time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	env := envelope.Stamp("nse_cm_bhavcopy", "v1", sym+"|INE"+sym,
		td.Add(10*time.Hour), envelope.FixedClock{T: td.Add(12 * time.Hour)})
	row := append(env.Columns(),
		sym, "INE"+sym, td, nil, "NSE",
		100.0, 110.0, 95.0, 105.0, nil, 100.0, int64(1000), 105000.0, nil)
	for _, o := range overrides {
		o(row, b.Schema)
	}
	require.NoError(t, b.AppendRow(row))
}

func TestCleanBatchPasses(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "RELIANCE", 2)
	addOHLC(t, b, "TCS", 2)

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Passed)
	assert.Zero(t, res.Critical)
	assert.Equal(t, 1.0, res.PassRate())
	assert.Empty(t, res.ErrorFilePath)
	assert.Contains(t, res.RulesApplied, "ohlc_high_low")
	assert.Contains(t, res.RulesApplied, "duplicate_detection")
}

func TestHighBelowLowQuarantinesRow(t *testing.T) {
	cfg := testConfig(t)
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "GOOD", 2)
	// high=100 low=120: the canonical inversion case
	addOHLC(t, b, "BAD", 2, set("high", 100.0), set("low", 120.0), set("open", 110.0), set("close", 110.0))

	res, err := NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.NotZero(t, res.Critical)
	require.NotEmpty(t, res.ErrorFilePath)

	raw, err := os.ReadFile(res.ErrorFilePath)
	require.NoError(t, err)
	var line quarantineLine
	require.NoError(t, json.Unmarshal(raw[:len(raw)-1], &line))
	assert.Equal(t, 1, line.Row)
	assert.Contains(t, line.Rules, "ohlc_high_low")
	assert.Equal(t, "BAD", line.Data["symbol"])

	// audit record written alongside
	audit, err := os.ReadFile(filepath.Join(cfg.QuarantineDir, "audit_log.jsonl"))
	require.NoError(t, err)
	var rec auditRecord
	require.NoError(t, json.Unmarshal(audit[:len(audit)-1], &rec))
	assert.Equal(t, 1, rec.FailedRows)
	assert.Equal(t, 2, rec.TotalRows)
	assert.InDelta(t, 0.5, rec.FailureRate, 1e-9)
}

func TestStrictModeFailsOnCritical(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strict = true
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "BAD", 2, set("close", 200.0)) // above high

	res, err := NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))
	assert.Equal(t, errs.ExitValidation, errs.ExitCode(err))
	require.NotNil(t, res)
	assert.NotZero(t, res.Critical)
}

func TestWarningsDoNotFailStrictMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strict = true
	b := batch.New(dataset.EquityOHLC.Schema)
	// 50% move vs prev_close is a warning, not critical
	addOHLC(t, b, "MOVER", 2, set("prev_close", 70.0))

	res, err := NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Zero(t, res.Critical)
	assert.NotZero(t, res.Warnings)
}

func TestDuplicateDetectionOnDedupKey(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "RELIANCE", 2)
	addOHLC(t, b, "RELIANCE", 2) // same symbol, instrument, date

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)

	found := false
	for _, s := range res.Samples {
		if s.Rule == "duplicate_detection" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMultiInstrumentTickerIsNotDuplicate(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	// same ticker and date but distinct instrument ids must all pass
	for i := 0; i < 19; i++ {
		addOHLC(t, b, "IBULHSGFIN", 2, set("instrument_id", string(rune('A'+i))+"-series"))
	}
	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Equal(t, 19, res.Passed)
	assert.Zero(t, res.Critical)
}

func TestVolumeAndTurnoverRules(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "ZEROVOL", 2, set("volume", int64(0)), set("turnover", 5000.0))
	addOHLC(t, b, "NEGVOL", 2, set("volume", int64(-5)))
	addOHLC(t, b, "FATTURN", 2, set("turnover", 9e9))

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)

	rules := map[string]Severity{}
	for _, s := range res.Samples {
		rules[s.Rule] = s.Severity
	}
	assert.Equal(t, Critical, rules["volume_consistency"])
	assert.Equal(t, Critical, rules["non_negative_volume"])
	assert.Equal(t, Warning, rules["turnover_consistency"])
}

func TestDateRangeAndTimestampRules(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "ANCIENT", 2, set("trade_date", time.Date(1985, 1, 2, 0, 0, 0, 0, time.UTC)))
	addOHLC(t, b, "FUTURE", 2, set("event_time", fixedNow.Add(48*time.Hour)))

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)

	rules := map[string]bool{}
	for _, s := range res.Samples {
		rules[s.Rule] = true
	}
	assert.True(t, rules["date_range_sanity"])
	assert.True(t, rules["timestamp_validation"])
}

func TestDataFreshness(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	stale := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	addOHLC(t, b, "STALE", 2, set("event_time", stale), set("ingest_time", stale.Add(72*time.Hour)))

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	found := false
	for _, s := range res.Samples {
		if s.Rule == "data_freshness" {
			found = true
			assert.Equal(t, Warning, s.Severity)
		}
	}
	assert.True(t, found)
}

func TestPriceContinuityAcrossDays(t *testing.T) {
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "SPLITCO", 2, set("close", 105.0))
	// unadjusted post-split close: an 80% drop breaks continuity
	addOHLC(t, b, "SPLITCO", 3,
		set("open", 20.0), set("high", 22.0), set("low", 19.0), set("close", 21.0),
		set("prev_close", 21.0), set("turnover", 21000.0))

	res, err := NewEngine(testConfig(t)).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	found := false
	for _, s := range res.Samples {
		if s.Rule == "price_continuity_post_ca" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTradingDayCompleteness(t *testing.T) {
	cfg := testConfig(t)
	cfg.TradingDays = map[string]bool{"2024-01-02": true}
	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "ILLIQUID", 2, set("volume", int64(0)), set("turnover", nil))

	res, err := NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	var sev Severity
	for _, s := range res.Samples {
		if s.Rule == "trading_day_completeness" {
			sev = s.Severity
		}
	}
	assert.Equal(t, Warning, sev, "default severity is warning")

	cfg.CompletenessCrit = true
	res, err = NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	for _, s := range res.Samples {
		if s.Rule == "trading_day_completeness" {
			sev = s.Severity
		}
	}
	assert.Equal(t, Critical, sev)
}

func TestSampleCapAndStreaming(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChunkRows = 7 // force multiple chunks
	cfg.MaxSamples = 5
	b := batch.New(dataset.EquityOHLC.Schema)
	for i := 0; i < 30; i++ {
		addOHLC(t, b, "BAD", 2,
			set("instrument_id", string(rune('A'+i))),
			set("close", 200.0)) // above high, every row
	}

	res, err := NewEngine(cfg).Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Equal(t, 30, res.Total)
	assert.Zero(t, res.Passed)
	assert.Len(t, res.Samples, 5, "samples capped")
	assert.Equal(t, 30, res.Critical)

	// every failing row still lands on disk
	raw, err := os.ReadFile(res.ErrorFilePath)
	require.NoError(t, err)
	lines := 0
	for _, c := range raw {
		if c == '\n' {
			lines++
		}
	}
	assert.Equal(t, 30, lines)
}

func TestRegisterCustomRule(t *testing.T) {
	e := NewEngine(testConfig(t))
	e.RegisterCustom("no_test_symbols", func(c *batch.Batch, off int) []Violation {
		var out []Violation
		for r := 0; r < c.Len(); r++ {
			if sym, _ := c.StringAt(r, "symbol"); sym == "TEST" {
				out = append(out, violationf("no_test_symbols", off+r, Critical, "placeholder symbol"))
			}
		}
		return out
	})

	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "TEST", 2)
	res, err := e.Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Contains(t, res.RulesApplied, "no_test_symbols")
	assert.Equal(t, 1, res.Critical)
}

func TestStructuralSpecFromYAML(t *testing.T) {
	specYAML := `
schema: equity_ohlc
columns:
  instrument_id:
    pattern: "^[A-Z]{2}[A-Z0-9]{9}[0-9]$"
  exchange:
    enum: [NSE, BSE]
  close:
    min: 0
`
	path := filepath.Join(t.TempDir(), "equity_ohlc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(specYAML), 0o644))
	spec, err := LoadStructuralSpec(path)
	require.NoError(t, err)

	e := NewEngine(testConfig(t))
	e.RegisterSpec("equity_ohlc", spec)

	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "RELIANCE", 2, set("instrument_id", "INE002A01018"))
	addOHLC(t, b, "BADISIN", 2, set("instrument_id", "not-an-isin"))
	addOHLC(t, b, "BADEXCH", 2, set("exchange", "MCX"), set("instrument_id", "INE467B01029"))

	res, err := e.Validate(context.Background(), b, "equity_ohlc")
	require.NoError(t, err)
	assert.Contains(t, res.RulesApplied, "structural")
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 2, res.Critical)
}

func TestValidateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := batch.New(dataset.EquityOHLC.Schema)
	addOHLC(t, b, "RELIANCE", 2)
	_, err := NewEngine(testConfig(t)).Validate(ctx, b, "equity_ohlc")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Cancelled))
}

func TestEmptyBatchShortCircuits(t *testing.T) {
	res, err := NewEngine(testConfig(t)).Validate(context.Background(), nil, "equity_ohlc")
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, 1.0, res.PassRate())
}
