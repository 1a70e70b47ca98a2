// Package validate applies structural and business rules to canonical
// batches in bounded-memory streaming chunks, quarantining failing rows
// and appending audit records.
package validate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
)

// Severity classifies a violation.
type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
)

// Violation is one rule failure on one row. Row is the absolute row index
// in the validated batch; -1 marks batch-level violations.
type Violation struct {
	Rule     string   `json:"rule"`
	Row      int      `json:"row"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// RuleFunc is the custom-rule extension point; it receives one chunk and
// the absolute offset of its first row.
type RuleFunc func(chunk *batch.Batch, offset int) []Violation

// Result summarizes one validation pass.
type Result struct {
	Schema        string      `json:"schema"`
	Total         int         `json:"total"`
	Passed        int         `json:"passed"`
	Critical      int         `json:"critical"`
	Warnings      int         `json:"warnings"`
	RulesApplied  []string    `json:"rules_applied"`
	Samples       []Violation `json:"samples"`
	ErrorFilePath string      `json:"error_file_path,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// PassRate is passed/total; 1.0 for empty batches.
func (r *Result) PassRate() float64 {
	if r.Total == 0 {
		return 1.0
	}
	return float64(r.Passed) / float64(r.Total)
}

// Config tunes the engine; DefaultConfig is the production shape.
type Config struct {
	ChunkRows        int           // streaming chunk size
	MaxSamples       int           // violations retained in memory
	QuarantineDir    string        // failing rows + audit log land here
	Strict           bool          // critical violations fail the call
	MaxStaleness     time.Duration // data_freshness bound
	MaxDailyMovePct  float64       // price_reasonableness bound, percent
	ContinuityPct    float64       // price_continuity_post_ca bound, percent
	CompletenessCrit bool          // escalate trading_day_completeness
	// TradingDays marks declared trading dates (YYYY-MM-DD) for the
	// completeness rule; nil disables the rule.
	TradingDays map[string]bool

	Now func() time.Time // injectable for freshness/timestamp rules
}

func DefaultConfig(quarantineDir string) Config {
	return Config{
		ChunkRows:       10_000,
		MaxSamples:      100,
		QuarantineDir:   quarantineDir,
		MaxStaleness:    48 * time.Hour,
		MaxDailyMovePct: 25.0,
		ContinuityPct:   20.0,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// Engine validates batches against structural specs and business rules.
type Engine struct {
	cfg    Config
	specs  map[string]*StructuralSpec
	custom map[string]RuleFunc
	order  []string // registration order of custom rules
}

func NewEngine(cfg Config) *Engine {
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = 10_000
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 100
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:    cfg,
		specs:  make(map[string]*StructuralSpec),
		custom: make(map[string]RuleFunc),
	}
}

// RegisterSpec attaches a structural spec for a schema name.
func (e *Engine) RegisterSpec(schema string, spec *StructuralSpec) {
	e.specs[schema] = spec
}

// RegisterCustom adds a named custom rule applied to every chunk.
func (e *Engine) RegisterCustom(name string, fn RuleFunc) {
	if _, exists := e.custom[name]; !exists {
		e.order = append(e.order, name)
	}
	e.custom[name] = fn
}

// Validate runs every applicable rule over the batch in chunks. Violating
// rows are quarantined and an audit record appended. In strict mode any
// critical violation yields an errs.Validation error alongside the result.
func (e *Engine) Validate(ctx context.Context, b *batch.Batch, schemaName string) (*Result, error) {
	const op = "validate"
	started := e.cfg.Now()
	res := &Result{Schema: schemaName, Timestamp: started}
	if b == nil || b.Len() == 0 {
		res.RulesApplied = e.ruleNames(nil, schemaName)
		return res, nil
	}
	res.Total = b.Len()

	ds, _ := dataset.Get(schemaName)
	rules := businessRules(b.Schema, ds, e.cfg)
	res.RulesApplied = e.ruleNames(rules, schemaName)

	state := newRunState()
	qw := newQuarantineWriter(e.cfg.QuarantineDir, schemaName, started)
	defer qw.discard()

	// badRows holds only the current chunk's failures; the quarantine
	// writer drains it after every chunk. Samples stay capped.
	var badRows map[int][]Violation
	record := func(v Violation) {
		switch v.Severity {
		case Critical:
			res.Critical++
		default:
			res.Warnings++
		}
		if len(res.Samples) < e.cfg.MaxSamples {
			res.Samples = append(res.Samples, v)
		}
		if v.Row >= 0 {
			badRows[v.Row] = append(badRows[v.Row], v)
		}
	}

	spec := e.specs[schemaName]
	offset := 0
	for _, chunk := range b.Chunks(e.cfg.ChunkRows) {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Cancelled, op, err)
		}
		badRows = make(map[int][]Violation)
		if spec != nil {
			for _, v := range spec.check(chunk, offset) {
				record(v)
			}
		}
		for _, rule := range rules {
			for _, v := range rule.fn(chunk, offset, state) {
				record(v)
			}
		}
		for _, name := range e.order {
			for _, v := range e.custom[name](chunk, offset) {
				record(v)
			}
		}
		if err := qw.flush(b, badRows); err != nil {
			return nil, err
		}
		offset += chunk.Len()
	}

	res.Passed = res.Total - qw.failed

	if qw.failed > 0 {
		qPath, err := qw.commit()
		if err != nil {
			return nil, err
		}
		res.ErrorFilePath = qPath
		if err := appendAudit(e.cfg.QuarantineDir, auditRecord{
			Timestamp:      started,
			Schema:         schemaName,
			QuarantineFile: qPath,
			FailedRows:     qw.failed,
			TotalRows:      res.Total,
			RulesApplied:   res.RulesApplied,
			FailureRate:    float64(qw.failed) / float64(res.Total),
		}); err != nil {
			return nil, err
		}
	}

	log.Info().Str("schema", schemaName).Int("total", res.Total).
		Int("critical", res.Critical).Int("warnings", res.Warnings).
		Float64("pass_rate", res.PassRate()).Msg("validation complete")

	if e.cfg.Strict && res.Critical > 0 {
		return res, errs.Newf(errs.Validation, op,
			"%d critical violations in %s (pass rate %.4f)", res.Critical, schemaName, res.PassRate())
	}
	return res, nil
}

func (e *Engine) ruleNames(rules []namedRule, schemaName string) []string {
	var names []string
	if e.specs[schemaName] != nil {
		names = append(names, "structural")
	}
	for _, r := range rules {
		names = append(names, r.name)
	}
	names = append(names, e.order...)
	return names
}

// runState carries cross-chunk rule memory for a single Validate call.
type runState struct {
	seenKeys  map[string]int                // KeyTuple -> first absolute row
	lastClose map[string]symbolClose        // symbol -> latest seen close
}

type symbolClose struct {
	date  time.Time
	close float64
	row   int
}

func newRunState() *runState {
	return &runState{
		seenKeys:  make(map[string]int),
		lastClose: make(map[string]symbolClose),
	}
}

type namedRule struct {
	name string
	fn   func(chunk *batch.Batch, offset int, state *runState) []Violation
}

func violationf(rule string, row int, sev Severity, format string, args ...any) Violation {
	return Violation{Rule: rule, Row: row, Severity: sev, Message: fmt.Sprintf(format, args...)}
}
