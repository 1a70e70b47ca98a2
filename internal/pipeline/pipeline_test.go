package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/flow"
	"github.com/champion-data/champion/internal/parse"
	"github.com/champion-data/champion/internal/task"
	"github.com/champion-data/champion/internal/validate"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Lake.BaseDir = t.TempDir()
	cfg.State.Dir = t.TempDir()
	cfg.Quarantine.Dir = t.TempDir()
	p, err := New(cfg, Options{})
	require.NoError(t, err)
	return p
}

func TestEveryStandardFlowBuildsValid(t *testing.T) {
	p := testPipeline(t)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, name := range FlowNames() {
		f, err := p.Build(name, date)
		require.NoError(t, err, name)
		assert.NoError(t, f.Validate(), name)
	}
}

func TestEverySourceResolvesParser(t *testing.T) {
	// a descriptor name with no registry entry only surfaces at run time,
	// inside the parse node; catch the drift here instead
	registry := parse.NewRegistry(envelope.SystemClock{})
	for flowName, srcs := range defaultSources {
		for _, src := range srcs {
			_, ok := registry.Get(src.Descriptor.Name)
			assert.True(t, ok, "flow %s: no parser registered for source %q", flowName, src.Descriptor.Name)
			_, ok = dataset.Get(src.Dataset)
			assert.True(t, ok, "flow %s: unknown dataset %q", flowName, src.Dataset)
		}
	}
}

func TestBuildUnknownFlow(t *testing.T) {
	p := testPipeline(t)
	_, err := p.Build("intraday_ticks", time.Now())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Config))
}

func TestDailyBhavcopyShape(t *testing.T) {
	p := testPipeline(t)
	f, err := p.Build("daily_bhavcopy", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	byName := map[string]*flow.Node{}
	for _, n := range f.Nodes {
		byName[n.Name] = n
	}
	// both exchanges fetched and parsed independently
	require.Contains(t, byName, "fetch_nse_cm_bhavcopy")
	require.Contains(t, byName, "fetch_bse_eq_bhavcopy")
	require.Contains(t, byName, "parse_nse_cm_bhavcopy")
	require.Contains(t, byName, "parse_bse_eq_bhavcopy")
	// raw writes hang off parse, not validate
	assert.Equal(t, []string{"parse_nse_cm_bhavcopy"}, byName["write_raw_nse_cm_bhavcopy"].Deps)
	// validate merges both parse outputs
	assert.ElementsMatch(t, []string{"parse_nse_cm_bhavcopy", "parse_bse_eq_bhavcopy"},
		byName["validate"].Deps)
	assert.Equal(t, []string{"validate"}, byName["normalize"].Deps)
	assert.Equal(t, []string{"normalize"}, byName["write_normalized"].Deps)
	// no loader configured, so no load node
	assert.NotContains(t, byName, "load")
	// fetch is cacheable per source+date, parse is not
	assert.NotEmpty(t, byName["fetch_nse_cm_bhavcopy"].Fingerprint)
	assert.Empty(t, byName["parse_nse_cm_bhavcopy"].Fingerprint)
}

func TestSingleSourceFlowShape(t *testing.T) {
	p := testPipeline(t)
	f, err := p.Build("corporate_actions", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var names []string
	for _, n := range f.Nodes {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{
		"fetch_nse_corporate_actions",
		"parse_nse_corporate_actions",
		"write_raw_nse_corporate_actions",
		"validate", "normalize", "write_normalized",
	}, names)
}

func TestResolveParsesDateParam(t *testing.T) {
	p := testPipeline(t)
	f, err := p.Resolve("bulk_deals", map[string]string{"date": "2024-03-15"})
	require.NoError(t, err)
	assert.Equal(t, "bulk_deals", f.Name)

	_, err = p.Resolve("bulk_deals", map[string]string{"date": "15-03-2024"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Config))
}

func TestBuilderRejectsUnknownFlowEarly(t *testing.T) {
	p := testPipeline(t)
	_, err := p.Builder("nope")
	require.Error(t, err)

	build, err := p.Builder("symbol_master")
	require.NoError(t, err)
	f := build(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, f)
	assert.NoError(t, f.Validate())
}

func TestAdjustedFlowRunsCleanOnEmptyLake(t *testing.T) {
	cfg := config.Default()
	cfg.Lake.BaseDir = t.TempDir()
	state := t.TempDir()
	cfg.State.Dir = state
	cfg.Quarantine.Dir = t.TempDir()
	p, err := New(cfg, Options{})
	require.NoError(t, err)

	f, err := p.Build("adjusted_ohlc", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	engine := flow.NewEngine(task.NewRunner(task.NewTestSink(), state), 2, state)
	rep, err := engine.Execute(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSuccess, rep.Status)
}

func TestEmbeddedSpecsCompile(t *testing.T) {
	engine := validate.NewEngine(validate.DefaultConfig(t.TempDir()))
	require.NoError(t, registerStructuralSpecs(engine))
}

func TestMergeBatches(t *testing.T) {
	ds, ok := dataset.Get("equity_ohlc")
	require.True(t, ok)
	a := batch.New(ds.Schema)
	b := batch.New(ds.Schema)
	a.Rows = append(a.Rows, make([]any, len(ds.Schema.Columns)))
	b.Rows = append(b.Rows, make([]any, len(ds.Schema.Columns)), make([]any, len(ds.Schema.Columns)))

	merged, err := mergeBatches(flow.Inputs{"x": a, "y": b, "z": (*batch.Batch)(nil)}, []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, 3, merged.Len())

	other, ok := dataset.Get("bulk_deals")
	require.True(t, ok)
	c := batch.New(other.Schema)
	c.Rows = append(c.Rows, make([]any, len(other.Schema.Columns)))
	_, err = mergeBatches(flow.Inputs{"x": a, "c": c}, []string{"x", "c"})
	assert.Error(t, err)
}
