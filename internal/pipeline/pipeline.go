// Package pipeline assembles the standard ingestion flows: fetch, parse,
// validate, lake write, normalize, and warehouse load wired into one DAG
// per dataset family.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/fetch"
	"github.com/champion-data/champion/internal/flow"
	"github.com/champion-data/champion/internal/lake"
	"github.com/champion-data/champion/internal/net/httpx"
	"github.com/champion-data/champion/internal/normalize"
	"github.com/champion-data/champion/internal/parse"
	"github.com/champion-data/champion/internal/task"
	"github.com/champion-data/champion/internal/validate"
	"github.com/champion-data/champion/internal/warehouse"
)

// Pipeline owns the shared components every standard flow runs over.
type Pipeline struct {
	cfg       *config.Config
	fetcher   *fetch.Fetcher
	parsers   *parse.Registry
	validator *validate.Engine
	lake      *lake.Writer
	loader    *warehouse.Loader // nil runs lake-only
	sources   map[string][]Source
	norm      normalize.Options
	force     bool
}

// Options tune flow assembly beyond the shared config.
type Options struct {
	Loader            *warehouse.Loader // nil skips warehouse load nodes
	PreferredExchange string            // cross-listing winner; empty means NSE
	Force             bool              // bypass warehouse idempotency markers
	TradingDays       map[string]bool   // completeness rule input; nil disables
}

// New wires a pipeline from config. The fetcher, parser registry, validator,
// and lake writer are constructed here; the warehouse loader is dialed by
// the caller so lake-only runs never touch the network.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	pool := httpx.NewPool(httpx.PoolConfig{
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		UserAgent:      cfg.HTTP.UserAgent,
		RatePerHost:    cfg.HTTP.RatePerHost,
	})
	fcfg := fetch.DefaultConfig(filepath.Join(cfg.Lake.BaseDir, "downloads"))
	fcfg.Retries = cfg.HTTP.Retries
	fcfg.BreakerThreshold = cfg.Breaker.Threshold
	fcfg.BreakerCooldown = cfg.Breaker.Cooldown

	vcfg := validate.DefaultConfig(cfg.Quarantine.Dir)
	vcfg.ChunkRows = cfg.Quarantine.BatchRows
	vcfg.MaxSamples = cfg.Quarantine.MaxSamples
	vcfg.Strict = true
	vcfg.TradingDays = opts.TradingDays
	validator := validate.NewEngine(vcfg)
	if err := registerStructuralSpecs(validator); err != nil {
		return nil, err
	}

	lcfg := lake.DefaultConfig(cfg.Lake.BaseDir)
	if cfg.Lake.Compression == "zstd" {
		lcfg.Compression = lake.Zstd
	}
	if cfg.Lake.MaxRowsPerFile > 0 {
		lcfg.MaxRowsPerFile = cfg.Lake.MaxRowsPerFile
	}

	return &Pipeline{
		cfg:       cfg,
		fetcher:   fetch.NewFetcher(fcfg, pool),
		parsers:   parse.NewRegistry(envelope.SystemClock{}),
		validator: validator,
		lake:      lake.NewWriter(lcfg),
		loader:    opts.Loader,
		sources:   defaultSources,
		norm:      normalize.Options{PreferredExchange: opts.PreferredExchange},
		force:     opts.Force,
	}, nil
}

// Build materializes one standard flow for a logical date.
func (p *Pipeline) Build(flowName string, date time.Time) (*flow.Flow, error) {
	const op = "pipeline.build"
	if flowName == "adjusted_ohlc" {
		return p.adjustedFlow(date), nil
	}
	srcs, ok := p.sources[flowName]
	if !ok {
		return nil, errs.Newf(errs.Config, op, "unknown flow %q", flowName)
	}
	ds, ok := dataset.Get(srcs[0].Dataset)
	if !ok {
		return nil, errs.Newf(errs.Config, op, "flow %q names unknown dataset %q", flowName, srcs[0].Dataset)
	}
	return p.ingestFlow(flowName, srcs, ds, date), nil
}

// Resolve adapts Build onto the scheduler's resolver contract; the date
// param defaults to today when absent.
func (p *Pipeline) Resolve(flowName string, params map[string]string) (*flow.Flow, error) {
	date := time.Now().UTC()
	if s, ok := params["date"]; ok && s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, errs.Wrap(errs.Config, "pipeline.resolve", err)
		}
		date = d
	}
	return p.Build(flowName, date)
}

// Builder returns a per-date flow factory for the backfill driver.
func (p *Pipeline) Builder(flowName string) (flow.FlowBuilder, error) {
	// fail early on unknown names rather than per backfill date
	if _, err := p.Build(flowName, time.Now().UTC()); err != nil {
		return nil, err
	}
	return func(date time.Time) *flow.Flow {
		f, _ := p.Build(flowName, date)
		return f
	}, nil
}

// ingestFlow is the standard shape: per source fetch -> parse -> raw write,
// parsed batches merged, then validate -> normalize -> normalized write ->
// warehouse load. Raw writes hang off parse so a validation failure never
// loses the immutable raw copy.
func (p *Pipeline) ingestFlow(name string, srcs []Source, ds dataset.Dataset, date time.Time) *flow.Flow {
	dateStr := date.Format("2006-01-02")
	var nodes []*flow.Node
	var parseNames []string

	for _, src := range srcs {
		src := src
		fetchName := "fetch_" + src.Descriptor.Name
		parseName := "parse_" + src.Descriptor.Name

		nodes = append(nodes, &flow.Node{
			Name:        fetchName,
			Spec:        task.FetchSpec(fetchName),
			Fingerprint: task.Fingerprint(src.Descriptor.Name, dateStr),
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				return p.fetcher.Fetch(ctx, src.Descriptor, date)
			},
		})
		nodes = append(nodes, &flow.Node{
			Name: parseName,
			Deps: []string{fetchName},
			Spec: task.Spec{Name: parseName, Timeout: p.cfg.Tasks.Timeout},
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				path, _ := in[fetchName].(string)
				if path == "" {
					// authoritative no-data day
					return (*batch.Batch)(nil), nil
				}
				parser, ok := p.parsers.Get(src.Descriptor.Name)
				if !ok {
					return nil, errs.Newf(errs.Config, "pipeline.parse", "no parser for source %q", src.Descriptor.Name)
				}
				b, err := parser.Parse(path, date)
				if err != nil {
					return nil, err
				}
				if b != nil {
					rec.RowsOut = b.Len()
				}
				return b, nil
			},
		})
		nodes = append(nodes, &flow.Node{
			Name: "write_raw_" + src.Descriptor.Name,
			Deps: []string{parseName},
			Spec: task.WriteSpec("write_raw_" + src.Descriptor.Name),
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, _ := in[parseName].(*batch.Batch)
				if b == nil || b.Len() == 0 {
					return nil, nil
				}
				rec.RowsIn = b.Len()
				return p.lake.Write(ctx, b, ds, dataset.LayerRaw)
			},
		})
		parseNames = append(parseNames, parseName)
	}

	nodes = append(nodes, &flow.Node{
		Name: "validate",
		Deps: parseNames,
		Spec: task.Spec{Name: "validate", Timeout: p.cfg.Tasks.Timeout},
		Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
			merged, err := mergeBatches(in, parseNames)
			if err != nil {
				return nil, err
			}
			if merged == nil || merged.Len() == 0 {
				return (*batch.Batch)(nil), nil
			}
			rec.RowsIn = merged.Len()
			res, err := p.validator.Validate(ctx, merged, ds.Name)
			if err != nil {
				return nil, err
			}
			rec.RowsOut = res.Passed
			return merged, nil
		},
	})
	nodes = append(nodes, &flow.Node{
		Name: "normalize",
		Deps: []string{"validate"},
		Spec: task.Spec{Name: "normalize", Timeout: p.cfg.Tasks.Timeout},
		Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
			b, _ := in["validate"].(*batch.Batch)
			if b == nil || b.Len() == 0 {
				return (*batch.Batch)(nil), nil
			}
			rec.RowsIn = b.Len()
			out, err := normalize.Dedup(b, ds.DedupKey)
			if err != nil {
				return nil, err
			}
			if len(srcs) > 1 && ds.Schema.Has("exchange") {
				out, err = normalize.ResolveCrossListings(out, p.norm)
				if err != nil {
					return nil, err
				}
			}
			rec.RowsOut = out.Len()
			return out, nil
		},
	})
	nodes = append(nodes, &flow.Node{
		Name: "write_normalized",
		Deps: []string{"normalize"},
		Spec: task.WriteSpec("write_normalized"),
		Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
			b, _ := in["normalize"].(*batch.Batch)
			if b == nil || b.Len() == 0 {
				return nil, nil
			}
			rec.RowsIn = b.Len()
			return p.lake.Write(ctx, b, ds, dataset.LayerNormalized)
		},
	})
	if p.loader != nil {
		nodes = append(nodes, &flow.Node{
			Name: "load",
			Deps: []string{"normalize", "write_normalized"},
			Spec: task.WriteSpec("load"),
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, _ := in["normalize"].(*batch.Batch)
				if b == nil || b.Len() == 0 {
					return nil, nil
				}
				rec.RowsIn = b.Len()
				hash := task.Fingerprint(name, ds.Name, dateStr)
				res, err := p.loader.LoadBatch(ctx, b, ds, hash, p.force)
				if err != nil {
					return nil, err
				}
				rec.RowsOut = res.Rows
				return res, nil
			},
		})
	}

	return &flow.Flow{Name: name, Nodes: nodes}
}

// adjustedFlow derives split/bonus-adjusted OHLC for one trade date from the
// normalized layer and lands it in the features layer.
func (p *Pipeline) adjustedFlow(date time.Time) *flow.Flow {
	ohlc, _ := dataset.Get("equity_ohlc")
	actions, _ := dataset.Get("corporate_actions")
	dayRel := fmt.Sprintf("year=%04d/month=%02d/day=%02d", date.Year(), int(date.Month()), date.Day())
	yearRel := fmt.Sprintf("year=%04d", date.Year())

	nodes := []*flow.Node{
		{
			Name: "read_ohlc",
			Spec: task.Spec{Name: "read_ohlc", Timeout: p.cfg.Tasks.Timeout},
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, err := p.lake.Read(ctx, ohlc, dataset.LayerNormalized, dayRel)
				if err != nil {
					return nil, err
				}
				rec.RowsOut = b.Len()
				return b, nil
			},
		},
		{
			Name: "read_actions",
			Spec: task.Spec{Name: "read_actions", Timeout: p.cfg.Tasks.Timeout},
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, err := p.lake.Read(ctx, actions, dataset.LayerNormalized, yearRel)
				if err != nil {
					return nil, err
				}
				rec.RowsOut = b.Len()
				return b, nil
			},
		},
		{
			Name: "adjust",
			Deps: []string{"read_ohlc", "read_actions"},
			Spec: task.Spec{Name: "adjust", Timeout: p.cfg.Tasks.Timeout},
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, _ := in["read_ohlc"].(*batch.Batch)
				ca, _ := in["read_actions"].(*batch.Batch)
				if b == nil || b.Len() == 0 {
					return (*batch.Batch)(nil), nil
				}
				rec.RowsIn = b.Len()
				var adjustments []normalize.Adjustment
				if ca != nil && ca.Len() > 0 {
					var err error
					adjustments, err = normalize.AdjustmentsFromBatch(ca)
					if err != nil {
						return nil, err
					}
				}
				out, err := normalize.ApplyAdjustments(b, adjustments)
				if err != nil {
					return nil, err
				}
				rec.RowsOut = out.Len()
				return out, nil
			},
		},
		{
			Name: "write_adjusted",
			Deps: []string{"adjust"},
			Spec: task.WriteSpec("write_adjusted"),
			Fn: func(ctx context.Context, in flow.Inputs, rec *task.Recorder) (any, error) {
				b, _ := in["adjust"].(*batch.Batch)
				if b == nil || b.Len() == 0 {
					return nil, nil
				}
				rec.RowsIn = b.Len()
				return p.lake.Write(ctx, b, ohlc, dataset.LayerFeatures)
			},
		},
	}
	return &flow.Flow{Name: "adjusted_ohlc", Nodes: nodes}
}

// mergeBatches concatenates parsed batches from multiple sources; schemas
// are identical within one flow by construction.
func mergeBatches(in flow.Inputs, names []string) (*batch.Batch, error) {
	var out *batch.Batch
	for _, n := range names {
		b, _ := in[n].(*batch.Batch)
		if b == nil || b.Len() == 0 {
			continue
		}
		if out == nil {
			out = batch.New(b.Schema)
		} else if out.Schema.Name != b.Schema.Name {
			return nil, errs.Newf(errs.Schema, "pipeline.merge",
				"cannot merge %s into %s", b.Schema.Name, out.Schema.Name)
		}
		out.Rows = append(out.Rows, b.Rows...)
	}
	return out, nil
}
