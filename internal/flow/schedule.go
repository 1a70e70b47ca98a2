package flow

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/champion-data/champion/internal/errs"
)

// JobSpec is one scheduled flow in the jobs YAML.
type JobSpec struct {
	Name   string            `yaml:"name"`
	Cron   string            `yaml:"cron"`
	Flow   string            `yaml:"flow"`
	Params map[string]string `yaml:"params,omitempty"`
}

// JobsFile is the on-disk schedule definition.
type JobsFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobs parses a jobs YAML file.
func LoadJobs(path string) (*JobsFile, error) {
	const op = "flow.jobs"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	var jf JobsFile
	if err := yaml.Unmarshal(raw, &jf); err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	for _, j := range jf.Jobs {
		if j.Name == "" || j.Cron == "" || j.Flow == "" {
			return nil, errs.Newf(errs.Config, op, "job entries need name, cron, and flow")
		}
	}
	return &jf, nil
}

// FlowResolver maps a flow name plus params to an executable flow.
type FlowResolver func(flowName string, params map[string]string) (*Flow, error)

// Scheduler fires flows on cron schedules in a fixed timezone.
type Scheduler struct {
	engine  *Engine
	cron    *cron.Cron
	resolve FlowResolver
}

// NewScheduler builds a scheduler in the named timezone (e.g.
// "Asia/Kolkata"); exchange publishing times are exchange-local.
func NewScheduler(engine *Engine, resolve FlowResolver, tz string) (*Scheduler, error) {
	const op = "flow.schedule"
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	return &Scheduler{
		engine:  engine,
		cron:    cron.New(cron.WithLocation(loc)),
		resolve: resolve,
	}, nil
}

// Add registers one job.
func (s *Scheduler) Add(job JobSpec) error {
	const op = "flow.schedule"
	_, err := s.cron.AddFunc(job.Cron, func() {
		f, err := s.resolve(job.Flow, job.Params)
		if err != nil {
			log.Error().Str("job", job.Name).Err(err).Msg("scheduled flow resolution failed")
			return
		}
		params := map[string]string{"date": time.Now().UTC().Format("2006-01-02")}
		for k, v := range job.Params {
			params[k] = v
		}
		if _, err := s.engine.Execute(context.Background(), f, params); err != nil {
			log.Error().Str("job", job.Name).Err(err).Msg("scheduled flow failed")
		}
	})
	if err != nil {
		return errs.Wrap(errs.Config, op, err)
	}
	log.Info().Str("job", job.Name).Str("cron", job.Cron).Str("flow", job.Flow).Msg("job scheduled")
	return nil
}

// Run blocks until the context is cancelled, then stops the cron loop and
// waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Info().Msg("scheduler stopped")
}
