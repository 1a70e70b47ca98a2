package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/flow"
	"github.com/champion-data/champion/internal/pipeline"
	"github.com/champion-data/champion/internal/warehouse"
)

func newScheduleCmd() *cobra.Command {
	var (
		jobsPath string
		useWH    bool
		verify   bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the cron scheduler daemon",
		Long: `Schedule loads job definitions from YAML and fires the named flows on
their cron expressions in the configured timezone. The daemon runs until
interrupted; in-flight flows finish before shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			jobs, err := flow.LoadJobs(jobsPath)
			if err != nil {
				return err
			}

			opts := pipeline.Options{}
			if useWH {
				loader, err := warehouse.Open(cfg.Warehouse, warehouse.Options{
					StateDir: cfg.State.Dir,
					Verify:   verify,
				})
				if err != nil {
					return err
				}
				defer loader.Close()
				if err := loader.EnsureSchema(cmd.Context()); err != nil {
					return err
				}
				opts.Loader = loader
			}
			p, err := pipeline.New(cfg, opts)
			if err != nil {
				return err
			}

			sched, err := flow.NewScheduler(newEngine(cfg), p.Resolve, cfg.Schedule.Timezone)
			if err != nil {
				return err
			}
			for _, job := range jobs.Jobs {
				if err := sched.Add(job); err != nil {
					return err
				}
			}

			log.Info().Int("jobs", len(jobs.Jobs)).Str("tz", cfg.Schedule.Timezone).
				Msg("scheduler running")
			sched.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&jobsPath, "jobs", "jobs.yaml", "path to jobs YAML")
	cmd.Flags().BoolVar(&useWH, "warehouse", false, "load the normalized layer into ClickHouse")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify post-load row counts")
	return cmd
}
