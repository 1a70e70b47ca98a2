package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/pipeline"
	"github.com/champion-data/champion/internal/warehouse"
)

func newBackfillCmd() *cobra.Command {
	var (
		from        string
		to          string
		parallelism int
		useWH       bool
		verify      bool
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "backfill <flow>",
		Short: "Run one flow per date across an inclusive range",
		Long: `Backfill runs the flow independently for every calendar date in
[--from, --to]. A failed date never blocks other dates; the exit code
reflects the worst outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fromDate, err := parseDate(from)
			if err != nil {
				return err
			}
			toDate, err := parseDate(to)
			if err != nil {
				return err
			}

			opts := pipeline.Options{Force: force}
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
			build, err := p.Builder(args[0])
			if err != nil {
				return err
			}

			results, err := newEngine(cfg).Backfill(cmd.Context(), build, fromDate, toDate, parallelism)
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = r.Err.Error()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", r.Date.Format("2006-01-02"), status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first date YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent dates (default task parallelism)")
	cmd.Flags().BoolVar(&useWH, "warehouse", false, "load the normalized layer into ClickHouse")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify post-load row counts")
	cmd.Flags().BoolVar(&force, "force", false, "bypass idempotency markers")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
