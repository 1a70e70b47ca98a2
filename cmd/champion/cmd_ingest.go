package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/flow"
	"github.com/champion-data/champion/internal/pipeline"
	"github.com/champion-data/champion/internal/warehouse"
)

func newIngestCmd() *cobra.Command {
	var (
		date        string
		useWH       bool
		verify      bool
		force       bool
		preferredEx string
	)
	cmd := &cobra.Command{
		Use:   "ingest <flow>",
		Short: "Run one standard flow for a logical date",
		Long: "Fetch, parse, validate, lake-write, normalize, and optionally load one\n" +
			"dataset family. Known flows: " + strings.Join(pipeline.FlowNames(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := parseDate(date)
			if err != nil {
				return err
			}

			opts := pipeline.Options{PreferredExchange: preferredEx, Force: force}
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
			f, err := p.Build(args[0], d)
			if err != nil {
				return err
			}

			rep, err := newEngine(cfg).Execute(cmd.Context(), f,
				map[string]string{"date": d.Format("2006-01-02")})
			if rep != nil {
				printRun(cmd, rep)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "logical date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&useWH, "warehouse", false, "load the normalized layer into ClickHouse")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify post-load row counts")
	cmd.Flags().BoolVar(&force, "force", false, "bypass idempotency markers")
	cmd.Flags().StringVar(&preferredEx, "prefer-exchange", "", "cross-listing winner (default NSE)")
	return cmd
}

func printRun(cmd *cobra.Command, rep *flow.RunReport) {
	fmt.Fprintf(cmd.OutOrStdout(), "run %s flow=%s status=%s elapsed=%s\n",
		rep.RunID, rep.Flow, rep.Status, rep.EndedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	for _, tr := range rep.Tasks {
		line := fmt.Sprintf("  %-28s %-16s attempts=%d rows_in=%d rows_out=%d",
			tr.Name, tr.Status, tr.Attempts, tr.RowsIn, tr.RowsOut)
		if tr.Error != "" {
			line += "  error=" + tr.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
