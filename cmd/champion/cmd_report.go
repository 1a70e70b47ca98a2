package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		date   string
		trend  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize data quality from the audit log and run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r := report.New(cfg.Quarantine.Dir, cfg.State.Dir)

			if trend > 0 {
				series, err := r.Trend(trend)
				if err != nil {
					return err
				}
				return emit(cmd, asJSON, series, series.Render())
			}

			d, err := parseDate(date)
			if err != nil {
				return err
			}
			rep, err := r.DailyReport(d)
			if err != nil {
				return err
			}
			return emit(cmd, asJSON, rep, rep.Render())
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "report date YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&trend, "trend", 0, "trailing trend window in days instead of a daily report")
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func emit(cmd *cobra.Command, asJSON bool, v any, text string) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
