package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/lake"
	"github.com/champion-data/champion/internal/validate"
)

func newValidateCmd() *cobra.Command {
	var (
		dsName string
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "validate <parquet-file>...",
		Short: "Re-validate lake part files offline",
		Long: `Validate runs the structural and business rules over existing lake
files without fetching or loading. Violating rows are quarantined and
audited exactly as during ingestion.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ds, ok := dataset.Get(dsName)
			if !ok {
				return errs.Newf(errs.Config, "cli.validate", "unknown dataset %q", dsName)
			}

			vcfg := validate.DefaultConfig(cfg.Quarantine.Dir)
			vcfg.ChunkRows = cfg.Quarantine.BatchRows
			vcfg.MaxSamples = cfg.Quarantine.MaxSamples
			vcfg.Strict = strict
			engine := validate.NewEngine(vcfg)

			// part files store the body layout: partition columns live in
			// the directory name, not the file
			bodySchema, err := lake.BodySchema(ds)
			if err != nil {
				return err
			}

			var firstErr error
			for _, path := range args {
				b, err := lake.ReadFile(cmd.Context(), path, bodySchema)
				if err != nil {
					return err
				}
				res, err := engine.Validate(cmd.Context(), b, ds.Name)
				if res != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d rows, %d critical, %d warnings (%.2f%% pass)\n",
						path, res.Total, res.Critical, res.Warnings, 100*res.PassRate())
					if res.ErrorFilePath != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "    quarantine: %s\n", res.ErrorFilePath)
					}
				}
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
	cmd.Flags().StringVar(&dsName, "dataset", "", "dataset family name")
	cmd.Flags().BoolVar(&strict, "strict", false, "critical violations fail the command (exit 4)")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}
