package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/warehouse"
)

func newLoadCmd() *cobra.Command {
	var (
		dsName string
		verify bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "load <parquet-file>...",
		Short: "Load lake parquet files into the warehouse",
		Long: `Load inserts one or more lake part files into the dataset's ClickHouse
table. Partition columns dropped from the file body are rehydrated from
the hive path. Already-loaded files are skipped via markers unless
--force is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ds, ok := dataset.Get(dsName)
			if !ok {
				return errs.Newf(errs.Config, "cli.load", "unknown dataset %q", dsName)
			}

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

			for _, path := range args {
				res, err := loader.LoadFile(cmd.Context(), path, ds, force)
				if err != nil {
					return err
				}
				if res.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: skipped (already loaded)\n", path)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d rows in %d chunks -> %s\n",
					path, res.Rows, res.Chunks, res.Table)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsName, "dataset", "", "dataset family name")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify post-load row counts")
	cmd.Flags().BoolVar(&force, "force", false, "bypass idempotency markers")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}
