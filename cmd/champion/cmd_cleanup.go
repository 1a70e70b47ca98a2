package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/lake"
)

func newLakeWriter(cfg *config.Config) *lake.Writer {
	lcfg := lake.DefaultConfig(cfg.Lake.BaseDir)
	if cfg.Lake.Compression == "zstd" {
		lcfg.Compression = lake.Zstd
	}
	if cfg.Lake.MaxRowsPerFile > 0 {
		lcfg.MaxRowsPerFile = cfg.Lake.MaxRowsPerFile
	}
	return lake.NewWriter(lcfg)
}

func newCleanupCmd() *cobra.Command {
	var (
		layer         string
		retentionDays int
		pattern       string
		dryRun        bool
		gcAge         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup <dataset>",
		Short: "Drop lake partitions past retention and sweep temp files",
		Long: `Cleanup drops partitions whose key-derived date is older than the
retention cutoff. Ages come from partition keys, never file mtime, so a
freshly backfilled old partition is still old data. Orphaned temp files
older than --gc-age are removed in the same pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ds, ok := dataset.Get(args[0])
			if !ok {
				return errs.Newf(errs.Config, "cli.cleanup", "unknown dataset %q", args[0])
			}
			days := retentionDays
			if days == 0 {
				days = ds.RetentionDays
			}

			w := newLakeWriter(cfg)
			stats, err := w.Cleanup(ds, dataset.Layer(layer), days, pattern, dryRun)
			if err != nil {
				return err
			}
			verb := "dropped"
			if dryRun {
				verb = "would drop"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s %d partitions (%d files), retention %dd\n",
				ds.Name, layer, verb, stats.PartitionsDropped, stats.FilesDropped, days)

			if !dryRun {
				removed, err := w.GCTempFiles(gcAge)
				if err != nil {
					return err
				}
				if removed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned temp files\n", removed)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&layer, "layer", string(dataset.LayerNormalized), "lake layer")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override dataset retention")
	cmd.Flags().StringVar(&pattern, "pattern", "", `limit to matching partitions, e.g. "year=2019"`)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	cmd.Flags().DurationVar(&gcAge, "gc-age", time.Hour, "minimum temp file age for GC")
	return cmd
}
