package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
)

const mib = 1 << 20

func newCoalesceCmd() *cobra.Command {
	var (
		layer  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "coalesce <dataset>",
		Short: "Merge small part files inside lake partitions",
		Long: `Coalesce rewrites partitions whose part files are below the minimum
size into fewer files near the target size. The operation is idempotent
and guarded by an advisory lock per dataset/layer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ds, ok := dataset.Get(args[0])
			if !ok {
				return errs.Newf(errs.Config, "cli.coalesce", "unknown dataset %q", args[0])
			}

			w := newLakeWriter(cfg)
			stats, err := w.Coalesce(cmd.Context(), ds, dataset.Layer(layer),
				int64(cfg.Lake.TargetFileMiB)*mib, int64(cfg.Lake.MinFileMiB)*mib, dryRun)
			if err != nil {
				return err
			}
			verb := "merged"
			if dryRun {
				verb = "would merge"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s %d files into %d across %d partitions (%.1f MiB)\n",
				ds.Name, layer, verb, stats.FilesMerged, stats.FilesWritten,
				stats.PartitionsVisited, float64(stats.BytesMerged)/mib)
			return nil
		},
	}
	cmd.Flags().StringVar(&layer, "layer", string(dataset.LayerNormalized), "lake layer")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without rewriting")
	return cmd
}
