// Package lake materializes canonical batches as hive-partitioned parquet
// under <base>/<layer>/<dataset>/<k>=<v>/part-<seq>.parquet. All writes are
// temp-then-rename; a crash never leaves a readable partial part file.
package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
)

// Config tunes the writer.
type Config struct {
	BasePath       string
	Compression    Compression
	MaxRowsPerFile int   // split threshold; 0 means single file per partition write
	RowGroupRows   int64 // parquet row group size
}

func DefaultConfig(base string) Config {
	return Config{
		BasePath:       base,
		Compression:    Snappy,
		MaxRowsPerFile: 1_000_000,
		RowGroupRows:   128 * 1024,
	}
}

// Writer writes, coalesces, and expires lake data.
type Writer struct {
	cfg Config
	now func() time.Time // retention cutoff clock; injectable in tests
}

func NewWriter(cfg Config) *Writer {
	if cfg.RowGroupRows <= 0 {
		cfg.RowGroupRows = 128 * 1024
	}
	return &Writer{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// dateColumnCandidates locate the business date used to derive calendar
// partition values; first match wins.
var dateColumnCandidates = []string{"trade_date", "date", "ex_date", "effective_date", "deal_date", "valid_from"}

func businessDate(b *batch.Batch, row int) (time.Time, bool) {
	for _, c := range dateColumnCandidates {
		if b.Schema.Col(c) >= 0 {
			return b.TimeAt(row, c)
		}
	}
	return time.Time{}, false
}

// partitionValue resolves one partition key for a row: a same-named schema
// column wins, calendar keys otherwise derive from the business date.
func partitionValue(b *batch.Batch, row int, key string) (string, error) {
	if b.Schema.Col(key) >= 0 {
		v, _ := b.Value(row, key)
		switch t := v.(type) {
		case time.Time:
			return t.Format("2006-01-02"), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case string:
			return t, nil
		case nil:
			return "", fmt.Errorf("partition column %s is null", key)
		default:
			return fmt.Sprintf("%v", t), nil
		}
	}
	d, ok := businessDate(b, row)
	if !ok {
		return "", fmt.Errorf("no business date column to derive partition key %s", key)
	}
	switch key {
	case "year":
		return fmt.Sprintf("%04d", d.Year()), nil
	case "month":
		return fmt.Sprintf("%02d", int(d.Month())), nil
	case "day":
		return fmt.Sprintf("%02d", d.Day()), nil
	default:
		return "", fmt.Errorf("underivable partition key %s", key)
	}
}

// bodyColumns is the schema minus partition columns that exist as real
// columns (their value is encoded in the directory name).
func bodyColumns(s *batch.Schema, partitions []string) []string {
	inPartition := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		if s.Col(p) >= 0 {
			inPartition[p] = true
		}
	}
	var cols []string
	for _, c := range s.Columns {
		if !inPartition[c.Name] {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// Write splits a batch by partition key and writes one or more part files
// per partition. Returns the written paths.
func (w *Writer) Write(ctx context.Context, b *batch.Batch, ds dataset.Dataset, layer dataset.Layer) ([]string, error) {
	const op = "lake.write"
	if b == nil || b.Len() == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, op, err)
	}

	groups := make(map[string][]int)
	var order []string
	for r := 0; r < b.Len(); r++ {
		rel := ""
		for _, key := range ds.LakePartitions {
			v, err := partitionValue(b, r, key)
			if err != nil {
				return nil, errs.Wrap(errs.Integrity, op, err)
			}
			rel = filepath.Join(rel, key+"="+v)
		}
		if _, seen := groups[rel]; !seen {
			order = append(order, rel)
		}
		groups[rel] = append(groups[rel], r)
	}

	body := bodyColumns(b.Schema, ds.LakePartitions)
	var written []string
	for _, rel := range order {
		if err := ctx.Err(); err != nil {
			return written, errs.Wrap(errs.Cancelled, op, err)
		}
		part := batch.New(b.Schema)
		for _, r := range groups[rel] {
			part.Rows = append(part.Rows, b.Rows[r])
		}
		slim, err := part.Select(body)
		if err != nil {
			return written, errs.Wrap(errs.Schema, op, err)
		}

		dir := filepath.Join(w.cfg.BasePath, string(layer), ds.Name, rel)
		for _, chunk := range chunkForFile(slim, w.cfg.MaxRowsPerFile) {
			path, err := w.writePart(chunk, dir)
			if err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}

	log.Info().Str("dataset", ds.Name).Str("layer", string(layer)).
		Int("rows", b.Len()).Int("files", len(written)).Msg("lake write complete")
	return written, nil
}

func chunkForFile(b *batch.Batch, maxRows int) []*batch.Batch {
	if maxRows <= 0 || b.Len() <= maxRows {
		return []*batch.Batch{b}
	}
	return b.Chunks(maxRows)
}

// writePart writes one parquet part atomically and returns its final path.
func (w *Writer) writePart(b *batch.Batch, dir string) (string, error) {
	const op = "lake.write"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	seq, err := nextPartSeq(dir)
	if err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	final := filepath.Join(dir, fmt.Sprintf("part-%05d.parquet", seq))

	tmp, err := os.CreateTemp(dir, ".tmp-lake-*")
	if err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := writeParquet(b, tmpName, w.cfg.Compression, w.cfg.RowGroupRows); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	return final, nil
}

// nextPartSeq is one past the highest existing part number in dir.
func nextPartSeq(dir string) (int, error) {
	parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	if err != nil {
		return 0, err
	}
	next := 0
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(p), "part-%d.parquet", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// Read loads every part file of one partition directory into a single
// batch over the body schema.
func (w *Writer) Read(ctx context.Context, ds dataset.Dataset, layer dataset.Layer, partitionRel string) (*batch.Batch, error) {
	const op = "lake.read"
	dir := filepath.Join(w.cfg.BasePath, string(layer), ds.Name, partitionRel)
	parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	sort.Strings(parts)

	bodySchema, err := bodySchemaOf(ds)
	if err != nil {
		return nil, errs.Wrap(errs.Schema, op, err)
	}
	out := batch.New(bodySchema)
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Cancelled, op, err)
		}
		part, err := readParquet(ctx, p, bodySchema)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, part.Rows...)
	}
	return out, nil
}

func bodySchemaOf(ds dataset.Dataset) (*batch.Schema, error) {
	probe := batch.New(ds.Schema)
	slim, err := probe.Select(bodyColumns(ds.Schema, ds.LakePartitions))
	if err != nil {
		return nil, err
	}
	return slim.Schema, nil
}
