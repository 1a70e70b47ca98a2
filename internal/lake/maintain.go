package lake

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/errs"
)

// lockStaleAfter reclaims abandoned coalesce locks; sized at twice the
// longest observed coalesce run.
const lockStaleAfter = 30 * time.Minute

type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// acquireLock takes the per-dataset advisory lock, reclaiming stale ones.
func acquireLock(dir string) (release func(), err error) {
	const op = "lake.lock"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	path := filepath.Join(dir, ".coalesce.lock")

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			json.NewEncoder(f).Encode(lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()})
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, errs.Wrap(errs.IO, op, err)
		}
		raw, readErr := os.ReadFile(path)
		var info lockInfo
		if readErr == nil && json.Unmarshal(raw, &info) == nil &&
			time.Since(info.StartedAt) < lockStaleAfter {
			return nil, errs.Newf(errs.IO, op, "partition locked by pid %d since %s",
				info.PID, info.StartedAt.Format(time.RFC3339))
		}
		// stale or unreadable; reclaim and retry
		log.Warn().Str("lock", path).Msg("reclaiming stale coalesce lock")
		os.Remove(path)
	}
}

// CoalesceStats reports one coalesce pass.
type CoalesceStats struct {
	PartitionsVisited int
	FilesMerged       int
	FilesWritten      int
	BytesMerged       int64
}

// Coalesce merges small part files inside each partition of a dataset
// layer: files below minBytes are grouped up to targetBytes and rewritten
// as one part. Idempotent; the merged part lands via rename before any
// original is unlinked, so a crash leaves duplicate rows at worst, which
// downstream dedup absorbs.
func (w *Writer) Coalesce(ctx context.Context, ds dataset.Dataset, layer dataset.Layer, targetBytes, minBytes int64, dryRun bool) (*CoalesceStats, error) {
	const op = "lake.coalesce"
	root := filepath.Join(w.cfg.BasePath, string(layer), ds.Name)
	release, err := acquireLock(root)
	if err != nil {
		return nil, err
	}
	defer release()

	partitions, err := leafPartitions(root)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}

	bodySchema, err := bodySchemaOf(ds)
	if err != nil {
		return nil, errs.Wrap(errs.Schema, op, err)
	}

	stats := &CoalesceStats{}
	for _, dir := range partitions {
		if err := ctx.Err(); err != nil {
			return stats, errs.Wrap(errs.Cancelled, op, err)
		}
		stats.PartitionsVisited++

		parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
		if err != nil {
			return stats, errs.Wrap(errs.IO, op, err)
		}
		sort.Strings(parts)

		var group []string
		var groupBytes int64
		for _, p := range parts {
			st, err := os.Stat(p)
			if err != nil {
				return stats, errs.Wrap(errs.IO, op, err)
			}
			if st.Size() >= minBytes {
				continue
			}
			group = append(group, p)
			groupBytes += st.Size()
			if groupBytes >= targetBytes {
				if err := w.mergeGroup(ctx, group, dir, bodySchema, dryRun, stats); err != nil {
					return stats, err
				}
				group, groupBytes = nil, 0
			}
		}
		if len(group) > 1 {
			if err := w.mergeGroup(ctx, group, dir, bodySchema, dryRun, stats); err != nil {
				return stats, err
			}
		}
	}

	log.Info().Str("dataset", ds.Name).Int("merged", stats.FilesMerged).
		Int("written", stats.FilesWritten).Bool("dry_run", dryRun).Msg("coalesce complete")
	return stats, nil
}

func (w *Writer) mergeGroup(ctx context.Context, group []string, dir string, schema *batch.Schema, dryRun bool, stats *CoalesceStats) error {
	const op = "lake.coalesce"
	if len(group) < 2 {
		return nil
	}
	stats.FilesMerged += len(group)
	for _, p := range group {
		if st, err := os.Stat(p); err == nil {
			stats.BytesMerged += st.Size()
		}
	}
	if dryRun {
		return nil
	}

	merged := batch.New(schema)
	for _, p := range group {
		part, err := readParquet(ctx, p, schema)
		if err != nil {
			return err
		}
		merged.Rows = append(merged.Rows, part.Rows...)
	}
	if _, err := w.writePart(merged, dir); err != nil {
		return err
	}
	stats.FilesWritten++
	for _, p := range group {
		if err := os.Remove(p); err != nil {
			return errs.Wrap(errs.IO, op, err)
		}
	}
	return nil
}

// CleanupStats reports one retention pass.
type CleanupStats struct {
	PartitionsDropped int
	FilesDropped      int
}

// Cleanup drops partitions whose key-derived date is older than the
// retention cutoff. Ages come from partition key values, never file mtime;
// a backfilled old partition written yesterday is still old data. A
// non-empty pattern globs over partition directories ("year=2019",
// "year=*/month=01") and limits the pass to matching subtrees.
func (w *Writer) Cleanup(ds dataset.Dataset, layer dataset.Layer, retentionDays int, pattern string, dryRun bool) (*CleanupStats, error) {
	const op = "lake.cleanup"
	if retentionDays <= 0 {
		return &CleanupStats{}, nil
	}
	root := filepath.Join(w.cfg.BasePath, string(layer), ds.Name)
	partitions, err := leafPartitions(root)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	cutoff := w.now().AddDate(0, 0, -retentionDays)

	stats := &CleanupStats{}
	for _, dir := range partitions {
		rel := strings.TrimPrefix(strings.TrimPrefix(dir, root), string(os.PathSeparator))
		matched, err := matchPartition(rel, pattern)
		if err != nil {
			return nil, errs.Wrap(errs.Config, op, err)
		}
		if !matched {
			continue
		}
		pdate, ok := partitionDate(rel)
		if !ok || !pdate.Before(cutoff) {
			continue
		}
		files, _ := filepath.Glob(filepath.Join(dir, "*"))
		stats.PartitionsDropped++
		stats.FilesDropped += len(files)
		if dryRun {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return stats, errs.Wrap(errs.IO, op, err)
		}
		removeEmptyParents(dir, root)
	}
	log.Info().Str("dataset", ds.Name).Int("partitions", stats.PartitionsDropped).
		Bool("dry_run", dryRun).Msg("retention cleanup complete")
	return stats, nil
}

// matchPartition reports whether a glob pattern scopes a partition rel
// path. A pattern matching any leading segment prefix covers the whole
// subtree, so "year=2019" also scopes year=2019/month=01/day=02.
func matchPartition(rel, pattern string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for i := range segs {
		ok, err := path.Match(pattern, strings.Join(segs[:i+1], "/"))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// partitionDate derives the newest possible date covered by a partition
// path: year-only partitions resolve to Dec 31, year+month to month end.
func partitionDate(rel string) (time.Time, bool) {
	keys := map[string]int{}
	for _, seg := range strings.Split(rel, string(os.PathSeparator)) {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			keys[k] = n
		}
	}
	year, ok := keys["year"]
	if !ok {
		return time.Time{}, false
	}
	month, hasMonth := keys["month"]
	day, hasDay := keys["day"]
	switch {
	case hasMonth && hasDay:
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
	case hasMonth:
		return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1), true
	default:
		return time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC), true
	}
}

// metadataDoc is the dataset-level summary emitted as _metadata; the
// schema-only twin is _common_metadata.
type metadataDoc struct {
	Dataset     string           `json:"dataset"`
	Layer       string           `json:"layer"`
	GeneratedAt time.Time        `json:"generated_at"`
	Columns     []metadataColumn `json:"columns"`
	Files       []metadataFile   `json:"files,omitempty"`
	TotalRows   int64            `json:"total_rows"`
}

type metadataColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type metadataFile struct {
	Path string `json:"path"`
	Rows int64  `json:"rows"`
}

// WriteMetadata emits _metadata (schema + per-file row counts) and
// _common_metadata (schema only) at the dataset root.
func (w *Writer) WriteMetadata(ds dataset.Dataset, layer dataset.Layer) error {
	const op = "lake.metadata"
	root := filepath.Join(w.cfg.BasePath, string(layer), ds.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}

	bodySchema, err := bodySchemaOf(ds)
	if err != nil {
		return errs.Wrap(errs.Schema, op, err)
	}
	doc := metadataDoc{
		Dataset:     ds.Name,
		Layer:       string(layer),
		GeneratedAt: time.Now().UTC(),
	}
	for _, c := range bodySchema.Columns {
		doc.Columns = append(doc.Columns, metadataColumn{
			Name: c.Name, Type: kindName(c.Kind), Nullable: c.Nullable,
		})
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return err
		}
		rows, err := parquetRowCount(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		doc.Files = append(doc.Files, metadataFile{Path: rel, Rows: rows})
		doc.TotalRows += rows
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	sort.Slice(doc.Files, func(i, j int) bool { return doc.Files[i].Path < doc.Files[j].Path })

	if err := writeJSONAtomic(filepath.Join(root, "_metadata"), doc); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	common := doc
	common.Files = nil
	common.TotalRows = 0
	if err := writeJSONAtomic(filepath.Join(root, "_common_metadata"), common); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	return nil
}

// GCTempFiles removes orphaned temp files older than age anywhere under
// the lake base. Run at startup; live writers are younger than any sane age.
func (w *Writer) GCTempFiles(age time.Duration) (int, error) {
	const op = "lake.gc"
	removed := 0
	err := filepath.WalkDir(w.cfg.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if time.Since(info.ModTime()) > age {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, errs.Wrap(errs.IO, op, err)
	}
	if removed > 0 {
		log.Warn().Int("removed", removed).Msg("orphaned lake temp files collected")
	}
	return removed, nil
}

// leafPartitions lists directories that directly contain part files.
func leafPartitions(root string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			dir := filepath.Dir(path)
			if !seen[dir] {
				seen[dir] = true
				out = append(out, dir)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func removeEmptyParents(dir, stop string) {
	for p := filepath.Dir(dir); p != stop && strings.HasPrefix(p, stop); p = filepath.Dir(p) {
		if os.Remove(p) != nil {
			return
		}
	}
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-meta-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func kindName(k batch.Kind) string {
	switch k {
	case batch.KindDate:
		return "date"
	case batch.KindTimestamp:
		return "timestamp"
	case batch.KindInt64:
		return "int64"
	case batch.KindFloat64:
		return "float64"
	case batch.KindLowCardString:
		return "low_cardinality_string"
	default:
		return "string"
	}
}
