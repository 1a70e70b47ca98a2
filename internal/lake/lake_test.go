package lake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
)

func testWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	base := t.TempDir()
	cfg := DefaultConfig(base)
	cfg.RowGroupRows = 1024
	return NewWriter(cfg), base
}

func ohlcBatch(t *testing.T, days ...int) *batch.Batch {
	t.Helper()
	b := batch.New(dataset.EquityOHLC.Schema)
	for _, d := range days {
		td := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
		env := envelope.Stamp("nse_cm_bhavcopy", "v1", "RELIANCE|INE002A01018",
			td.Add(10*time.Hour), envelope.FixedClock{T: td.Add(12 * time.Hour)})
		require.NoError(t, b.AppendRow(append(env.Columns(),
			"RELIANCE", "INE002A01018", td, nil, "NSE",
			2500.0, 2550.0, 2480.0, 2530.0, nil, 2495.0, int64(1200000), nil, nil)))
	}
	return b
}

func TestWritePartitionsByCalendarDate(t *testing.T) {
	w, base := testWriter(t)
	b := ohlcBatch(t, 2, 2, 3)

	paths, err := w.Write(context.Background(), b, dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)
	require.Len(t, paths, 2, "two distinct trade dates, two partitions")

	assert.FileExists(t, filepath.Join(base,
		"raw/equity_ohlc/year=2024/month=01/day=02/part-00000.parquet"))
	assert.FileExists(t, filepath.Join(base,
		"raw/equity_ohlc/year=2024/month=01/day=03/part-00000.parquet"))

	rows, err := parquetRowCount(paths[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
}

func TestWriteReadRoundTrip(t *testing.T) {
	w, _ := testWriter(t)
	b := ohlcBatch(t, 2)

	_, err := w.Write(context.Background(), b, dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)

	got, err := w.Read(context.Background(), dataset.EquityOHLC, dataset.LayerRaw,
		filepath.Join("year=2024", "month=01", "day=02"))
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())

	sym, ok := got.StringAt(0, "symbol")
	require.True(t, ok)
	assert.Equal(t, "RELIANCE", sym)
	closePx, _ := got.Float64At(0, "close")
	assert.Equal(t, 2530.0, closePx)
	vol, _ := got.Int64At(0, "volume")
	assert.Equal(t, int64(1200000), vol)
	td, _ := got.TimeAt(0, "trade_date")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), td)

	// nullable columns survive as nulls
	_, ok = got.Float64At(0, "turnover")
	assert.False(t, ok)
}

func TestSequentialWritesIncrementPartSeq(t *testing.T) {
	w, base := testWriter(t)
	for i := 0; i < 3; i++ {
		_, err := w.Write(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, dataset.LayerRaw)
		require.NoError(t, err)
	}
	dir := filepath.Join(base, "raw/equity_ohlc/year=2024/month=01/day=02")
	parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	require.NoError(t, err)
	assert.Len(t, parts, 3)
}

func TestPartitionColumnDroppedFromBody(t *testing.T) {
	// quarterly financials partition on a real schema column
	b := batch.New(dataset.QuarterlyFinancials.Schema)
	env := envelope.Stamp("nse_quarterly_financials", "v1", "RELIANCE|2023|Q3",
		time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC),
		envelope.FixedClock{T: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, b.AppendRow(append(env.Columns(),
		"RELIANCE", int64(2023), "Q3", 2.25e12, nil, nil, nil, 2.0e11, nil, nil)))

	w, _ := testWriter(t)
	paths, err := w.Write(context.Background(), b, dataset.QuarterlyFinancials, dataset.LayerRaw)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], filepath.Join("quarterly_financials", "year=2023"))

	body, err := bodySchemaOf(dataset.QuarterlyFinancials)
	require.NoError(t, err)
	assert.Less(t, body.Col("year"), 0, "partition column not in file body")
	assert.GreaterOrEqual(t, body.Col("quarter"), 0)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	w, base := testWriter(t)
	_, err := w.Write(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)

	var tmps []string
	filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Base(path)[0] == '.' {
			tmps = append(tmps, path)
		}
		return nil
	})
	assert.Empty(t, tmps)
}

func TestCoalesceMergesSmallParts(t *testing.T) {
	w, base := testWriter(t)
	for i := 0; i < 4; i++ {
		_, err := w.Write(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, dataset.LayerRaw)
		require.NoError(t, err)
	}
	dir := filepath.Join(base, "raw/equity_ohlc/year=2024/month=01/day=02")

	stats, err := w.Coalesce(context.Background(), dataset.EquityOHLC, dataset.LayerRaw,
		64*1024*1024, 10*1024*1024, false)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.FilesMerged)
	assert.Equal(t, 1, stats.FilesWritten)

	parts, err := filepath.Glob(filepath.Join(dir, "part-*.parquet"))
	require.NoError(t, err)
	require.Len(t, parts, 1)

	rows, err := parquetRowCount(parts[0])
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows, "merged part carries every row")

	// idempotent: second pass has nothing to do
	stats, err = w.Coalesce(context.Background(), dataset.EquityOHLC, dataset.LayerRaw,
		64*1024*1024, 10*1024*1024, false)
	require.NoError(t, err)
	assert.Zero(t, stats.FilesMerged)
}

func TestCoalesceDryRunTouchesNothing(t *testing.T) {
	w, base := testWriter(t)
	for i := 0; i < 3; i++ {
		_, err := w.Write(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, dataset.LayerRaw)
		require.NoError(t, err)
	}
	stats, err := w.Coalesce(context.Background(), dataset.EquityOHLC, dataset.LayerRaw,
		64*1024*1024, 10*1024*1024, true)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesMerged)
	assert.Zero(t, stats.FilesWritten)

	parts, _ := filepath.Glob(filepath.Join(base, "raw/equity_ohlc/year=2024/month=01/day=02/part-*.parquet"))
	assert.Len(t, parts, 3)
}

func TestCoalesceLockBlocksConcurrentPass(t *testing.T) {
	w, base := testWriter(t)
	_, err := w.Write(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)

	root := filepath.Join(base, "raw", "equity_ohlc")
	release, err := acquireLock(root)
	require.NoError(t, err)
	defer release()

	_, err = w.Coalesce(context.Background(), dataset.EquityOHLC, dataset.LayerRaw, 1, 1, false)
	require.Error(t, err, "second pass must refuse a live lock")
}

func TestStaleLockReclaimed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ".coalesce.lock")
	stale, _ := json.Marshal(lockInfo{PID: 1, StartedAt: time.Now().Add(-2 * lockStaleAfter)})
	require.NoError(t, os.WriteFile(path, stale, 0o644))

	release, err := acquireLock(root)
	require.NoError(t, err)
	release()
}

func TestCleanupDropsByPartitionKeyDate(t *testing.T) {
	w, base := testWriter(t)
	w.now = func() time.Time { return time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC) }
	old := ohlcBatch(t, 2)
	// rewrite trade_date to an ancient partition
	idx := old.Schema.Col("trade_date")
	for _, row := range old.Rows {
		row[idx] = time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)
	}
	_, err := w.Write(context.Background(), old, dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)
	_, err = w.Write(context.Background(), ohlcBatch(t, 3), dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)

	stats, err := w.Cleanup(dataset.EquityOHLC, dataset.LayerRaw, 365, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PartitionsDropped)

	assert.NoDirExists(t, filepath.Join(base, "raw/equity_ohlc/year=2019"))
	assert.DirExists(t, filepath.Join(base, "raw/equity_ohlc/year=2024"))
}

func TestCleanupPatternScopesPartitions(t *testing.T) {
	w, base := testWriter(t)
	w.now = func() time.Time { return time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC) }
	for year := 2018; year <= 2019; year++ {
		b := ohlcBatch(t, 2)
		idx := b.Schema.Col("trade_date")
		for _, row := range b.Rows {
			row[idx] = time.Date(year, 1, 2, 0, 0, 0, 0, time.UTC)
		}
		_, err := w.Write(context.Background(), b, dataset.EquityOHLC, dataset.LayerRaw)
		require.NoError(t, err)
	}

	// both years are past retention; the pattern limits the drop to one
	stats, err := w.Cleanup(dataset.EquityOHLC, dataset.LayerRaw, 365, "year=2018", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PartitionsDropped)
	assert.NoDirExists(t, filepath.Join(base, "raw/equity_ohlc/year=2018"))
	assert.DirExists(t, filepath.Join(base, "raw/equity_ohlc/year=2019"))

	_, err = w.Cleanup(dataset.EquityOHLC, dataset.LayerRaw, 365, "year=[", false)
	require.Error(t, err, "malformed pattern is a config error")
}

func TestPartitionDateDerivation(t *testing.T) {
	d, ok := partitionDate(filepath.Join("year=2024", "month=01", "day=02"))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), d)

	d, ok = partitionDate(filepath.Join("year=2024", "month=02"))
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d, "leap month end")

	d, ok = partitionDate("year=2023")
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), d)

	_, ok = partitionDate("quarter=Q1")
	assert.False(t, ok)
}

func TestWriteMetadata(t *testing.T) {
	w, base := testWriter(t)
	_, err := w.Write(context.Background(), ohlcBatch(t, 2, 3), dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)
	require.NoError(t, w.WriteMetadata(dataset.EquityOHLC, dataset.LayerRaw))

	raw, err := os.ReadFile(filepath.Join(base, "raw/equity_ohlc/_metadata"))
	require.NoError(t, err)
	var doc metadataDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "equity_ohlc", doc.Dataset)
	assert.Equal(t, int64(2), doc.TotalRows)
	assert.Len(t, doc.Files, 2)

	raw, err = os.ReadFile(filepath.Join(base, "raw/equity_ohlc/_common_metadata"))
	require.NoError(t, err)
	var common metadataDoc
	require.NoError(t, json.Unmarshal(raw, &common))
	assert.Empty(t, common.Files)
	assert.NotEmpty(t, common.Columns)
}

func TestGCTempFiles(t *testing.T) {
	w, base := testWriter(t)
	dir := filepath.Join(base, "raw", "equity_ohlc", "year=2024")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	orphan := filepath.Join(dir, ".tmp-lake-orphan")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, past, past))

	fresh := filepath.Join(dir, ".tmp-lake-fresh")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	removed, err := w.GCTempFiles(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, fresh)
}

func TestMaxRowsPerFileSplits(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxRowsPerFile = 2
	w := NewWriter(cfg)

	paths, err := w.Write(context.Background(), ohlcBatch(t, 2, 2, 2, 2, 2), dataset.EquityOHLC, dataset.LayerRaw)
	require.NoError(t, err)
	assert.Len(t, paths, 3, "5 rows at 2 per file")
}
