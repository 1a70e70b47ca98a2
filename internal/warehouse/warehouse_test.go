package warehouse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/batch"
	"github.com/champion-data/champion/internal/config"
	"github.com/champion-data/champion/internal/dataset"
	"github.com/champion-data/champion/internal/envelope"
	"github.com/champion-data/champion/internal/errs"
)

type fakeBatch struct {
	rows    [][]any
	sent    bool
	aborted bool
	failOn  int // Append fails when reaching this row count; 0 disables
}

func (f *fakeBatch) Append(v ...any) error {
	if f.failOn > 0 && len(f.rows)+1 >= f.failOn {
		return assert.AnError
	}
	f.rows = append(f.rows, v)
	return nil
}

func (f *fakeBatch) Send() error  { f.sent = true; return nil }
func (f *fakeBatch) Abort() error { f.aborted = true; return nil }

type fakeRow struct {
	count uint64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*uint64); ok {
		*p = r.count
	}
	if p, ok := dest[0].(*uint8); ok {
		*p = 1
	}
	return nil
}

type fakeConn struct {
	execs        []string
	batches      []*fakeBatch
	queryCount   uint64
	queryErr     error
	appendFailOn int
}

func (c *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	c.execs = append(c.execs, query)
	return nil
}

func (c *fakeConn) QueryRow(_ context.Context, _ string, _ ...any) row {
	return fakeRow{count: c.queryCount, err: c.queryErr}
}

func (c *fakeConn) PrepareBatch(_ context.Context, _ string) (appender, error) {
	b := &fakeBatch{failOn: c.appendFailOn}
	c.batches = append(c.batches, b)
	return b, nil
}

func (c *fakeConn) Close() error { return nil }

func testLoader(t *testing.T, conn *fakeConn, verify bool) *Loader {
	t.Helper()
	cfg := config.WarehouseConfig{Database: "champion", ChunkRows: 100_000}
	return newLoader(conn, cfg, Options{StateDir: t.TempDir(), Verify: verify})
}

func ohlcBatch(t *testing.T, n int) *batch.Batch {
	t.Helper()
	b := batch.New(dataset.EquityOHLC.Schema)
	td := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		sym := "SYM" + string(rune('A'+i%26))
		env := envelope.Stamp("nse_cm_bhavcopy", "v1", sym+"|"+string(rune('A'+i)),
			td.Add(10*time.Hour), envelope.FixedClock{T: td.Add(12 * time.Hour)})
		require.NoError(t, b.AppendRow(append(env.Columns(),
			sym, "INE00"+string(rune('A'+i)), td, nil, "NSE",
			100.0, 110.0, 95.0, 105.0, nil, nil, int64(1000), nil, nil)))
	}
	return b
}

func TestLoadBatchChunksAndSends(t *testing.T) {
	conn := &fakeConn{}
	l := testLoader(t, conn, false)
	l.chunkRows = 3

	res, err := l.LoadBatch(context.Background(), ohlcBatch(t, 8), dataset.EquityOHLC, "hash1", false)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Rows)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, "202401", res.Partition)

	require.Len(t, conn.batches, 3)
	for _, fb := range conn.batches {
		assert.True(t, fb.sent)
	}
	assert.Len(t, conn.batches[0].rows, 3)
	assert.Len(t, conn.batches[2].rows, 2)
}

func TestLoadMarkerMakesReloadNoOp(t *testing.T) {
	conn := &fakeConn{}
	l := testLoader(t, conn, false)
	b := ohlcBatch(t, 2)

	res, err := l.LoadBatch(context.Background(), b, dataset.EquityOHLC, "samehash", false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = l.LoadBatch(context.Background(), b, dataset.EquityOHLC, "samehash", false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, conn.batches, 1, "second load never reached the wire")

	// force bypasses the marker
	res, err = l.LoadBatch(context.Background(), b, dataset.EquityOHLC, "samehash", true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, conn.batches, 2)
}

func TestVerifyMismatchIsFatalLoadMismatch(t *testing.T) {
	conn := &fakeConn{queryCount: 1} // warehouse reports 1, source has 2
	l := testLoader(t, conn, true)

	_, err := l.LoadBatch(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, "h", false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.LoadMismatch))
	assert.False(t, errs.IsRetryable(err), "retry would mask silent row loss")
	assert.Equal(t, errs.ExitLoadMismatch, errs.ExitCode(err))

	// no marker written for a failed verify
	res, err2 := l.LoadBatch(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, "h", false)
	_ = res
	require.Error(t, err2, "reload re-attempts instead of skipping")
}

func TestVerifyPassWritesMarker(t *testing.T) {
	conn := &fakeConn{queryCount: 2}
	l := testLoader(t, conn, true)

	res, err := l.LoadBatch(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, "h", false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = l.LoadBatch(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, "h", false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestAppendFailureAbortsAndIsFatal(t *testing.T) {
	conn := &fakeConn{appendFailOn: 1}
	l := testLoader(t, conn, false)

	_, err := l.LoadBatch(context.Background(), ohlcBatch(t, 2), dataset.EquityOHLC, "h", false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Schema))
	assert.False(t, errs.IsRetryable(err))
	assert.True(t, conn.batches[0].aborted)
}

func TestEnsureSchemaCreatesEveryTable(t *testing.T) {
	conn := &fakeConn{}
	l := testLoader(t, conn, false)
	require.NoError(t, l.EnsureSchema(context.Background()))
	assert.Len(t, conn.execs, len(dataset.All()))
	for _, ddl := range conn.execs {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS champion.")
		assert.Contains(t, ddl, "ReplacingMergeTree(ingest_time)")
	}
}

func TestOHLCTableDDLShape(t *testing.T) {
	ddl, err := tableDDL("champion", dataset.EquityOHLC)
	require.NoError(t, err)
	assert.Contains(t, ddl, "PARTITION BY toYYYYMM(trade_date)")
	assert.Contains(t, ddl, "ORDER BY (symbol, instrument_id, trade_date)")
	assert.Contains(t, ddl, "trade_date Date")
	assert.Contains(t, ddl, "ingest_time DateTime64(6, 'UTC')")
	assert.Contains(t, ddl, "series LowCardinality(Nullable(String))")
	assert.Contains(t, ddl, "turnover Nullable(Float64)")
	assert.Contains(t, ddl, "TTL trade_date + toIntervalDay(1095)")
}

func TestFinancialsDDLPartitionsByYearColumn(t *testing.T) {
	ddl, err := tableDDL("champion", dataset.QuarterlyFinancials)
	require.NoError(t, err)
	assert.Contains(t, ddl, "PARTITION BY year")
	assert.Contains(t, ddl, "ORDER BY (symbol, year, quarter)")
}

func TestInsertQueryListsColumns(t *testing.T) {
	q := insertQuery("champion", dataset.EquityOHLC, dataset.EquityOHLC.Schema)
	assert.True(t, strings.HasPrefix(q, "INSERT INTO champion.equity_ohlc (event_id, "))
	assert.Contains(t, q, "trade_date")
}

func TestMarkerPartitionDerivation(t *testing.T) {
	assert.Equal(t, "202401", markerPartition(dataset.EquityOHLC, ohlcBatch(t, 1)))

	fb := batch.New(dataset.QuarterlyFinancials.Schema)
	env := envelope.Stamp("nse_quarterly_financials", "v1", "RELIANCE|2023|Q3",
		time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC),
		envelope.FixedClock{T: time.Now().UTC()})
	require.NoError(t, fb.AppendRow(append(env.Columns(),
		"RELIANCE", int64(2023), "Q3", 1.0, nil, nil, nil, 1.0, nil, nil)))
	assert.Equal(t, "2023-Q3", markerPartition(dataset.QuarterlyFinancials, fb))
}

func TestExpandPartitionColumns(t *testing.T) {
	full := batch.New(dataset.QuarterlyFinancials.Schema)
	env := envelope.Stamp("nse_quarterly_financials", "v1", "TCS|2023|Q3",
		time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC),
		envelope.FixedClock{T: time.Now().UTC()})
	require.NoError(t, full.AppendRow(append(env.Columns(),
		"TCS", int64(2023), "Q3", 100.0, nil, nil, nil, 50.0, nil, nil)))

	body, err := full.Select([]string{
		"event_id", "event_time", "ingest_time", "source", "schema_version", "entity_id",
		"symbol", "quarter", "revenue", "expenses", "pbt", "tax", "pat", "eps_basic", "eps_diluted",
	})
	require.NoError(t, err)

	out, err := expandPartitionColumns(body, dataset.QuarterlyFinancials,
		map[string]string{"year": "2023"})
	require.NoError(t, err)
	year, ok := out.Int64At(0, "year")
	require.True(t, ok)
	assert.Equal(t, int64(2023), year)
	sym, _ := out.StringAt(0, "symbol")
	assert.Equal(t, "TCS", sym)

	_, err = expandPartitionColumns(body, dataset.QuarterlyFinancials, map[string]string{})
	assert.Error(t, err, "missing partition value must fail")
}

func TestPartValuesFromPath(t *testing.T) {
	vals := partValuesFromPath("/lake/raw/equity_ohlc/year=2024/month=01/day=02/part-00000.parquet")
	assert.Equal(t, "2024", vals["year"])
	assert.Equal(t, "01", vals["month"])
	assert.Equal(t, "02", vals["day"])
}
