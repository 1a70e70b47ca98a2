package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ohlcSchema() *Schema {
	return WithEnvelope("equity_ohlc", "v1", []Column{
		{Name: "symbol", Kind: KindLowCardString, Key: true},
		{Name: "instrument_id", Kind: KindString, Key: true},
		{Name: "trade_date", Kind: KindDate, Key: true},
		{Name: "open", Kind: KindFloat64},
		{Name: "high", Kind: KindFloat64},
		{Name: "low", Kind: KindFloat64},
		{Name: "close", Kind: KindFloat64},
		{Name: "volume", Kind: KindInt64},
		{Name: "prev_close", Kind: KindFloat64, Nullable: true},
	})
}

func sampleRow(sym string, ts time.Time) []any {
	return []any{
		"evt-" + sym, ts, ts.Add(time.Minute), "nse_cm_bhavcopy", "v1", sym + "|EQ",
		sym, "INE000A01001", ts.Truncate(24 * time.Hour),
		100.0, 110.0, 95.0, 105.0, int64(5000), nil,
	}
}

func TestAppendRowTypeChecked(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)

	require.NoError(t, b.AppendRow(sampleRow("RELIANCE", now)))
	assert.Equal(t, 1, b.Len())

	bad := sampleRow("TCS", now)
	bad[9] = "not-a-float" // open column
	assert.Error(t, b.AppendRow(bad))

	short := sampleRow("TCS", now)[:5]
	assert.Error(t, b.AppendRow(short))
}

func TestNullabilityRespectsKeys(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)

	row := sampleRow("INFY", now)
	row[6] = nil // symbol is a key column
	assert.Error(t, b.AppendRow(row))

	ok := sampleRow("INFY", now)
	ok[14] = nil // prev_close is nullable
	assert.NoError(t, b.AppendRow(ok))
}

func TestTypedAccessors(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)
	require.NoError(t, b.AppendRow(sampleRow("SBIN", now)))

	high, ok := b.Float64At(0, "high")
	require.True(t, ok)
	assert.Equal(t, 110.0, high)

	vol, ok := b.Int64At(0, "volume")
	require.True(t, ok)
	assert.Equal(t, int64(5000), vol)

	_, ok = b.Float64At(0, "prev_close") // null cell
	assert.False(t, ok)

	_, ok = b.Float64At(0, "no_such_col")
	assert.False(t, ok)
}

func TestChunksCoverAllRows(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		require.NoError(t, b.AppendRow(sampleRow("SYM", now.Add(time.Duration(i)*time.Second))))
	}

	chunks := b.Chunks(10)
	require.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		total += c.Len()
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, 5, chunks[2].Len())
}

func TestSelectDropsColumns(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)
	require.NoError(t, b.AppendRow(sampleRow("HDFC", now)))

	out, err := b.Select([]string{"symbol", "close"})
	require.NoError(t, err)
	assert.Equal(t, 2, len(out.Schema.Columns))
	sym, _ := out.StringAt(0, "symbol")
	assert.Equal(t, "HDFC", sym)
	assert.False(t, out.Schema.Has("open"))

	_, err = b.Select([]string{"ghost"})
	assert.Error(t, err)
}

func TestKeyTupleStable(t *testing.T) {
	b := New(ohlcSchema())
	now := time.Date(2024, 1, 2, 18, 0, 0, 0, time.UTC)
	require.NoError(t, b.AppendRow(sampleRow("ITC", now)))
	k1 := b.KeyTuple(0)
	k2 := b.KeyTuple(0)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "ITC")
	assert.Contains(t, k1, "INE000A01001")
}
