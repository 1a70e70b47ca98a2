package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/champion-data/champion/internal/errs"
)

func instantRunner(t *testing.T, sink MetricSink) (*Runner, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	r := NewRunner(sink, t.TempDir())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestRunSuccessFirstAttempt(t *testing.T) {
	sink := NewTestSink()
	r, _ := instantRunner(t, sink)

	res, err := r.Run(context.Background(), WriteSpec("lake_write"), "", func(ctx context.Context, rec *Recorder) (any, error) {
		rec.RowsIn = 100
		rec.RowsOut = 98
		rec.BytesOut = 4096
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 100, res.RowsIn)
	assert.Equal(t, 98, res.RowsOut)
	assert.Equal(t, int64(4096), res.BytesOut)
	assert.Equal(t, 1, sink.RunCount("lake_write", "success"))
	assert.Len(t, sink.Durations["lake_write"], 1)
}

func TestRetriesOnRetryableThenSucceeds(t *testing.T) {
	sink := NewTestSink()
	r, slept := instantRunner(t, sink)

	calls := 0
	spec := FetchSpec("fetch_bhav")
	spec.Jitter = 0
	res, err := r.Run(context.Background(), spec, "", func(ctx context.Context, rec *Recorder) (any, error) {
		calls++
		if calls < 3 {
			return nil, errs.New(errs.Network, "fetch", "503 from upstream")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, *slept, 2)
	// exponential: base, 2x base
	assert.Equal(t, 500*time.Millisecond, (*slept)[0])
	assert.Equal(t, time.Second, (*slept)[1])
	assert.Equal(t, 1, sink.RunCount("fetch_bhav", "success"))
	assert.Len(t, sink.Durations["fetch_bhav"], 3, "one observation per attempt")
}

func TestFatalErrorNotRetried(t *testing.T) {
	sink := NewTestSink()
	r, slept := instantRunner(t, sink)

	calls := 0
	_, err := r.Run(context.Background(), FetchSpec("fetch"), "", func(ctx context.Context, rec *Recorder) (any, error) {
		calls++
		return nil, errs.New(errs.Validation, "check", "bad rows").MarkFatal()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
	assert.True(t, errs.IsKind(err, errs.Validation))
	assert.Equal(t, 1, sink.RunCount("fetch", "failed"))
}

func TestRetryableKindsWidenPolicy(t *testing.T) {
	r, _ := instantRunner(t, nil)

	calls := 0
	spec := Spec{Name: "custom", Retries: 2, BaseDelay: time.Millisecond,
		RetryableKinds: []errs.Kind{errs.IO}}
	_, err := r.Run(context.Background(), spec, "", func(ctx context.Context, rec *Recorder) (any, error) {
		calls++
		return nil, errs.New(errs.IO, "disk", "transient io").MarkFatal()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "IO marked retryable by spec")
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	r, _ := instantRunner(t, nil)
	spec := Spec{Name: "flaky", Retries: 2, BaseDelay: time.Millisecond}

	calls := 0
	_, err := r.Run(context.Background(), spec, "", func(ctx context.Context, rec *Recorder) (any, error) {
		calls++
		return nil, errs.New(errs.Network, "fetch", "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errs.IsKind(err, errs.Network))
}

func TestPanicContained(t *testing.T) {
	sink := NewTestSink()
	r, _ := instantRunner(t, sink)

	_, err := r.Run(context.Background(), WriteSpec("boom"), "", func(ctx context.Context, rec *Recorder) (any, error) {
		panic("nil map write")
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Unknown))
	assert.False(t, errs.IsRetryable(err))
	assert.Equal(t, 1, sink.RunCount("boom", "failed"))
}

func TestTimeoutMapsToTimeoutKind(t *testing.T) {
	r := NewRunner(nil, t.TempDir())
	spec := Spec{Name: "slow", Timeout: 10 * time.Millisecond}

	_, err := r.Run(context.Background(), spec, "", func(ctx context.Context, rec *Recorder) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Timeout))
}

func TestCancellationStopsRetries(t *testing.T) {
	sink := NewTestSink()
	r, _ := instantRunner(t, sink)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	spec := Spec{Name: "cancelme", Retries: 5, BaseDelay: time.Millisecond}
	_, err := r.Run(ctx, spec, "", func(c context.Context, rec *Recorder) (any, error) {
		calls++
		cancel()
		return nil, errs.New(errs.Network, "fetch", "flap")
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Cancelled))
	assert.Equal(t, errs.ExitCancelled, errs.ExitCode(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, sink.RunCount("cancelme", "cancelled"))
}

func TestFingerprintCacheHit(t *testing.T) {
	sink := NewTestSink()
	r, _ := instantRunner(t, sink)
	spec := FetchSpec("fetch_cached")
	fp := Fingerprint("nse_cm_bhavcopy", "2024-01-02")

	calls := 0
	fn := func(ctx context.Context, rec *Recorder) (any, error) {
		calls++
		return map[string]any{"path": "/data/raw.csv"}, nil
	}

	res, err := r.Run(context.Background(), spec, fp, fn)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)

	res, err = r.Run(context.Background(), spec, fp, fn)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 1, calls, "second run served from cache")
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/data/raw.csv", out["path"])
	assert.Equal(t, 1, sink.RunCount("fetch_cached", "cache_hit"))
}

func TestCacheExpires(t *testing.T) {
	r, _ := instantRunner(t, nil)
	clock := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	spec := Spec{Name: "ttl", CacheTTL: time.Hour}
	fp := Fingerprint("x")
	calls := 0
	fn := func(ctx context.Context, rec *Recorder) (any, error) { calls++; return nil, nil }

	_, err := r.Run(context.Background(), spec, fp, fn)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = r.Run(context.Background(), spec, fp, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expired entry re-executes")
}

func TestDifferentFingerprintsDoNotCollide(t *testing.T) {
	assert.NotEqual(t, Fingerprint("nse", "2024-01-02"), Fingerprint("nse", "2024-01-03"))
	assert.NotEqual(t, Fingerprint("a|b"), Fingerprint("a", "b"))
}

func TestBackoffCapped(t *testing.T) {
	spec := Spec{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	assert.Equal(t, time.Second, backoff(spec, 1))
	assert.Equal(t, 2*time.Second, backoff(spec, 2))
	assert.Equal(t, 4*time.Second, backoff(spec, 3))
	assert.Equal(t, 4*time.Second, backoff(spec, 10))
}
