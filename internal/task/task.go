// Package task is the execution substrate for pipeline steps: retries
// with bounded exponential backoff, timeouts, fingerprint caching, panic
// containment, and per-attempt metrics.
package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/errs"
)

// Spec declares one task's execution policy.
type Spec struct {
	Name       string
	Retries    int           // additional attempts after the first
	BaseDelay  time.Duration // first backoff
	MaxDelay   time.Duration // backoff cap
	Jitter     float64       // fraction of delay added randomly, e.g. 0.25
	Timeout    time.Duration // per-attempt; 0 means none
	CacheTTL   time.Duration // fingerprint cache window; 0 disables
	// RetryableKinds widens retry beyond the error's own retryable flag.
	RetryableKinds []errs.Kind
}

// FetchSpec is the default policy for network-bound tasks.
func FetchSpec(name string) Spec {
	return Spec{
		Name:      name,
		Retries:   3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Jitter:    0.25,
		Timeout:   2 * time.Minute,
		CacheTTL:  24 * time.Hour,
	}
}

// WriteSpec is the default policy for lake/warehouse writes: retried on
// transient failures, never cached.
func WriteSpec(name string) Spec {
	return Spec{
		Name:      name,
		Retries:   2,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    0.25,
		Timeout:   10 * time.Minute,
	}
}

// Recorder accumulates observable side-channel numbers from a task body.
type Recorder struct {
	RowsIn   int
	RowsOut  int
	BytesOut int64
}

// Fn is a task body. The returned value must be JSON-marshalable when the
// spec enables caching.
type Fn func(ctx context.Context, rec *Recorder) (any, error)

// Result reports one completed Run.
type Result struct {
	Task     string        `json:"task"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	RowsIn   int           `json:"rows_in"`
	RowsOut  int           `json:"rows_out"`
	BytesOut int64         `json:"bytes_out"`
	CacheHit bool          `json:"cache_hit"`
	Output   any           `json:"-"`
}

// Runner executes specs. Safe for concurrent use.
type Runner struct {
	sink     MetricSink
	stateDir string
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
}

func NewRunner(sink MetricSink, stateDir string) *Runner {
	if sink == nil {
		sink = NopSink{}
	}
	return &Runner{
		sink:     sink,
		stateDir: stateDir,
		sleep:    sleepCtx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fingerprint hashes task inputs into a cache key.
func Fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}

// Run executes the task under the spec's policy. fingerprint may be empty
// to bypass the cache regardless of CacheTTL.
func (r *Runner) Run(ctx context.Context, spec Spec, fingerprint string, fn Fn) (*Result, error) {
	op := "task." + spec.Name
	started := r.now()
	res := &Result{Task: spec.Name}

	if out, ok := r.cacheLookup(spec, fingerprint); ok {
		res.CacheHit = true
		res.Output = out
		r.sink.CountRun(spec.Name, "cache_hit")
		log.Debug().Str("task", spec.Name).Str("fingerprint", fingerprint).Msg("task cache hit")
		return res, nil
	}

	var lastErr error
	for attempt := 0; attempt <= spec.Retries; attempt++ {
		if attempt > 0 {
			delay := backoff(spec, attempt)
			log.Warn().Str("task", spec.Name).Int("attempt", attempt+1).
				Dur("backoff", delay).Err(lastErr).Msg("retrying task")
			if err := r.sleep(ctx, delay); err != nil {
				r.finish(res, started, "cancelled")
				return res, errs.Wrap(errs.Cancelled, op, err)
			}
		}
		res.Attempts = attempt + 1

		out, err := r.attempt(ctx, spec, fn, res)
		if err == nil {
			res.Output = out
			r.finish(res, started, "success")
			r.cacheStore(spec, fingerprint, out)
			return res, nil
		}
		lastErr = err
		if errs.IsKind(err, errs.Cancelled) {
			r.finish(res, started, "cancelled")
			return res, err
		}
		if !r.retryable(spec, err) {
			break
		}
	}

	r.finish(res, started, "failed")
	return res, errs.Wrap(errs.KindOf(lastErr), op, lastErr)
}

// attempt runs the body once under the per-attempt timeout, containing
// panics as fatal Unknown errors.
func (r *Runner) attempt(ctx context.Context, spec Spec, fn Fn, res *Result) (out any, err error) {
	op := "task." + spec.Name
	attemptCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("task", spec.Name).Interface("panic", p).
				Str("stack", string(debug.Stack())).Msg("task panicked")
			err = errs.Newf(errs.Unknown, op, "panic: %v", p).MarkFatal()
		}
	}()

	rec := &Recorder{}
	attemptStart := r.now()
	out, err = fn(attemptCtx, rec)
	r.sink.ObserveDuration(spec.Name, r.now().Sub(attemptStart).Seconds())
	res.RowsIn += rec.RowsIn
	res.RowsOut += rec.RowsOut
	res.BytesOut += rec.BytesOut

	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errs.Wrap(errs.Timeout, op, err)
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Cancelled, op, err)
		}
	}
	return out, err
}

func (r *Runner) finish(res *Result, started time.Time, status string) {
	res.Duration = r.now().Sub(started)
	r.sink.AddRows(res.Task, res.RowsIn, res.RowsOut)
	r.sink.AddBytes(res.Task, res.BytesOut)
	r.sink.CountRun(res.Task, status)
}

func (r *Runner) retryable(spec Spec, err error) bool {
	if errs.IsRetryable(err) {
		return true
	}
	kind := errs.KindOf(err)
	for _, k := range spec.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// backoff is base << (attempt-1), capped, plus proportional jitter.
func backoff(spec Spec, attempt int) time.Duration {
	base := spec.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if spec.MaxDelay > 0 && d > spec.MaxDelay {
		d = spec.MaxDelay
	}
	if spec.Jitter > 0 {
		d += time.Duration(rand.Float64() * spec.Jitter * float64(d))
	}
	return d
}

// cacheEntry is one fingerprint cache file.
type cacheEntry struct {
	CompletedAt time.Time       `json:"completed_at"`
	Output      json.RawMessage `json:"output,omitempty"`
}

func (r *Runner) cachePath(spec Spec, fingerprint string) string {
	if r.stateDir == "" || fingerprint == "" || spec.CacheTTL <= 0 {
		return ""
	}
	return filepath.Join(r.stateDir, "task_cache", spec.Name, fingerprint+".json")
}

func (r *Runner) cacheLookup(spec Spec, fingerprint string) (any, bool) {
	path := r.cachePath(spec, fingerprint)
	if path == "" {
		return nil, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	if r.now().Sub(entry.CompletedAt) > spec.CacheTTL {
		os.Remove(path)
		return nil, false
	}
	if len(entry.Output) == 0 {
		return nil, true
	}
	var out any
	if err := json.Unmarshal(entry.Output, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (r *Runner) cacheStore(spec Spec, fingerprint string, out any) {
	path := r.cachePath(spec, fingerprint)
	if path == "" {
		return
	}
	entry := cacheEntry{CompletedAt: r.now()}
	if out != nil {
		raw, err := json.Marshal(out)
		if err != nil {
			log.Warn().Str("task", spec.Name).Err(err).Msg("task output not cacheable")
			return
		}
		entry.Output = raw
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-cache-*")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())
	if json.NewEncoder(tmp).Encode(entry) != nil {
		tmp.Close()
		return
	}
	tmp.Close()
	os.Rename(tmp.Name(), path)
}
