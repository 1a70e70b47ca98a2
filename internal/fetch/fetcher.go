// Package fetch downloads exchange bulletins over HTTPS with per-host
// circuit breaking, rate limiting, and bounded retry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/champion-data/champion/internal/errs"
	"github.com/champion-data/champion/internal/net/httpx"
)

// Config tunes retry and breaker behavior.
type Config struct {
	Retries          int           // retry attempts after the first
	BaseDelay        time.Duration // backoff base
	MaxDelay         time.Duration // backoff cap
	BreakerThreshold int           // consecutive failures to open
	BreakerCooldown  time.Duration // open -> half-open probe delay
	DownloadDir      string        // destination for fetched files
}

// DefaultConfig returns production retry/breaker settings.
func DefaultConfig(downloadDir string) Config {
	return Config{
		Retries:          3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
		DownloadDir:      downloadDir,
	}
}

// Fetcher downloads bulletins. One breaker per host; breaker state is
// process-local.
type Fetcher struct {
	cfg      Config
	pool     *httpx.Pool
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFetcher wires a fetcher over a shared client pool.
func NewFetcher(cfg Config, pool *httpx.Pool) *Fetcher {
	return &Fetcher{cfg: cfg, pool: pool, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// noData is the internal sentinel for an authoritative 404.
var noData = errors.New("no data for date")

// Fetch downloads one bulletin for a logical date. It returns an empty path
// and nil error when the remote authoritatively reports no data for the
// date (404 on a non-trading day).
func (f *Fetcher) Fetch(ctx context.Context, desc Descriptor, logicalDate time.Time) (string, error) {
	u, err := desc.URL(logicalDate)
	if err != nil {
		return "", err
	}
	op := "fetch." + desc.Name

	if err := os.MkdirAll(f.cfg.DownloadDir, 0o755); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}

	var rawPath string
	attempts := f.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff(f.cfg.BaseDelay, f.cfg.MaxDelay, attempt)
			log.Debug().Str("source", desc.Name).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying fetch")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
			}
		}

		rawPath, err = f.attempt(ctx, desc, u, logicalDate)
		if err == nil {
			break
		}
		if errors.Is(err, noData) {
			log.Info().Str("source", desc.Name).Time("date", logicalDate).Msg("no data for date")
			return "", nil
		}
		if !errs.IsRetryable(err) {
			return "", err
		}
		log.Warn().Err(err).Str("source", desc.Name).Int("attempt", attempt+1).Msg("fetch attempt failed")
	}
	if err != nil {
		return "", err
	}

	if desc.MediaType == MediaCSVZip {
		csvPath, err := extractSingleCSV(rawPath, desc, logicalDate, f.cfg.DownloadDir)
		os.Remove(rawPath)
		if err != nil {
			return "", err
		}
		rawPath = csvPath
	}

	log.Info().Str("source", desc.Name).Str("path", rawPath).Msg("bulletin fetched")
	return rawPath, nil
}

// attempt performs one guarded HTTP round trip and streams the body to a
// temp file that is atomically renamed into place.
func (f *Fetcher) attempt(ctx context.Context, desc Descriptor, url string, logicalDate time.Time) (string, error) {
	op := "fetch." + desc.Name

	if err := f.pool.Wait(ctx, desc.Host); err != nil {
		return "", errs.Wrap(errs.Cancelled, op, err)
	}

	br := f.breaker(desc.Host)
	res, err := br.Execute(func() (any, error) {
		return f.download(ctx, desc, url, logicalDate)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", errs.New(errs.Network, op, "circuit open for host "+desc.Host).
				MarkFatal().
				Hint("circuit", "open").
				Hint("cooldown", f.cfg.BreakerCooldown.String())
		}
		return "", err
	}
	return res.(string), nil
}

func (f *Fetcher) download(ctx context.Context, desc Descriptor, url string, logicalDate time.Time) (string, error) {
	op := "fetch." + desc.Name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errs.Wrap(errs.Network, op, err).MarkFatal()
	}
	req.Header.Set("User-Agent", f.pool.UserAgent())
	req.Header.Set("Accept", "text/csv, application/zip, */*")

	resp, err := f.pool.Client(desc.Host).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
		}
		return "", errs.Wrap(errs.Network, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to body handling
	case resp.StatusCode == http.StatusNotFound:
		// authoritative no-data; not a breaker failure either
		return "", noData
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return "", errs.Newf(errs.Network, op, "HTTP %d", resp.StatusCode)
	default:
		// remaining 4xx are not retried
		return "", errs.Newf(errs.Network, op, "HTTP %d", resp.StatusCode).MarkFatal()
	}

	ext := "csv"
	if desc.MediaType == MediaCSVZip {
		ext = "zip"
	}
	final := filepath.Join(f.cfg.DownloadDir,
		fmt.Sprintf("%s_%s.%s", desc.Name, logicalDate.Format("20060102"), ext))

	tmp, err := os.CreateTemp(f.cfg.DownloadDir, ".tmp-fetch-*")
	if err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.Cancelled, op, ctx.Err())
		}
		return "", errs.Wrap(errs.Network, op, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", errs.Wrap(errs.IO, op, err)
	}
	return final, nil
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if br, ok := f.breakers[host]; ok {
		return br
	}
	threshold := uint32(f.cfg.BreakerThreshold)
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1, // single half-open probe
		Timeout:     f.cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// an authoritative 404 is a healthy host answering
			return err == nil || errors.Is(err, noData)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	f.breakers[host] = br
	return br
}

// backoff computes bounded exponential backoff with jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max {
		d = max
	}
	// up to 25% jitter
	j := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + j
}
