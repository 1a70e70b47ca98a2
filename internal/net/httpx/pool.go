// Package httpx provides pooled per-host HTTP clients with explicit
// timeouts and polite per-host rate limiting for exchange bulletin hosts.
package httpx

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PoolConfig defines transport and pacing behavior shared by all hosts.
type PoolConfig struct {
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	UserAgent           string
	RatePerHost         float64 // sustained requests/sec per host
	BurstPerHost        int
}

// DefaultPoolConfig returns production settings tuned for EOD bulletin
// downloads: exchanges throttle aggressively, so pacing stays conservative.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:      10 * time.Second,
		ReadTimeout:         60 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "champion-data/1.0",
		RatePerHost:         2,
		BurstPerHost:        2,
	}
}

// Pool hands out one pooled client and one rate limiter per host.
type Pool struct {
	cfg      PoolConfig
	mu       sync.Mutex
	clients  map[string]*http.Client
	limiters map[string]*rate.Limiter
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.RatePerHost <= 0 {
		cfg.RatePerHost = DefaultPoolConfig().RatePerHost
	}
	if cfg.BurstPerHost <= 0 {
		cfg.BurstPerHost = 1
	}
	return &Pool{
		cfg:      cfg,
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Client returns the pooled client for a host, creating it on first use.
func (p *Pool) Client(host string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[host]; ok {
		return c
	}
	c := p.newClient()
	p.clients[host] = c
	return c
}

// Wait blocks until the host's rate limiter admits one request, or the
// context is done.
func (p *Pool) Wait(ctx context.Context, host string) error {
	p.mu.Lock()
	lim, ok := p.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.RatePerHost), p.cfg.BurstPerHost)
		p.limiters[host] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}

// UserAgent returns the polite UA applied to every outbound request.
func (p *Pool) UserAgent() string { return p.cfg.UserAgent }

func (p *Pool) newClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   p.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
		TLSHandshakeTimeout: p.cfg.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
			MinVersion:         tls.VersionTLS12,
		},
		ForceAttemptHTTP2:     true,
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: p.cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   p.cfg.ReadTimeout + p.cfg.ConnectTimeout,
	}
}

// Close releases idle connections for every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
	p.clients = make(map[string]*http.Client)
}
