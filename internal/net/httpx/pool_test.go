package httpx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientReusedPerHost(t *testing.T) {
	p := NewPool(DefaultPoolConfig())
	defer p.Close()

	a := p.Client("www.nseindia.com")
	b := p.Client("www.nseindia.com")
	c := p.Client("www.bseindia.com")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.RatePerHost = 0.1 // one request per 10s
	cfg.BurstPerHost = 1
	p := NewPool(cfg)

	ctx := context.Background()
	require.NoError(t, p.Wait(ctx, "host")) // burst token

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := p.Wait(short, "host")
	assert.Error(t, err, "second request should block past the deadline")
}

func TestLimitersIndependentAcrossHosts(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.RatePerHost = 0.1
	cfg.BurstPerHost = 1
	p := NewPool(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Wait(ctx, "nse"))
	// a different host has its own burst budget
	require.NoError(t, p.Wait(ctx, "bse"))
}
