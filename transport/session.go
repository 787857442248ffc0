package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Timeout and pool sizing for the execution core. Normal calls get a
// short connect timeout and a long read timeout so slow generations do
// not trip the dialer budget. Health checks are capped hard at 5s.
const (
	dialTimeout       = 5 * time.Second
	syncReadTimeout   = 300 * time.Second
	healthReadTimeout = 5 * time.Second

	syncPoolSize    = 20
	asyncMaxConns   = 100
	asyncMaxPerHost = 50
)

// newPooledClient builds an HTTP client with an idle-connection pool of
// poolSize and the split connect/read timeout policy. Transport-level
// auto-retry stays off; the only retries in this package come from the
// explicit RetryPolicy.
func newPooledClient(proxyURL string, readTimeout time.Duration, poolSize int) (*http.Client, error) {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(parsed)
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               proxy,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
	}, nil
}

var (
	asyncClientOnce sync.Once
	asyncClient     *http.Client
)

// sharedAsyncClient returns the process-wide client used by the async
// path. One pool serves every adapter: 100 connections total, 50 per
// host, IPv4 forced to sidestep broken dual-stack upstreams.
func sharedAsyncClient() *http.Client {
	asyncClientOnce.Do(func() {
		dialer := &net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}

		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.DialContext(ctx, "tcp4", addr)
			},
			MaxIdleConns:    asyncMaxConns,
			MaxConnsPerHost: asyncMaxPerHost,
			IdleConnTimeout: 90 * time.Second,
		}

		asyncClient = &http.Client{
			Transport: transport,
			Timeout:   syncReadTimeout,
		}
	})
	return asyncClient
}
