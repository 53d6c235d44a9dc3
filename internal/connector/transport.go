package connector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyURL returns the HTTP proxy the feed routes through, preferring
// the https entry since every exchange endpoint is https. Nil means no
// explicit HTTP proxy is configured.
func (c FeedConfig) ProxyURL() (*url.URL, error) {
	raw := c.ProxyHTTPS
	if raw == "" {
		raw = c.ProxyHTTP
	}
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy url %q: %w", raw, err)
	}
	return u, nil
}

// NewHTTPClient builds the pooled client snapshot fetches go through.
// An explicit HTTP(S) proxy wins over SOCKS5; with neither configured
// the environment decides. Connect and TLS handshake carry their own
// deadlines below the overall request timeout.
func NewHTTPClient(cfg FeedConfig) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	httpProxy, err := cfg.ProxyURL()
	if err != nil {
		return nil, err
	}
	switch {
	case httpProxy != nil:
		transport.Proxy = http.ProxyURL(httpProxy)
	case cfg.ProxySOCKS != "":
		socks, err := proxy.SOCKS5("tcp", cfg.ProxySOCKS, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks proxy %q: %w", cfg.ProxySOCKS, err)
		}
		transport.Proxy = nil
		if cd, ok := socks.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}, nil
}
