// Package upstream provides HTTP client construction for calls to the
// CodeWhisperer API and its auth services, including proxy resolution with
// the credential > pool > global precedence and a shared pooled client for
// the common no-proxy case.
package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyConfig describes one proxy source. An empty URL means unset.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// IsSet reports whether this source names a proxy.
func (p ProxyConfig) IsSet() bool {
	return strings.TrimSpace(p.URL) != ""
}

// ResolveProxy returns the first set proxy source, in the order given.
// Callers pass sources in precedence order: credential, pool, global.
func ResolveProxy(sources ...ProxyConfig) ProxyConfig {
	for _, p := range sources {
		if p.IsSet() {
			return p
		}
	}
	return ProxyConfig{}
}

var (
	pooledClient     *http.Client
	pooledClientOnce sync.Once
)

// getPooledClient returns the shared direct-connection client. Connection
// pooling matters here: every relayed request hits the same upstream host.
func getPooledClient() *http.Client {
	pooledClientOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		}
		pooledClient = &http.Client{Transport: transport}
	})
	return pooledClient
}

// NewHTTPClient builds a client honouring the resolved proxy. With no proxy
// the shared pooled client is reused (wrapped with the timeout when one is
// requested). Timeout zero means no client-level timeout; streaming callers
// rely on context cancellation instead.
func NewHTTPClient(ctx context.Context, proxyCfg ProxyConfig, timeout time.Duration) *http.Client {
	if !proxyCfg.IsSet() {
		base := getPooledClient()
		if timeout > 0 {
			return &http.Client{Transport: base.Transport, Timeout: timeout}
		}
		return base
	}

	transport := newProxyTransport(proxyCfg)
	return &http.Client{Transport: transport, Timeout: timeout}
}

func newProxyTransport(proxyCfg ProxyConfig) *http.Transport {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	proxyURL, err := url.Parse(proxyCfg.URL)
	if err != nil {
		log.Warnf("upstream: invalid proxy url %q, using direct connection: %v", proxyCfg.URL, err)
		return transport
	}

	switch strings.ToLower(proxyURL.Scheme) {
	case "socks5":
		var auth *proxy.Auth
		if proxyCfg.Username != "" {
			auth = &proxy.Auth{User: proxyCfg.Username, Password: proxyCfg.Password}
		} else if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &proxy.Auth{User: user.Username(), Password: password}
		}
		dialer, errSocks := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if errSocks != nil {
			log.Warnf("upstream: socks5 proxy setup failed, using direct connection: %v", errSocks)
			return transport
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		if proxyCfg.Username != "" && proxyURL.User == nil {
			proxyURL.User = url.UserPassword(proxyCfg.Username, proxyCfg.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	default:
		log.Warnf("upstream: unsupported proxy scheme %q, using direct connection", proxyURL.Scheme)
	}
	return transport
}
