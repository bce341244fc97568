// Package util provides small helpers shared across the proxy server:
// proxy-aware transport setup and log level switching.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ApplyProxy routes the transport's egress through the proxy named by
// proxyURL. SOCKS5, HTTP, and HTTPS proxies are supported. An empty URL is a
// no-op; a malformed one is logged and ignored so the proxy process still
// comes up with direct egress. The forward dialer carries the caller's
// connect timeout into the SOCKS5 path.
func ApplyProxy(transport *http.Transport, proxyURL string, forward *net.Dialer) {
	if proxyURL == "" {
		return
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", proxyURL, err)
		return
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, forward)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		log.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
}
