// Package kiro implements the HTTP client for the upstream Kiro
// CodeWhisperer-style service: request shaping, event-stream decoding, and
// failure classification. Retry and account failover live in the dispatcher;
// this package performs single HTTP exchanges.
package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

const (
	defaultAgentVersion = "0.8.0"
	sdkUserAgent        = "aws-sdk-js/1.0.27 ua/2.1 os/other lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.27 m/E"

	conversePath = "/conversation"
	modelsPath   = "/models"

	connectTimeout    = 10 * time.Second
	headerTimeout     = 30 * time.Second
	streamIdleTimeout = 60 * time.Second
	requestCeiling    = 10 * time.Minute
	probeTimeout      = 30 * time.Second
)

// RequestAuth carries the per-request upstream identity: the account's
// access token and its machine fingerprint for the current day bucket.
type RequestAuth struct {
	AccessToken string
	Fingerprint string
}

// Client talks to the upstream Kiro service.
type Client struct {
	baseURL      string
	agentVersion string
	httpClient   *http.Client
	idleTimeout  time.Duration
	ceiling      time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdleTimeout overrides the inter-chunk idle limit on streams.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithRequestCeiling overrides the whole-request deadline.
func WithRequestCeiling(d time.Duration) Option {
	return func(c *Client) { c.ceiling = d }
}

// NewClient builds a client for the configured upstream base URL, routing
// egress through the configured proxy when one is set.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	util.ApplyProxy(transport, cfg.ProxyURL, dialer)
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warnf("http2 transport setup failed, staying on HTTP/1.1: %v", err)
	}
	c := &Client{
		baseURL:      cfg.KiroBaseURL,
		agentVersion: DetectAgentVersion(),
		httpClient:   &http.Client{Transport: transport},
		idleTimeout:  streamIdleTimeout,
		ceiling:      requestCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DetectAgentVersion reports the IDE version advertised to the upstream.
// Detection is best-effort: an explicit KIRO_AGENT_VERSION wins, otherwise
// the pinned default is used.
func DetectAgentVersion() string {
	if v := os.Getenv("KIRO_AGENT_VERSION"); v != "" {
		return v
	}
	return defaultAgentVersion
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, auth RequestAuth) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", sdkUserAgent)
	req.Header.Set("x-amzn-kiro-agent-version", c.agentVersion)
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", c.agentVersion, auth.Fingerprint))
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	return req, nil
}

// Converse posts one conversation request and returns the decoded event
// stream. The stream owns the response body and the request deadline; the
// caller must Close it.
func (c *Client) Converse(ctx context.Context, auth RequestAuth, payload []byte) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ceiling)
	req, err := c.newRequest(ctx, http.MethodPost, conversePath, bytes.NewReader(payload), auth)
	if err != nil {
		cancel()
		return nil, interfaces.NewError(interfaces.ErrInternal, err)
	}
	req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		cancel()
		return nil, ClassifyStatus(resp.StatusCode, body)
	}
	return newStream(resp.Body, cancel, c.idleTimeout), nil
}

// Probe issues the minimal authenticated call the health checker uses: the
// models listing the upstream IDE itself polls.
func (c *Client) Probe(ctx context.Context, auth RequestAuth) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, modelsPath+"?origin="+OriginAIEditor, http.NoBody, auth)
	if err != nil {
		return interfaces.NewError(interfaces.ErrInternal, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return ClassifyStatus(resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
