package ibkr

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"possync/internal/config"
	"possync/internal/gateway/broker"
	"possync/internal/logger"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

var log = logger.For("IBKR")

// snapshotFields: last price, delta, gamma, theta, vega, implied vol.
var snapshotFields = []string{"31", "7308", "7309", "7310", "7311", "7633"}

const (
	fieldLast    = "31"
	fieldDelta   = "7308"
	fieldGamma   = "7309"
	fieldTheta   = "7310"
	fieldVega    = "7311"
	fieldImplVol = "7633"
)

// Client talks to an IB Client Portal gateway. It implements broker.Broker.
type Client struct {
	baseURL    *url.URL
	wsURL      string
	accountID  string
	httpClient *http.Client
	limiter    *rate.Limiter
	tlsConfig  *tls.Config
	buffer     int

	streamMu sync.Mutex
	stream   *stream

	nowFn func() time.Time
}

var _ broker.Broker = (*Client)(nil)

// NewClient constructs a client from the broker section of the config.
func NewClient(cfg config.BrokerConfig, handlerBuffer int) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("broker.base_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 broker.base_url 失败: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsCfg *tls.Config
	if cfg.InsecureSkipVerify {
		// The Client Portal gateway ships a self-signed certificate.
		tlsCfg = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		transport.TLSClientConfig = tlsCfg
	}
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if handlerBuffer <= 0 {
		handlerBuffer = 64
	}
	return &Client{
		baseURL:    parsed,
		wsURL:      strings.TrimSpace(cfg.WSURL),
		accountID:  strings.TrimSpace(cfg.AccountID),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(perSec), burst),
		tlsConfig:  tlsCfg,
		buffer:     handlerBuffer,
		nowFn:      time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close tears down the streaming connection, ending every subscription.
func (c *Client) Close() error {
	c.streamMu.Lock()
	s := c.stream
	c.stream = nil
	c.streamMu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}
	endpoint := c.resolveEndpoint(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, &broker.Error{Op: op, Message: "request failed", Temporary: true, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, &broker.Error{Op: op, Message: "read body", Temporary: true, Err: err}
	}
	if resp.StatusCode >= 300 {
		return gjson.Result{}, statusError(op, resp.StatusCode, data)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &broker.Error{Op: op, HTTPStatus: resp.StatusCode, Message: "invalid json response"}
	}
	parsed := gjson.ParseBytes(data)
	if msg := parsed.Get("error").String(); msg != "" {
		return gjson.Result{}, bodyError(op, resp.StatusCode, msg)
	}
	return parsed, nil
}

func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(gjson.GetBytes(body, "error").String())
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if be := bodyError(op, status, msg); broker.CodeOf(be) != 0 {
		return be
	}
	return &broker.Error{
		Op:         op,
		HTTPStatus: status,
		Message:    msg,
		Temporary:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// bodyError recognises the few gateway messages that map onto IB codes.
func bodyError(op string, status int, msg string) error {
	lower := strings.ToLower(msg)
	code := 0
	switch {
	case strings.Contains(lower, "no security definition"):
		code = broker.CodeNoSecurityDef
	case strings.Contains(lower, "competing session"):
		code = broker.CodeCompetingSession
	case strings.Contains(lower, "pacing violation"):
		code = broker.CodePacingViolation
	case strings.Contains(lower, "not subscribed"):
		code = broker.CodeNotSubscribed
	}
	return &broker.Error{Op: op, Code: code, HTTPStatus: status, Message: msg}
}

func (c *Client) resolveEndpoint(path string) *url.URL {
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &base
}
