// Package api talks to the light-mining HTTP API through the rotating proxy pool.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bardlex/lightmine/internal/proxy"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
	"github.com/bardlex/lightmine/pkg/retry"
)

// DefaultBaseURL is the mining API origin. All request paths are relative to it.
const DefaultBaseURL = "https://lightmining-api.taker.xyz/"

const maxErrorBody = 512

// Envelope is the JSON wrapper every API response uses.
type Envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// HasData reports whether the envelope carries a non-null data field.
func (e *Envelope) HasData() bool {
	return e != nil && len(e.Data) > 0 && !bytes.Equal(e.Data, []byte("null"))
}

// DecodeData unmarshals the data field into v.
func (e *Envelope) DecodeData(v any) error {
	if !e.HasData() {
		return errors.New(errors.ErrorTypeApplication, "decode_data", "response has no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeApplication, "decode_data",
			"response data has unexpected shape")
	}
	return nil
}

// Request describes one logical API call.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   any
}

// Attempt is reported to the AttemptObserver after every proxied try.
type Attempt struct {
	Method     string
	Path       string
	Proxy      string
	Number     int
	StatusCode int
	Duration   time.Duration
	Err        error
}

// AttemptObserver receives per-attempt telemetry.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, a Attempt)
}

// Config holds requester settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultConfig returns three attempts with a fixed three-second delay.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     DefaultBaseURL,
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  3 * time.Second,
	}
}

// Requester sends API requests, taking a fresh proxy from the pool on every
// attempt and retrying failed attempts on the next proxy.
type Requester struct {
	pool     *proxy.Pool
	baseURL  *url.URL
	cfg      *Config
	logger   *log.Logger
	observer AttemptObserver
}

// NewRequester creates a requester bound to a proxy pool.
func NewRequester(pool *proxy.Pool, cfg *Config, logger *log.Logger) (*Requester, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New(errors.ErrorTypeConfiguration, "api_requester",
			"invalid API base URL").WithContext("base_url", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	return &Requester{
		pool:    pool,
		baseURL: base,
		cfg:     cfg,
		logger:  logger.WithComponent("api"),
	}, nil
}

// SetObserver installs a per-attempt telemetry sink.
func (r *Requester) SetObserver(o AttemptObserver) {
	r.observer = o
}

// Get issues a GET with bearer auth.
func (r *Requester) Get(ctx context.Context, path, token string) (*Envelope, error) {
	return r.Do(ctx, Request{Method: http.MethodGet, Path: path, Token: token}, r.cfg.MaxAttempts)
}

// Post issues a POST with a JSON body. token may be empty.
func (r *Requester) Post(ctx context.Context, path string, body any, token string) (*Envelope, error) {
	return r.Do(ctx, Request{Method: http.MethodPost, Path: path, Token: token, Body: body}, r.cfg.MaxAttempts)
}

// Do runs req for up to maxAttempts attempts, one proxy per attempt.
func (r *Requester) Do(ctx context.Context, req Request, maxAttempts int) (*Envelope, error) {
	attempt := 0
	cfg := retry.FixedConfig(maxAttempts, r.cfg.RetryDelay).WithOnRetry(func(n int, err error, delay time.Duration) {
		r.logger.Warn("retrying with next proxy",
			"path", req.Path,
			"remaining", maxAttempts-n,
			"delay", delay.String(),
		)
	})

	env, err := retry.DoWithResult(ctx, cfg, func() (*Envelope, error) {
		attempt++
		return r.attempt(ctx, req, attempt, maxAttempts)
	})
	if err != nil {
		r.logger.Error("all attempts failed", "path", req.Path, "attempts", attempt, "error", err.Error())
		return nil, err
	}
	return env, nil
}

func (r *Requester) attempt(ctx context.Context, req Request, n, maxAttempts int) (*Envelope, error) {
	p := r.pool.Next()
	r.logger.Info("using proxy", "proxy", p.String(), "path", req.Path, "attempt", n)
	start := time.Now()

	env, status, err := r.send(ctx, p, req)

	duration := time.Since(start)
	if err != nil {
		err = errors.Wrap(err, errors.TypeOf(err), "api_request", "request attempt failed").
			WithContext("proxy", p.String()).
			WithContext("path", req.Path).
			WithContext("attempt", n)
	}

	r.logger.LogAttempt(req.Method, req.Path, p.String(), n, maxAttempts, duration, err)
	if r.observer != nil {
		r.observer.ObserveAttempt(ctx, Attempt{
			Method:     req.Method,
			Path:       req.Path,
			Proxy:      p.String(),
			Number:     n,
			StatusCode: status,
			Duration:   duration,
			Err:        err,
		})
	}

	return env, err
}

func (r *Requester) send(ctx context.Context, p proxy.Descriptor, req Request) (*Envelope, int, error) {
	client, err := proxy.NewHTTPClient(p, r.cfg.Timeout)
	if err != nil {
		return nil, 0, err
	}
	defer client.CloseIdleConnections()

	target := r.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(req.Path, "/")})

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrorTypeInternal, "encode_body",
				"failed to encode request body")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeInternal, "build_request",
			"failed to build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, errors.Wrap(err, errors.ErrorTypeTransport, "http_do",
			"request through proxy failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, errors.ErrorTypeTransport, "read_body",
			"failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := raw
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, resp.StatusCode, errors.New(errors.ErrorTypeTransport, "http_status",
			fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).
			WithContext("body", string(snippet))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Proxies that intercept traffic answer 200 with HTML; treat like a transport failure.
		return nil, resp.StatusCode, errors.Wrap(err, errors.ErrorTypeTransport, "decode_envelope",
			"response is not a JSON envelope")
	}

	return &env, resp.StatusCode, nil
}
