// Package request performs the HTTP GETs issued by the provider clients:
// URL building, retries with backoff, rate limiting and JSON decoding.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultUserAgent   = "econdata/0.1"
	defaultMaxBody     = 64 << 20
	redacted           = "REDACTED"
)

var defaultRetryStatuses = []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

type Config struct {
	// Name labels log lines and metrics.
	Name    string
	BaseURL string
	Timeout time.Duration
	// MaxAttempts counts the first try.
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	RetryStatuses []int
	// RateLimitPerSec of zero disables limiting.
	RateLimitPerSec float64
	RateLimitBurst  int
	UserAgent       string
	// Header and Query are sent with every request.
	Header http.Header
	Query  url.Values
	// Secrets are replaced in every URL that reaches an error or a log line.
	Secrets []string
}

type Request struct {
	// Path is joined to BaseURL unless it is already absolute.
	Path   string
	Query  url.Values
	Header http.Header
}

type Executor struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	maxBody int64
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithSleep replaces the backoff sleep, mostly so tests can record delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func New(cfg Config, opts ...Option) (*Executor, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("request: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("request: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = defaultRetryStatuses
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}

	e := &Executor{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
		sleep:   sleepWithContext,
		now:     time.Now,
		maxBody: defaultMaxBody,
	}
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("provider", cfg.Name)
	return e, nil
}

// GetJSON issues the request and decodes a 2xx body into dest.
func (e *Executor) GetJSON(ctx context.Context, req Request, dest any) error {
	body, target, err := e.get(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &DecodeError{URL: e.Redact(target), Err: err}
	}
	return nil
}

func (e *Executor) get(ctx context.Context, req Request) ([]byte, string, error) {
	target, err := e.buildURL(req)
	if err != nil {
		return nil, "", err
	}
	safeURL := e.Redact(target)

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, target, &TransportError{URL: safeURL, Err: err}
			}
		}

		started := e.now()
		body, status, retryAfter, err := e.do(ctx, target, req.Header)
		elapsed := e.now().Sub(started)
		e.metrics.observe(e.config.Name, status, elapsed.Seconds())
		e.logger.DebugContext(ctx, "provider request", "url", safeURL, "status", status, "attempt", attempt, "duration", elapsed)

		if err != nil {
			return nil, target, &TransportError{URL: safeURL, Err: err}
		}
		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			return body, target, nil
		}

		httpErr := &HTTPError{Status: status, Body: e.Redact(string(body)), URL: safeURL}
		if !e.retryable(status) || attempt >= e.config.MaxAttempts {
			return nil, target, httpErr
		}

		wait := e.backoff(attempt)
		if retryAfter > 0 {
			wait = min(retryAfter, e.config.MaxBackoff)
		}
		e.logger.WarnContext(ctx, "retrying provider request", "url", safeURL, "status", status, "attempt", attempt, "wait", wait)
		e.metrics.retried(e.config.Name)
		if err := e.sleep(ctx, wait); err != nil {
			return nil, target, &TransportError{URL: safeURL, Err: err}
		}
	}
}

func (e *Executor) do(ctx context.Context, target string, header http.Header) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)
	for key, values := range e.config.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for key, values := range header {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return nil, 0, 0, err
	}
	if int64(len(body)) > e.maxBody {
		return nil, resp.StatusCode, 0, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, e.maxBody)
	}
	return body, resp.StatusCode, parseRetryAfter(resp, e.now()), nil
}

func (e *Executor) buildURL(req Request) (string, error) {
	endpoint := req.Path
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimRight(e.config.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("request: invalid url %s: %w", e.Redact(endpoint), err)
	}

	query := parsed.Query()
	for key, values := range e.config.Query {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	for key, values := range req.Query {
		query.Del(key)
		for _, value := range values {
			query.Add(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (e *Executor) retryable(status int) bool {
	for _, candidate := range e.config.RetryStatuses {
		if candidate == status {
			return true
		}
	}
	return false
}

// backoff is factor * 2^(attempt-1), capped.
func (e *Executor) backoff(attempt int) time.Duration {
	wait := e.config.Backoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= e.config.MaxBackoff {
			return e.config.MaxBackoff
		}
	}
	return min(wait, e.config.MaxBackoff)
}

// Redact replaces configured secrets, in raw and query-escaped form.
func (e *Executor) Redact(value string) string {
	for _, secret := range e.config.Secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		value = strings.ReplaceAll(value, secret, redacted)
		if escaped := url.QueryEscape(secret); escaped != secret {
			value = strings.ReplaceAll(value, escaped, redacted)
		}
		if escaped := url.PathEscape(secret); escaped != secret {
			value = strings.ReplaceAll(value, escaped, redacted)
		}
	}
	return value
}

func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := when.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
