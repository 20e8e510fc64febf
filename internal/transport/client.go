// Package transport is the HTTP layer between the client and the MtaalamuX REST API.
//
// It attaches the bearer credential, retries rate-limited calls with capped exponential
// backoff, refreshes an expired access token once per burst of 401s, and maps final
// responses onto the errs taxonomy. Callers never observe a 429 unless the retry budget
// is exhausted.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/metrics"
)

// maxResponseBody bounds how much of a response body is read into memory.
const maxResponseBody = 8 << 20

// DefaultRefreshPath is the token refresh endpoint relative to the API base.
const DefaultRefreshPath = "/auth/refresh/"

// Credentials supplies and updates the session's tokens. session.Session implements it.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	// UpdateTokens stores a refreshed access token and, if non-empty, a rotated refresh token.
	UpdateTokens(access, refresh string)
	// Expire tears the session down after an unrecoverable authentication failure.
	Expire()
}

// Config configures a Client.
type Config struct {
	BaseURL     string // e.g. http://localhost:8000/api/v1
	Timeout     time.Duration
	Retry       RetryPolicy
	RefreshPath string
	HTTPClient  *http.Client // optional, overrides Timeout
}

// Client performs API calls. It is safe for concurrent use.
type Client struct {
	base        string
	http        *http.Client
	creds       Credentials
	retry       RetryPolicy
	refreshPath string
	log         *zap.Logger
	tracer      trace.Tracer
	refreshing  singleflight.Group
}

// New constructs a Client. creds may be nil for anonymous use.
func New(cfg Config, creds Credentials, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	refreshPath := cfg.RefreshPath
	if refreshPath == "" {
		refreshPath = DefaultRefreshPath
	}
	if creds == nil {
		creds = anonymous{}
	}
	return &Client{
		base:        strings.TrimRight(cfg.BaseURL, "/"),
		http:        hc,
		creds:       creds,
		retry:       cfg.Retry.withDefaults(),
		refreshPath: refreshPath,
		log:         logger.OrNop(log),
		tracer:      otel.Tracer("github.com/mtaalamux/client/internal/transport"),
	}, nil
}

// response is a fully-read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// Do performs r and decodes a successful JSON body into out (if non-nil).
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	start := time.Now()
	if logger.RequestID(ctx) == "" {
		if id, err := uuid.NewV4(); err == nil {
			ctx = logger.WithRequestID(ctx, id.String())
		}
	}
	ctx, span := c.tracer.Start(ctx, r.Method+" "+r.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("mx.path", r.Path)))
	defer span.End()

	resp, err := c.do(ctx, r)

	code := "error"
	if resp != nil {
		code = strconv.Itoa(resp.status)
		span.SetAttributes(attribute.Int("http.status_code", resp.status))
	}
	metrics.RecordClientRequest(r.Method, code, time.Since(start).Seconds())

	if err == nil && resp.status >= 400 {
		err = statusError(resp.status, resp.body)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.KindOf(err).String())
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return errs.Wrap(errs.KindServerError, "malformed response", err)
	}
	return nil
}

// do runs the request through the rate-limit retry loop and, for authenticated calls,
// one refresh-and-retry on 401.
func (c *Client) do(ctx context.Context, r Request) (*response, error) {
	p, err := r.prepare()
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "invalid request", err)
	}

	var token string
	if !r.Anonymous {
		token = c.creds.AccessToken()
	}
	resp, err := c.exchange(ctx, p, token)
	if err != nil || resp.status != http.StatusUnauthorized || r.Anonymous {
		return resp, err
	}

	if err := c.refresh(ctx, token); err != nil {
		return nil, err
	}
	return c.exchange(ctx, p, c.creds.AccessToken())
}

// exchange performs one logical HTTP exchange, transparently retrying 429 responses.
func (c *Client) exchange(ctx context.Context, p *prepared, token string) (*response, error) {
	var (
		last    *response
		hint    time.Duration
		attempt int
	)
	log := logger.FromContext(ctx, c.log)
	err := doWithRetry(ctx, c.retry, &hint, func(ctx context.Context) error {
		attempt++
		hint = 0
		resp, err := c.roundTrip(ctx, p, token)
		if err != nil {
			return err
		}
		last = resp
		if resp.status != http.StatusTooManyRequests {
			return nil
		}
		hint = retryAfter(resp.header.Get("Retry-After"), time.Now())
		log.Warn("rate limited",
			zap.String("path", p.req.Path),
			zap.Int("attempt", attempt),
			zap.Duration("retry_after", hint),
		)
		return retryable(errRateLimited)
	})
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, errRateLimited) && last != nil:
		// Budget spent: surface the final 429 to the status mapper.
		return last, nil
	case ctx.Err() != nil:
		return nil, &errs.Error{Kind: errs.KindNetworkError, Message: "request cancelled", Err: ctx.Err()}
	default:
		return nil, err
	}
}

// roundTrip sends one HTTP request and reads the whole response.
func (c *Client) roundTrip(ctx context.Context, p *prepared, token string) (*response, error) {
	var body io.Reader = http.NoBody
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}
	req, err := http.NewRequestWithContext(ctx, p.req.Method, c.base+p.req.path(), body)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "invalid request", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.contentType != "" {
		req.Header.Set("Content-Type", p.contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindNetworkError, Message: "Network error. Please check your connection.", Retryable: true, Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindNetworkError, Message: "Network error. Please check your connection.", Retryable: true, Err: err}
	}
	return &response{status: res.StatusCode, header: res.Header, body: b}, nil
}

type anonymous struct{}

func (anonymous) AccessToken() string         { return "" }
func (anonymous) RefreshToken() string        { return "" }
func (anonymous) UpdateTokens(string, string) {}
func (anonymous) Expire()                     {}
