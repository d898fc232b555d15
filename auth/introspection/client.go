// Package introspection calls an OAuth2 token introspection endpoint
// (RFC 7662) and classifies its answers.
package introspection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/logger"
)

const (
	DefaultClientID      = "svc.introspector"
	DefaultTokenTypeHint = "access_token"
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 1

	snippetLimit = 256
	maxBodyBytes = 1 << 20
)

// Introspector resolves a raw token into a verdict.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*TokenVerdict, error)
}

// Config holds the settings for a Client.
type Config struct {
	// Endpoint is the absolute introspection URL.
	Endpoint      string
	ClientID      string
	ClientSecret  string
	TokenTypeHint string

	// Timeout bounds one Introspect call, retries and limiter wait included.
	Timeout      time.Duration
	MaxRetries   int
	MinRetryWait time.Duration
	MaxRetryWait time.Duration

	// RequestsPerSecond enables a client side limiter when positive.
	RequestsPerSecond float64
	Burst             int

	HTTPClient *http.Client
	Logger     *logger.GatedLogger
	Telemetry  *telemetry.Sink
}

// Client is safe for concurrent use.
type Client struct {
	endpoint      string
	clientID      string
	clientSecret  string
	tokenTypeHint string
	timeout       time.Duration

	http      *retryablehttp.Client
	limiter   *rate.Limiter
	logger    *logger.GatedLogger
	telemetry *telemetry.Sink
}

var _ Introspector = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("introspection endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid introspection endpoint: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("introspection endpoint %q must be absolute", cfg.Endpoint)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MinRetryWait <= 0 {
		cfg.MinRetryWait = 100 * time.Millisecond
	}
	if cfg.MaxRetryWait < cfg.MinRetryWait {
		cfg.MaxRetryWait = cfg.MinRetryWait * 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}
	log := cfg.Logger.WithSubsystem("introspection")

	c := &Client{
		endpoint:      u.String(),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		tokenTypeHint: cfg.TokenTypeHint,
		timeout:       cfg.Timeout,
		logger:        log,
		telemetry:     cfg.Telemetry,
		http: &retryablehttp.Client{
			HTTPClient:   cfg.HTTPClient,
			RetryWaitMin: cfg.MinRetryWait,
			RetryWaitMax: cfg.MaxRetryWait,
			RetryMax:     cfg.MaxRetries,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   RetryPolicy,
			Logger:       logger.NewHCLogAdapter(log),
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return c, nil
}

// RetryPolicy retries transport failures and gateway statuses only. 429 is
// never retried.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Introspect asks the authority about token. Cancellation of ctx is returned
// as ctx.Err(); every other failure is an *Error.
func (c *Client) Introspect(ctx context.Context, token string) (*TokenVerdict, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}

	start := time.Now()
	defer c.telemetry.MeasureSince([]string{"introspection", "request"}, start)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.fail(&Error{Kind: KindRateLimited, Err: err}, token)
		}
	}

	form := url.Values{}
	form.Set("token", token)
	if c.tokenTypeHint != "" {
		form.Set("token_type_hint", c.tokenTypeHint)
	}

	req, err := retryablehttp.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, c.fail(&Error{Kind: KindTransport, Err: err}, token)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(&Error{Kind: KindTransport, Err: err}, token)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.fail(&Error{Kind: KindTransport, StatusCode: resp.StatusCode, Err: err}, token)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, c.fail(&Error{Kind: KindUnauthorized, StatusCode: resp.StatusCode}, token)
	case resp.StatusCode == http.StatusForbidden:
		return nil, c.fail(&Error{Kind: KindForbidden, StatusCode: resp.StatusCode}, token)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.fail(&Error{Kind: KindRateLimited, StatusCode: resp.StatusCode}, token)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, c.fail(&Error{
			Kind:       KindProtocol,
			StatusCode: resp.StatusCode,
			Snippet:    Snippet(body),
		}, token)
	}

	verdict, err := ParseVerdict(body)
	if err != nil {
		return nil, c.fail(&Error{
			Kind:       KindProtocol,
			StatusCode: resp.StatusCode,
			Snippet:    Snippet(body),
			Err:        err,
		}, token)
	}

	c.telemetry.IncrCounter([]string{"introspection", "success"})
	c.logger.Trace("introspection completed",
		logger.TokenPreview("token", token),
		logger.Bool("active", verdict.Active),
	)
	return verdict, nil
}

func (c *Client) fail(err *Error, token string) error {
	c.telemetry.IncrCounter([]string{"introspection", "failure"}, telemetry.Label("kind", err.Kind.String()))
	c.logger.Warn("introspection failed",
		logger.TokenPreview("token", token),
		logger.String("kind", err.Kind.String()),
		logger.Int("status", err.StatusCode),
		logger.Err(err),
	)
	return err
}

// Snippet trims a response body to at most snippetLimit characters for
// diagnostics.
func Snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	r := []rune(s)
	if len(r) <= snippetLimit {
		return s
	}
	return string(r[:snippetLimit-3]) + "..."
}
