package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/config"
	"pricesync/internal/metrics"
	"pricesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// Client talks to the Remote record API. It knows nothing about sync semantics.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// Options configures a Client. HTTPClient, when set, is used as is.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
	RateLimit   config.APIRateLimitConfig
	Breaker     config.RemoteBreakerConfig
	Logger      *zerolog.Logger
}

// NewFromConfig builds a Client with OAuth2 client credentials or a static bearer token.
func NewFromConfig(ctx context.Context, cfg config.RemoteConfig, logger *zerolog.Logger) (*Client, error) {
	var ts oauth2.TokenSource
	switch {
	case cfg.OAuth.Enabled():
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		ts = cc.TokenSource(ctx)
	case cfg.Token != "":
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	}
	return New(Options{
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.Timeout,
		TokenSource: ts,
		RateLimit:   cfg.RateLimit,
		Breaker:     cfg.Breaker,
		Logger:      logger,
	})
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = models.DefaultRemoteTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
		if opts.TokenSource != nil {
			httpClient = &http.Client{Transport: &oauth2.Transport{Source: opts.TokenSource, Base: http.DefaultTransport}}
		}
	}

	limit := rate.Inf
	burst := 1
	if opts.RateLimit.RPS > 0 {
		limit = rate.Limit(opts.RateLimit.RPS)
		burst = opts.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "remote").Logger()
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		timeout: opts.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(opts.Breaker, logger))
	return c, nil
}

func breakerSettings(cfg config.RemoteBreakerConfig, logger zerolog.Logger) gobreaker.Settings {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	ratio := cfg.FailureRatio
	if ratio == 0 {
		ratio = 0.6
	}
	return gobreaker.Settings{
		Name:        "remote",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		// Remote rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) recordURL(remoteID string, channel models.UpdateChannel) (string, string, error) {
	id := url.PathEscape(remoteID)
	switch channel {
	case models.UpdateChannelProgrammatic:
		return http.MethodPatch, c.baseURL.String() + "/record/v1/item/" + id, nil
	case models.UpdateChannelInteractive:
		return http.MethodPost, c.baseURL.String() + "/ui/v1/item/" + id + "/edit", nil
	default:
		return "", "", fmt.Errorf("unknown update channel %d", int(channel))
	}
}

// UpdateRecord writes fields to one Remote record over the given channel.
// Programmatic updates go through the record API, which does not emit change webhooks.
func (c *Client) UpdateRecord(ctx context.Context, remoteID string, fields map[string]any, channel models.UpdateChannel) (*models.RemoteResult, error) {
	if remoteID == "" {
		return nil, &Error{Message: "empty remote id"}
	}
	method, endpoint, err := c.recordURL(remoteID, channel)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, &Error{Message: "encode fields: " + err.Error()}
	}

	status, resp, err := c.do(ctx, method, endpoint, body, channel.String())
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	return &models.RemoteResult{
		RemoteID:   remoteID,
		StatusCode: status,
		Channel:    channel.String(),
		Fields:     names,
		Response:   resp,
	}, nil
}

// FetchRecord reads one Remote record.
func (c *Client) FetchRecord(ctx context.Context, remoteID string) (map[string]any, error) {
	if remoteID == "" {
		return nil, &Error{Message: "empty remote id"}
	}
	endpoint := c.baseURL.String() + "/record/v1/item/" + url.PathEscape(remoteID)
	_, resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "fetch")
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, label string) (int, map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, &Error{Message: "rate limiter: " + err.Error(), Retryable: true, Err: err}
	}

	type outcome struct {
		status int
		body   map[string]any
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
		if err != nil {
			return nil, &Error{Message: err.Error()}
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.IncRemote(label, 0)
			return nil, &Error{Message: err.Error(), Retryable: true, Err: err}
		}
		defer resp.Body.Close()
		metrics.IncRemote(label, resp.StatusCode)

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Retryable: true, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &Error{
				StatusCode: resp.StatusCode,
				Message:    errorMessage(raw, resp.Status),
				Retryable:  retryableStatus(resp.StatusCode),
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		out := outcome{status: resp.StatusCode}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &out.body); err != nil {
				c.logger.Debug().Err(err).Str("url", endpoint).Msg("non-JSON success body")
			}
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, &Error{Message: err.Error(), Retryable: true, Err: ErrCircuitOpen}
		}
		return 0, nil, err
	}
	o := res.(outcome)
	return o.status, o.body, nil
}

// errorMessage extracts {"error":{"message":..}} or {"message":..} from an error body.
func errorMessage(raw []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
		Title   string `json:"title"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		switch {
		case payload.Error.Message != "":
			return payload.Error.Message
		case payload.Message != "":
			return payload.Message
		case payload.Title != "":
			return payload.Title
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	if text == "" {
		return fallback
	}
	return text
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
