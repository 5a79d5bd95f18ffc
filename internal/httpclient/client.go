// Package httpclient provides the rate-limited, retrying HTTP client shared
// by every provider adapter (spec §4.1). Pacing is a token-bucket
// (golang.org/x/time/rate) rather than the sleep-gap throttle the ambient
// stack uses elsewhere, since every provider adapter needs its own
// independent rate, not a single shared gap timer.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kosarica/game-ingest/internal/ingesterr"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "game_ingest_provider_requests_total",
		Help: "Outbound provider HTTP requests, by provider and outcome.",
	}, []string{"provider", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "game_ingest_provider_request_duration_seconds",
		Help:    "Outbound provider HTTP request latency, by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Config tunes pacing, concurrency and retry behavior for one provider.
type Config struct {
	Provider      string
	ReqsPerMin    int // token-bucket refill rate; 0 disables pacing
	Burst         int // token-bucket burst; defaults to 1 if unset
	MaxRetries    int
	BackoffMsBase int
	MaxBackoffMs  int
	Timeout       time.Duration
}

// DefaultConfig returns sane defaults for a provider that hasn't specified
// its own rate envelope.
func DefaultConfig(provider string) Config {
	return Config{
		Provider:      provider,
		ReqsPerMin:    120,
		Burst:         2,
		MaxRetries:    3,
		BackoffMsBase: 200,
		MaxBackoffMs:  30_000,
		Timeout:       30 * time.Second,
	}
}

// AuthProvider supplies and invalidates a cached bearer token, shared by
// providers (xbox, igdb) that authenticate with a short-lived OAuth token.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client is a provider-scoped HTTP client: one rate limiter, one retry
// policy, one optional bearer-token source.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	auth    AuthProvider
	log     zerolog.Logger
}

// New constructs a Client for a single provider.
func New(cfg Config, auth AuthProvider, log zerolog.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.ReqsPerMin > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.ReqsPerMin)/60.0), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		auth:    auth,
		log:     log.With().Str("component", cfg.Provider).Logger(),
	}
}

// GetJSON issues a GET request, decoding a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	body, err := c.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return ingesterr.Decodef(c.cfg.Provider, "GetJSON", fmt.Errorf("decode %s: %w", url, err))
	}
	return nil
}

// PostText issues a POST with a raw text/form body, returning the 2xx
// response body as a string (used by PlayStation's GraphQL-over-POST and
// Xbox's token-exchange endpoints).
func (c *Client) PostText(ctx context.Context, url, contentType, body string, headers map[string]string) (string, error) {
	hdrs := map[string]string{"Content-Type": contentType}
	for k, v := range headers {
		hdrs[k] = v
	}
	resp, err := c.do(ctx, http.MethodPost, url, []byte(body), hdrs)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// do executes method/url with retry, backoff, 429 Retry-After handling and
// bearer-token invalidation on 401, returning the response body on success.
func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	start := time.Now()
	respBody, err := c.doAttempts(ctx, method, url, body, headers)
	requestDuration.WithLabelValues(c.cfg.Provider).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(c.cfg.Provider, outcome).Inc()
	return respBody, err
}

func (c *Client) doAttempts(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, ingesterr.Transportf(c.cfg.Provider, method+" "+url, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytesReader(body))
		if err != nil {
			return nil, ingesterr.Fatalf(c.cfg.Provider, method+" "+url, err)
		}
		req.Header.Set("User-Agent", "game-ingest/1.0")
		req.Header.Set("Accept", "application/json, text/plain, */*")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			token, err := c.auth.Token(ctx)
			if err != nil {
				return nil, ingesterr.Fatalf(c.cfg.Provider, "auth", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt == c.cfg.MaxRetries {
				return nil, ingesterr.Transportf(c.cfg.Provider, method+" "+url, err)
			}
			c.sleepBackoff(ctx, attempt, "")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, ingesterr.Transportf(c.cfg.Provider, method+" "+url, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if c.auth != nil {
				c.auth.Invalidate()
			}
			if attempt == c.cfg.MaxRetries {
				return nil, ingesterr.ClientErrorf(c.cfg.Provider, method+" "+url, fmt.Errorf("401 unauthorized after token refresh"))
			}
			continue // retry immediately with a fresh token

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if attempt == c.cfg.MaxRetries {
				return nil, ingesterr.Throttledf(c.cfg.Provider, method+" "+url, fmt.Errorf("429 after %d attempts", attempt+1), retryAfter)
			}
			c.sleepBackoff(ctx, attempt, resp.Header.Get("Retry-After"))
			continue

		case resp.StatusCode >= 500 && resp.StatusCode < 600:
			if attempt == c.cfg.MaxRetries {
				return nil, ingesterr.ServerErrorf(c.cfg.Provider, method+" "+url, fmt.Errorf("status %d", resp.StatusCode))
			}
			c.sleepBackoff(ctx, attempt, "")
			continue

		default:
			// non-retryable 4xx: fail fast
			return nil, ingesterr.ClientErrorf(c.cfg.Provider, method+" "+url, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 256)))
		}
	}
	return nil, ingesterr.Transportf(c.cfg.Provider, method+" "+url, lastErr)
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int, retryAfterHeader string) {
	delay := c.backoffDelay(attempt, retryAfterHeader)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoffDelay computes the exponential backoff for this attempt and, when
// the server sent Retry-After, honors it only if it's larger than that
// computed delay (spec §4.1/§7: a 429 response shouldn't retry sooner than
// the server asked, but a short Retry-After never shortens our own backoff).
func (c *Client) backoffDelay(attempt int, retryAfterHeader string) time.Duration {
	base := float64(c.cfg.BackoffMsBase) * math.Pow(2, float64(attempt))
	capped := math.Min(base, float64(c.cfg.MaxBackoffMs))
	computed := time.Duration(capped)*time.Millisecond + jitter(int(capped*0.25))

	if retryAfterHeader != "" {
		if secs, err := strconv.Atoi(retryAfterHeader); err == nil && secs > 0 {
			retryAfter := time.Duration(secs)*time.Second + jitter(1000)
			if retryAfter > computed {
				return retryAfter
			}
		}
	}
	return computed
}

func jitter(maxMs int) time.Duration {
	if maxMs <= 0 {
		return 0
	}
	return time.Duration(rand.Intn(maxMs)) * time.Millisecond
}

func parseRetryAfter(header string) int {
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
