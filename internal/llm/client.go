// Package llm wraps an OpenAI-compatible chat completions endpoint. All
// model access in the engine funnels through here so rate limiting, retries
// and call accounting live in one place.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/pkg/models"
)

// Call sites, used as metric labels and in logs.
const (
	SiteFormatAnalysis      = "format_analysis"
	SiteClassification      = "classification"
	SiteSignatureExtraction = "signature_extraction"
	SiteSafetyReview        = "safety_review"
)

// Client is the narrow surface the pipeline depends on. Implementations must
// be safe for concurrent use.
type Client interface {
	Enabled() bool
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one chat completion. System and User become the two messages;
// the response is the raw content of the first choice.
type Request struct {
	TenantID    string
	Site        string // metric label, one of the Site* constants
	System      string
	User        string
	MaxTokens   int // 0 means provider default
	Concurrency int // per-tenant in-flight ceiling, 0 means default
}

const (
	defaultTenantConcurrency = 4
	maxResponseBytes         = 1 << 20
	retryBaseDelay           = 500 * time.Millisecond
	retryMaxDelay            = 8 * time.Second
)

// HTTPClient talks to a chat completions endpoint with a global token-bucket
// rate limit and a per-tenant concurrency ceiling in front of it.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
	bucket     *tokenBucket
	log        zerolog.Logger

	mu   sync.Mutex
	sems map[string]*tenantSem
}

type tenantSem struct {
	limit int
	sem   *semaphore.Weighted
}

// NewHTTPClient builds a client from config. An empty base URL yields a
// disabled client: Enabled() is false and every Complete call returns
// ErrLLMUnavailable, which callers treat as a degraded-mode signal.
func NewHTTPClient(cfg config.LLMConfig, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		bucket:     newTokenBucket(cfg.GlobalRatePerMinute, cfg.GlobalBurst),
		log:        log,
		sems:       make(map[string]*tenantSem),
	}
}

func (c *HTTPClient) Enabled() bool {
	return c.baseURL != ""
}

// Complete runs one chat completion with retries on transient failures.
// It returns ErrLLMUnavailable (wrapped) once retries are exhausted and
// ErrLLMInvalidResponse when the endpoint answers with an unusable body.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("llm disabled: %w", models.ErrLLMUnavailable)
	}
	if req.TenantID == "" {
		return "", models.ErrMissingTenant
	}

	sem := c.tenantSem(req.TenantID, req.Concurrency)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire tenant slot: %w", err)
	}
	defer sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			c.log.Warn().
				Str("site", req.Site).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying llm call")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.bucket.wait(ctx); err != nil {
			return "", err
		}

		start := time.Now()
		content, retryable, err := c.doOnce(ctx, req)
		metrics.LLMCallDuration.Observe(time.Since(start).Seconds())
		metrics.LLMCalls.WithLabelValues(req.Site).Inc()
		if err == nil {
			return content, nil
		}
		metrics.LLMErrors.WithLabelValues(req.Site).Inc()
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("llm call failed after %d attempts: %v: %w",
		c.maxRetries+1, lastErr, models.ErrLLMUnavailable)
}

// doOnce performs a single HTTP round trip. The bool reports whether the
// failure is worth retrying.
func (c *HTTPClient) doOnce(ctx context.Context, req Request) (string, bool, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature:    0.1,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", false, fmt.Errorf("marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", true, fmt.Errorf("read llm response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parsing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("llm endpoint returned %d", resp.StatusCode)
	default:
		return "", false, fmt.Errorf("llm endpoint returned %d: %w",
			resp.StatusCode, models.ErrLLMUnavailable)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("parse llm response: %w", models.ErrLLMInvalidResponse)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", false, fmt.Errorf("empty llm response: %w", models.ErrLLMInvalidResponse)
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// tenantSem returns the tenant's concurrency gate, rebuilding it when the
// configured ceiling changed. In-flight holders of a replaced gate simply
// finish against the old one.
func (c *HTTPClient) tenantSem(tenantID string, limit int) *semaphore.Weighted {
	if limit <= 0 {
		limit = defaultTenantConcurrency
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sems[tenantID]
	if !ok || entry.limit != limit {
		entry = &tenantSem{limit: limit, sem: semaphore.NewWeighted(int64(limit))}
		c.sems[tenantID] = entry
	}
	return entry.sem
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter
}

// --- wire types (OpenAI chat completions) ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// --- global token bucket ---

type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	rate   float64 // tokens added per second
	burst  float64
	last   time.Time
}

func newTokenBucket(ratePerMinute, burst int) *tokenBucket {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		tokens: float64(burst),
		rate:   float64(ratePerMinute) / 60.0,
		burst:  float64(burst),
		last:   time.Now(),
	}
}

// wait blocks until a token is available or the context is done.
func (b *tokenBucket) wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
		if b.tokens >= 1.0 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		waitFor := time.Duration((1.0 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitFor):
		}
	}
}
