package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.LLMConfig{
		BaseURL:             srv.URL,
		APIKey:              "test-key",
		Model:               "test-model",
		RequestTimeout:      5 * time.Second,
		MaxRetries:          2,
		GlobalRatePerMinute: 6000,
		GlobalBurst:         100,
	}
	return NewHTTPClient(cfg, zerolog.Nop()), srv
}

func completion(content string) []byte {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func TestCompleteReturnsContent(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write(completion(`{"entity":"acme-de"}`))
	}))

	out, err := client.Complete(context.Background(), Request{
		TenantID: "acme",
		Site:     SiteClassification,
		System:   "you classify transactions",
		User:     "classify this",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"entity":"acme-de"}` {
		t.Fatalf("unexpected content: %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestCompleteRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(completion(`{"ok":true}`))
	}))

	out, err := client.Complete(context.Background(), Request{
		TenantID: "acme", Site: SiteClassification, System: "s", User: "u",
	})
	if err != nil {
		t.Fatalf("Complete after retries: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected content: %q", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Complete(context.Background(), Request{
		TenantID: "acme", Site: SiteClassification, System: "s", User: "u",
	})
	if !errors.Is(err, models.ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestCompleteRejectsGarbageBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))

	_, err := client.Complete(context.Background(), Request{
		TenantID: "acme", Site: SiteClassification, System: "s", User: "u",
	})
	if !errors.Is(err, models.ErrLLMInvalidResponse) {
		t.Fatalf("expected ErrLLMInvalidResponse, got %v", err)
	}
}

func TestDisabledClient(t *testing.T) {
	client := NewHTTPClient(config.LLMConfig{}, zerolog.Nop())
	if client.Enabled() {
		t.Fatal("client with no base URL must be disabled")
	}
	_, err := client.Complete(context.Background(), Request{TenantID: "acme", Site: SiteClassification})
	if !errors.Is(err, models.ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestCompleteRequiresTenant(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completion("{}"))
	}))
	_, err := client.Complete(context.Background(), Request{Site: SiteClassification})
	if !errors.Is(err, models.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	if !b.Take() || !b.Take() {
		t.Fatal("expected two takes to succeed")
	}
	if b.Take() {
		t.Fatal("expected third take to fail")
	}
	if b.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", b.Remaining())
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"prose prefix", `Sure! Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`, true},
		{"braces in strings", `{"desc":"has } brace","n":1}`, `{"desc":"has } brace","n":1}`, true},
		{"escaped quote", `{"desc":"quote \" and } inside"}`, `{"desc":"quote \" and } inside"}`, true},
		{"array", `[{"a":1},{"b":2}]`, `[{"a":1},{"b":2}]`, true},
		{"no json", "cannot help with that", "", false},
		{"unbalanced", `{"a":`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSON(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
