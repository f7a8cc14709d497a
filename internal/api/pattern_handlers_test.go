package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/opsledger/intake-engine/internal/reinforce"
	"github.com/opsledger/intake-engine/pkg/models"
)

func TestSeedPatternValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{
			"description needs expression",
			map[string]any{"kind": "description", "matchType": "substring", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"invalid regex",
			map[string]any{"kind": "description", "matchType": "regex", "expression": "(unclosed", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"unknown match type",
			map[string]any{"kind": "description", "matchType": "glob", "expression": "uber*", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"signature needs tokens",
			map[string]any{"kind": "entity_signature", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"account map needs identifier",
			map[string]any{"kind": "account_map", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"confidence out of range",
			map[string]any{"kind": "description", "matchType": "substring", "expression": "netflix", "confidence": 1.2, "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"unknown kind",
			map[string]any{"kind": "fuzzy", "entityCode": "CORP", "category": "Fees"},
			http.StatusUnprocessableEntity, "invalid_pattern",
		},
		{
			"missing classification target",
			map[string]any{"kind": "description", "matchType": "substring", "expression": "netflix"},
			http.StatusBadRequest, "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			w := env.doJSON(t, http.MethodPost, "/api/v1/patterns", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if decodeBody(t, w)["code"] != tt.wantCode {
				t.Fatalf("expected %s code, got %s", tt.wantCode, w.Body.String())
			}
			if len(env.store.patterns) != 0 {
				t.Fatal("invalid pattern was persisted")
			}
		})
	}
}

func TestSeedPatternPersistsAndInvalidates(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodPost, "/api/v1/patterns", map[string]any{
		"kind":        "description",
		"matchType":   "substring",
		"expression":  "NETFLIX",
		"entityCode":  "CORP",
		"category":    "Software",
		"subcategory": "Streaming",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p, ok := decodeBody(t, w)["pattern"].(map[string]any)
	if !ok {
		t.Fatalf("pattern missing from response: %s", w.Body.String())
	}
	if p["source"] != string(models.PatternSeed) {
		t.Fatalf("seeded rule must carry the seed source, got %v", p["source"])
	}
	if p["active"] != true {
		t.Fatalf("seeded rule must be active: %v", p)
	}
	if p["confidence"] != seedConfidence {
		t.Fatalf("default confidence not applied, got %v", p["confidence"])
	}

	if len(env.index.invalidated) == 0 || env.index.invalidated[0] != testTenant {
		t.Fatalf("match index not invalidated: %v", env.index.invalidated)
	}
}

func TestDeactivatePattern(t *testing.T) {
	env := newEnv(t)
	p, err := env.store.UpsertPattern(context.Background(), models.Pattern{
		TenantID:   testTenant,
		Kind:       models.KindDescription,
		MatchType:  models.MatchSubstring,
		Expression: "stale rule",
		Active:     true,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.doJSON(t, http.MethodPost, "/api/v1/patterns/"+p.ID.String()+"/deactivate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: got %d: %s", w.Code, w.Body.String())
	}
	if env.store.patterns[p.ID].Active {
		t.Fatal("pattern still active after deactivation")
	}
	if len(env.index.invalidated) == 0 {
		t.Fatal("match index not invalidated")
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/patterns/"+uuid.NewString()+"/deactivate", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown pattern: expected 404, got %d", w.Code)
	}
}

func TestPreviewValidatesBeforeRunning(t *testing.T) {
	env := newEnv(t)
	env.prev.report = reinforce.PreviewReport{WindowSize: 120, Hits: 7, HitRate: 7.0 / 120}

	w := env.doJSON(t, http.MethodPost, "/api/v1/patterns/preview", map[string]any{
		"kind":       "description",
		"matchType":  "substring",
		"expression": "uber",
		"entityCode": "CORP",
		"category":   "Travel",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("preview: got %d: %s", w.Code, w.Body.String())
	}
	preview, ok := decodeBody(t, w)["preview"].(map[string]any)
	if !ok {
		t.Fatalf("preview missing from response: %s", w.Body.String())
	}
	if preview["windowSize"] != float64(120) || preview["hits"] != float64(7) {
		t.Fatalf("report not surfaced: %v", preview)
	}
	if len(env.prev.evaluated) != 1 || env.prev.evaluated[0].Expression != "uber" {
		t.Fatalf("previewer got the wrong pattern: %+v", env.prev.evaluated)
	}
	if len(env.store.patterns) != 0 {
		t.Fatal("preview must not persist anything")
	}

	// invalid bodies are refused before the previewer sees them
	w = env.doJSON(t, http.MethodPost, "/api/v1/patterns/preview", map[string]any{
		"kind":       "description",
		"matchType":  "regex",
		"expression": "(bad",
		"entityCode": "CORP",
		"category":   "Travel",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a broken regex, got %d", w.Code)
	}
	if len(env.prev.evaluated) != 1 {
		t.Fatal("invalid pattern reached the previewer")
	}
}

func TestDriftPassesEntityFilter(t *testing.T) {
	env := newEnv(t)
	env.prev.drift = reinforce.DriftReport{EntityCode: "CORP", WindowSize: 500}

	w := env.doJSON(t, http.MethodGet, "/api/v1/patterns/drift?entity=CORP", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drift: got %d", w.Code)
	}
	if len(env.prev.driftCalls) != 1 || env.prev.driftCalls[0] != "CORP" {
		t.Fatalf("entity filter not forwarded: %v", env.prev.driftCalls)
	}
	drift, ok := decodeBody(t, w)["drift"].(map[string]any)
	if !ok {
		t.Fatalf("drift missing from response: %s", w.Body.String())
	}
	if drift["windowSize"] != float64(500) {
		t.Fatalf("report not surfaced: %v", drift)
	}
}

func TestListPatternsFiltersKind(t *testing.T) {
	env := newEnv(t)
	seed := func(kind models.PatternKind, expr string) {
		if _, err := env.store.UpsertPattern(context.Background(), models.Pattern{
			TenantID: testTenant, Kind: kind, Expression: expr, Active: true,
		}); err != nil {
			t.Fatal(err)
		}
	}
	seed(models.KindDescription, "netflix")
	seed(models.KindDescription, "uber")
	seed(models.KindAccountMap, "DE8937040044")

	w := env.doJSON(t, http.MethodGet, "/api/v1/patterns?kind=description", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	if got := decodeBody(t, w)["totalCount"]; got != float64(2) {
		t.Fatalf("kind filter not applied: %v", got)
	}
}

func TestSuggestionDecisionRoutes(t *testing.T) {
	env := newEnv(t)
	id := uuid.New()

	w := env.doJSON(t, http.MethodPost, "/api/v1/suggestions/"+id.String()+"/approve", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: got %d: %s", w.Code, w.Body.String())
	}
	sg := decodeBody(t, w)["suggestion"].(map[string]any)
	if sg["status"] != string(models.SuggestionApproved) {
		t.Fatalf("approve did not surface the decision: %v", sg)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/suggestions/"+id.String()+"/reject", map[string]any{"reason": "too broad"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: got %d", w.Code)
	}
	if env.rein.rejectReason != "too broad" {
		t.Fatalf("reject reason lost: %q", env.rein.rejectReason)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/suggestions/"+id.String()+"/revalidate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revalidate: got %d", w.Code)
	}

	env.rein.err = fmt.Errorf("suggestion %s: %w", id, models.ErrNotFound)
	w = env.doJSON(t, http.MethodPost, "/api/v1/suggestions/"+id.String()+"/approve", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown suggestion: expected 404, got %d", w.Code)
	}
}
