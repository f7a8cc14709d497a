package api

import (
	"net/http"
	"testing"

	"github.com/opsledger/intake-engine/pkg/models"
)

func TestRegisterAccountValidation(t *testing.T) {
	valid := map[string]any{
		"kind":        "bank",
		"identifier":  "DE89370400440532013000",
		"displayName": "Ops EUR",
	}

	tests := []struct {
		name       string
		mutate     func(map[string]any)
		wantStatus int
	}{
		{"bank account", func(m map[string]any) {}, http.StatusCreated},
		{"wallet with role", func(m map[string]any) {
			m["kind"] = "wallet"
			m["identifier"] = "bc1q8r7wwx0h6jsgrhfdl5v87l62xkkjwrq3t"
			m["roleTag"] = models.RoleMining
		}, http.StatusCreated},
		{"unknown kind", func(m map[string]any) { m["kind"] = "paypal" }, http.StatusUnprocessableEntity},
		{"unknown role tag", func(m map[string]any) { m["roleTag"] = "treasury" }, http.StatusUnprocessableEntity},
		{"default category without entity", func(m map[string]any) { m["defaultCategory"] = "Fees" }, http.StatusUnprocessableEntity},
		{"mapped account", func(m map[string]any) {
			m["entityCode"] = "CORP"
			m["defaultCategory"] = "Fees"
		}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			body := map[string]any{}
			for k, v := range valid {
				body[k] = v
			}
			tt.mutate(body)

			w := env.doJSON(t, http.MethodPost, "/api/v1/accounts", body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				if len(env.store.accounts) != 1 || !env.store.accounts[0].Active {
					t.Fatalf("account not stored active: %+v", env.store.accounts)
				}
				if env.store.accounts[0].TenantID != testTenant {
					t.Fatalf("account not tenant-bound: %+v", env.store.accounts[0])
				}
			} else if len(env.store.accounts) != 0 {
				t.Fatal("invalid account was persisted")
			}
		})
	}
}

func TestRegisterEntityRequiresCurrency(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodPost, "/api/v1/entities", map[string]any{
		"code": "CORP",
		"name": "Acme Corp",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without baseCurrency, got %d", w.Code)
	}

	w = env.doJSON(t, http.MethodPost, "/api/v1/entities", map[string]any{
		"code":         "CORP",
		"name":         "Acme Corp",
		"baseCurrency": "EUR",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.store.entities) != 1 || !env.store.entities[0].Active {
		t.Fatalf("entity not stored active: %+v", env.store.entities)
	}
}

func TestRegisterTenantUsesHeaderIdentity(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodPost, "/api/v1/tenants", map[string]any{
		"name":            "Acme GmbH",
		"defaultCurrency": "EUR",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	stored, ok := env.store.tenants[testTenant]
	if !ok {
		t.Fatalf("tenant not stored under the header id: %v", env.store.tenants)
	}
	if stored.Name != "Acme GmbH" {
		t.Fatalf("tenant name lost: %+v", stored)
	}
}

func TestSettingsMergeKeepsDefaults(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodGet, "/api/v1/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get settings: got %d", w.Code)
	}
	settings := decodeBody(t, w)["settings"].(map[string]any)
	if settings["reviewThreshold"] != 0.80 {
		t.Fatalf("defaults not served for an unconfigured tenant: %v", settings)
	}

	// a partial body adjusts one knob, the rest stay at their defaults
	w = env.doJSON(t, http.MethodPut, "/api/v1/settings", map[string]any{
		"reviewThreshold": 0.9,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put settings: got %d: %s", w.Code, w.Body.String())
	}
	settings = decodeBody(t, w)["settings"].(map[string]any)
	if settings["reviewThreshold"] != 0.9 {
		t.Fatalf("update not applied: %v", settings)
	}
	if settings["patternThreshold"] != 0.80 {
		t.Fatalf("untouched knob lost its default: %v", settings)
	}

	stored := env.store.settings[testTenant]
	if stored.ReviewThreshold != 0.9 || stored.ConvictionMinCount != 15 {
		t.Fatalf("persisted settings wrong: %+v", stored)
	}
}

func TestSettingsRejectBadThresholds(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodPut, "/api/v1/settings", map[string]any{
		"reviewThreshold": 1.5,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an impossible threshold, got %d", w.Code)
	}
	if decodeBody(t, w)["code"] != "invalid_settings" {
		t.Fatalf("expected invalid_settings code, got %s", w.Body.String())
	}
	if len(env.store.settings) != 0 {
		t.Fatal("invalid settings were persisted")
	}
}

func TestRegisterCategoryListsBack(t *testing.T) {
	env := newEnv(t)

	w := env.doJSON(t, http.MethodPost, "/api/v1/categories", map[string]any{
		"name":          "Software",
		"subcategories": []string{"SaaS", "Licenses"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.doJSON(t, http.MethodGet, "/api/v1/categories", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["totalCount"] != float64(1) {
		t.Fatalf("category not listed back: %v", body)
	}
}
