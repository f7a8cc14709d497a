package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/pkg/models"
)

type fakePlanStore struct {
	mu    sync.Mutex
	plans map[string]models.ParsePlan // headerHash -> plan
	gets  int
}

func (f *fakePlanStore) GetParsePlanByHeader(_ context.Context, _ string, headerHash string) (models.ParsePlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if p, ok := f.plans[headerHash]; ok {
		return p, nil
	}
	return models.ParsePlan{}, models.ErrNotFound
}

func (f *fakePlanStore) UpsertParsePlan(_ context.Context, p models.ParsePlan) (models.ParsePlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plans == nil {
		f.plans = make(map[string]models.ParsePlan)
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	f.plans[p.HeaderHash] = p
	return p, nil
}

type fakeLLM struct {
	mu        sync.Mutex
	calls     int
	responses []string
	err       error
	delay     time.Duration
	disabled  bool
}

func (f *fakeLLM) Enabled() bool { return !f.disabled }

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (string, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const goodPlanJSON = `{
  "delimiter": ",",
  "skip_rows": [],
  "header_row_index": 0,
  "column_mapping": {"posted_date": "Date", "description": "Description", "amount": "Amount"},
  "cleaning_rules": {},
  "date_formats": ["2006-01-02"],
  "has_multiple_accounts": false,
  "implicit_account": "ACCT-MAIN",
  "default_currency": "USD",
  "amount_scale": ""
}`

var sampleCSV = []byte("Date,Description,Amount\n2024-01-02,COFFEE SHOP,-4.50\n2024-01-03,SALARY,3200.00\n")

func newTestAnalyzer(t *testing.T, store PlanStore, client llm.Client) *Analyzer {
	t.Helper()
	a, err := New(store, client, config.PipelineConfig{
		SampleRows:    40,
		SampleBytes:   64 * 1024,
		PlanCacheSize: 16,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAnalyzeProducesAndCachesPlan(t *testing.T) {
	store := &fakePlanStore{}
	client := &fakeLLM{responses: []string{goodPlanJSON}}
	a := newTestAnalyzer(t, store, client)

	plan, err := a.Analyze(context.Background(), "acme", sampleCSV)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if plan.ColumnMapping[models.FieldAmount] != "Amount" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.ID == uuid.Nil {
		t.Fatal("plan not persisted")
	}
	if client.callCount() != 1 {
		t.Fatalf("expected 1 llm call, got %d", client.callCount())
	}

	// Second file, same layout, different data: cache hit, no new call.
	other := []byte("Date,Description,Amount\n2024-02-07,BAKERY,-12.80\n")
	if _, err := a.Analyze(context.Background(), "acme", other); err != nil {
		t.Fatalf("Analyze cached: %v", err)
	}
	if client.callCount() != 1 {
		t.Fatalf("expected cache hit, got %d llm calls", client.callCount())
	}
}

func TestAnalyzeUsesStoredPlan(t *testing.T) {
	store := &fakePlanStore{}
	seed := &fakeLLM{responses: []string{goodPlanJSON}}
	warm := newTestAnalyzer(t, store, seed)
	if _, err := warm.Analyze(context.Background(), "acme", sampleCSV); err != nil {
		t.Fatalf("warm Analyze: %v", err)
	}

	// Fresh analyzer, cold cache: the stored plan is found, no LLM call.
	cold := &fakeLLM{responses: []string{goodPlanJSON}}
	a := newTestAnalyzer(t, store, cold)
	if _, err := a.Analyze(context.Background(), "acme", sampleCSV); err != nil {
		t.Fatalf("cold Analyze: %v", err)
	}
	if cold.callCount() != 0 {
		t.Fatalf("expected stored plan reuse, got %d llm calls", cold.callCount())
	}
}

func TestAnalyzeRetriesWithFeedback(t *testing.T) {
	// First answer maps no date column; second is usable.
	bad := `{"delimiter": ",", "header_row_index": 0,
	  "column_mapping": {"description": "Description", "amount": "Amount"},
	  "date_formats": ["2006-01-02"]}`
	store := &fakePlanStore{}
	client := &fakeLLM{responses: []string{bad, goodPlanJSON}}
	a := newTestAnalyzer(t, store, client)

	plan, err := a.Analyze(context.Background(), "acme", sampleCSV)
	if err != nil {
		t.Fatalf("Analyze with retry: %v", err)
	}
	if client.callCount() != 2 {
		t.Fatalf("expected 2 llm calls, got %d", client.callCount())
	}
	if _, ok := plan.ColumnMapping[models.FieldPostedDate]; !ok {
		t.Fatal("retry plan missing date mapping")
	}
}

func TestAnalyzeFailsAfterTwoBadPlans(t *testing.T) {
	// Wrong date format: structural validation passes, dry run fails.
	wrongDates := `{"delimiter": ",", "header_row_index": 0,
	  "column_mapping": {"posted_date": "Date", "description": "Description", "amount": "Amount"},
	  "date_formats": ["02.01.2006"], "implicit_account": "A1"}`
	store := &fakePlanStore{}
	client := &fakeLLM{responses: []string{wrongDates, wrongDates}}
	a := newTestAnalyzer(t, store, client)

	_, err := a.Analyze(context.Background(), "acme", sampleCSV)
	if !errors.Is(err, models.ErrUnparseableFormat) {
		t.Fatalf("expected ErrUnparseableFormat, got %v", err)
	}
	if client.callCount() != 2 {
		t.Fatalf("expected exactly 2 llm calls, got %d", client.callCount())
	}
}

func TestAnalyzeDisabledLLM(t *testing.T) {
	store := &fakePlanStore{}
	a := newTestAnalyzer(t, store, &fakeLLM{disabled: true})

	_, err := a.Analyze(context.Background(), "acme", sampleCSV)
	if !errors.Is(err, models.ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
}

func TestAnalyzeSingleFlight(t *testing.T) {
	store := &fakePlanStore{}
	client := &fakeLLM{responses: []string{goodPlanJSON}, delay: 50 * time.Millisecond}
	a := newTestAnalyzer(t, store, client)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Analyze(context.Background(), "acme", sampleCSV)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if client.callCount() != 1 {
		t.Fatalf("concurrent analyses of one layout must make 1 llm call, got %d", client.callCount())
	}
}

func TestAnalyzeRequiresTenant(t *testing.T) {
	a := newTestAnalyzer(t, &fakePlanStore{}, &fakeLLM{responses: []string{goodPlanJSON}})
	if _, err := a.Analyze(context.Background(), "", sampleCSV); !errors.Is(err, models.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}
