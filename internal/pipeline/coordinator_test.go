package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsledger/intake-engine/internal/analyzer"
	"github.com/opsledger/intake-engine/internal/blob"
	"github.com/opsledger/intake-engine/internal/classify"
	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/ingest"
	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/internal/patterns"
	"github.com/opsledger/intake-engine/pkg/models"
)

const testTenant = "acme"

// memStore backs the coordinator and every engine it drives from memory, so
// one test runs the real analyze/parse/classify/commit path without postgres.
// It satisfies Store, analyzer.PlanStore, ingest.Store and patterns.Source.
type memStore struct {
	mu          sync.Mutex
	files       map[uuid.UUID]models.RawFile
	plans       map[string]models.ParsePlan // headerHash -> plan
	pats        []models.Pattern
	txs         []models.Transaction
	hashes      map[string]struct{}
	occurrences map[uuid.UUID]int
	statuses    []models.RawFileStatus
	planIDs     []uuid.UUID

	// chunkBuilt ticks once per ExistingHashes call, letting a test wait
	// until the builder stage has passed its last cancellation check.
	chunkBuilt chan struct{}
	// insertEntered closes when the first commit starts; insertRelease
	// holds every commit until closed.
	insertEntered chan struct{}
	insertRelease chan struct{}
	enteredOnce   sync.Once
}

func newMemStore() *memStore {
	return &memStore{
		files:       make(map[uuid.UUID]models.RawFile),
		plans:       make(map[string]models.ParsePlan),
		hashes:      make(map[string]struct{}),
		occurrences: make(map[uuid.UUID]int),
	}
}

func (s *memStore) GetRawFile(_ context.Context, tenantID string, id uuid.UUID) (models.RawFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.TenantID != tenantID {
		return models.RawFile{}, fmt.Errorf("raw file %s: %w", id, models.ErrNotFound)
	}
	return f, nil
}

func (s *memStore) SetRawFilePlan(_ context.Context, _ string, _, planID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planIDs = append(s.planIDs, planID)
	return nil
}

func (s *memStore) SetRawFileStatus(_ context.Context, tenantID string, id uuid.UUID, status models.RawFileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[id]; ok && f.TenantID == tenantID {
		f.Status = status
		s.files[id] = f
	}
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memStore) GetTenant(_ context.Context, tenantID string) (models.Tenant, error) {
	return models.Tenant{ID: tenantID, Name: "Acme GmbH", DefaultCurrency: "EUR"}, nil
}

func (s *memStore) GetTenantSettings(_ context.Context, tenantID string) (models.TenantSettings, error) {
	return models.DefaultTenantSettings(tenantID), nil
}

func (s *memStore) ListAccounts(context.Context, string) ([]models.Account, error) {
	return nil, nil
}

func (s *memStore) ListLegalEntities(_ context.Context, tenantID string) ([]models.LegalEntity, error) {
	return []models.LegalEntity{
		{TenantID: tenantID, Code: "CORP", Name: "Corp", BaseCurrency: "EUR", Active: true},
	}, nil
}

func (s *memStore) ListCategories(_ context.Context, tenantID string) ([]models.Category, error) {
	return []models.Category{{TenantID: tenantID, Name: "opex"}}, nil
}

// InsertTransactions mirrors the content-hash conflict handling of the real
// store: rows whose hash is already present are silently skipped.
func (s *memStore) InsertTransactions(_ context.Context, _ string, txs []models.Transaction) (int, error) {
	if s.insertEntered != nil {
		s.enteredOnce.Do(func() { close(s.insertEntered) })
	}
	if s.insertRelease != nil {
		<-s.insertRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, tx := range txs {
		if _, dup := s.hashes[tx.ContentHash]; dup {
			continue
		}
		s.hashes[tx.ContentHash] = struct{}{}
		s.txs = append(s.txs, tx)
		inserted++
	}
	return inserted, nil
}

func (s *memStore) MaxRowIndex(_ context.Context, tenantID string, rawFileID uuid.UUID) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxIdx, any := 0, false
	for _, tx := range s.txs {
		if tx.TenantID != tenantID || tx.RawFileID != rawFileID {
			continue
		}
		if !any || tx.RowIndex > maxIdx {
			maxIdx, any = tx.RowIndex, true
		}
	}
	return maxIdx, any, nil
}

func (s *memStore) RecordOccurrences(_ context.Context, _ string, counts map[uuid.UUID]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range counts {
		s.occurrences[id] += n
	}
	return nil
}

func (s *memStore) GetParsePlanByHeader(_ context.Context, _ string, headerHash string) (models.ParsePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plans[headerHash]; ok {
		return p, nil
	}
	return models.ParsePlan{}, models.ErrNotFound
}

func (s *memStore) UpsertParsePlan(_ context.Context, p models.ParsePlan) (models.ParsePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.plans[p.HeaderHash] = p
	return p, nil
}

func (s *memStore) ExistingHashes(_ context.Context, _ string, hashes []string) (map[string]struct{}, error) {
	if s.chunkBuilt != nil {
		select {
		case s.chunkBuilt <- struct{}{}:
		default:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, h := range hashes {
		if _, ok := s.hashes[h]; ok {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) ListActivePatterns(_ context.Context, tenantID string) ([]models.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Pattern
	for _, p := range s.pats {
		if p.TenantID == tenantID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) lastStatus() models.RawFileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *memStore) storedTxs() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Transaction, len(s.txs))
	copy(out, s.txs)
	return out
}

func (s *memStore) occurrenceCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occurrences[id]
}

// stubLLM refuses every call. Plans must come from the store and
// classification falls through to patterns and defaults.
type stubLLM struct{}

func (stubLLM) Enabled() bool { return false }
func (stubLLM) Complete(context.Context, llm.Request) (string, error) {
	return "", models.ErrLLMUnavailable
}

type progressLog struct {
	mu   sync.Mutex
	snap []Progress
}

func (p *progressLog) add(pr Progress) {
	p.mu.Lock()
	p.snap = append(p.snap, pr)
	p.mu.Unlock()
}

func (p *progressLog) states() []JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobState, len(p.snap))
	for i, s := range p.snap {
		out[i] = s.State
	}
	return out
}

type rig struct {
	store    *memStore
	coord    *Coordinator
	blobs    blob.Store
	progress *progressLog
}

func newRig(t *testing.T, st *memStore, chunkSize int) *rig {
	t.Helper()
	nop := zerolog.Nop()
	planner, err := analyzer.New(st, stubLLM{}, config.PipelineConfig{}, nop)
	if err != nil {
		t.Fatalf("analyzer.New: %v", err)
	}
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	prog := &progressLog{}
	coord := New(Deps{
		Store:      st,
		Blobs:      blobs,
		Analyzer:   planner,
		Ingest:     ingest.NewEngine(st, nop),
		Classifier: classify.New(patterns.NewMatcher(st, nop), stubLLM{}, nop),
		Notify:     prog.add,
		Log:        nop,
	}, config.PipelineConfig{ChunkSize: chunkSize})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &rig{store: st, coord: coord, blobs: blobs, progress: prog}
}

func exportCSV(lines ...string) []byte {
	return []byte("Date,Description,Amount\n" + strings.Join(lines, "\n") + "\n")
}

func vendorLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("2024-03-%02d,Vendor Payment %d,-%d.50", i+1, i+1, i+10)
	}
	return lines
}

func (r *rig) seedFile(t *testing.T, data []byte) models.RawFile {
	t.Helper()
	ref, err := r.blobs.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("blob put: %v", err)
	}
	f := models.RawFile{
		ID:       uuid.New(),
		TenantID: testTenant,
		Filename: "export.csv",
		BlobRef:  ref,
		Status:   models.FileReceived,
	}
	r.store.mu.Lock()
	r.store.files[f.ID] = f
	r.store.mu.Unlock()
	return f
}

func (r *rig) seedPlan(data []byte) models.ParsePlan {
	plan := models.ParsePlan{
		ID:             uuid.New(),
		TenantID:       testTenant,
		HeaderHash:     ingest.HeaderHash(testTenant, data),
		Delimiter:      ",",
		HeaderRowIndex: 0,
		ColumnMapping: map[string]string{
			models.FieldPostedDate:  "Date",
			models.FieldDescription: "Description",
			models.FieldAmount:      "Amount",
		},
		DateFormats:     []string{"2006-01-02"},
		ImplicitAccount: "OPS-MAIN",
	}
	r.store.mu.Lock()
	r.store.plans[plan.HeaderHash] = plan
	r.store.mu.Unlock()
	return plan
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

func waitTicks(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("builder produced %d of %d chunks", i, n)
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestJobIngestsFileEndToEnd(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 2)

	lines := vendorLines(5)
	lines = append(lines, lines[0]) // in-file duplicate, lands in a later chunk
	data := exportCSV(lines...)
	plan := r.seedPlan(data)
	pat := models.Pattern{
		ID:         uuid.New(),
		TenantID:   testTenant,
		Kind:       models.KindDescription,
		MatchType:  models.MatchSubstring,
		Expression: "vendor payment",
		EntityCode: "CORP",
		Category:   "opex",
		Confidence: 0.9,
		Source:     models.PatternSeed,
		Active:     true,
	}
	st.pats = append(st.pats, pat)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	got := job.Progress()
	if got.State != StateCompleted {
		t.Fatalf("state: got %s, error %q", got.State, got.Error)
	}
	if !got.Analyzed {
		t.Fatal("analyzed flag not set")
	}
	if got.RowsTotal != 6 || got.RowsProcessed != 6 {
		t.Fatalf("row accounting: total %d processed %d", got.RowsTotal, got.RowsProcessed)
	}
	if got.RowsAccepted != 5 || got.RowsDuplicate != 1 || got.RowsRejected != 0 {
		t.Fatalf("accepted %d duplicate %d rejected %d",
			got.RowsAccepted, got.RowsDuplicate, got.RowsRejected)
	}
	if st.lastStatus() != models.FileIngested {
		t.Fatalf("file status: %s", st.lastStatus())
	}

	txs := st.storedTxs()
	if len(txs) != 5 {
		t.Fatalf("stored %d transactions", len(txs))
	}
	first := txs[0]
	if first.TenantID != testTenant || first.RawFileID != file.ID || first.RowIndex != 1 {
		t.Fatalf("first row misattributed: tenant %q file %s index %d",
			first.TenantID, first.RawFileID, first.RowIndex)
	}
	if first.Currency != "EUR" || first.AccountIdentifier != "OPS-MAIN" {
		t.Fatalf("plan defaults not applied: %s %s", first.Currency, first.AccountIdentifier)
	}
	if first.Amount.String() != "-10.5" {
		t.Fatalf("amount: got %s", first.Amount)
	}
	cl := first.Classification
	if cl.Source != models.SourceTenantPattern || cl.EntityCode != "CORP" || cl.Category != "opex" {
		t.Fatalf("classification: %+v", cl)
	}
	if first.NeedsReview {
		t.Fatal("pattern match above threshold should not need review")
	}
	if n := st.occurrenceCount(pat.ID); n != 5 {
		t.Fatalf("pattern occurrences: got %d, want 5", n)
	}

	st.mu.Lock()
	planIDs := append([]uuid.UUID(nil), st.planIDs...)
	st.mu.Unlock()
	if len(planIDs) != 1 || planIDs[0] != plan.ID {
		t.Fatalf("plan recorded on file: %v", planIDs)
	}

	states := r.progress.states()
	if len(states) == 0 || states[len(states)-1] != StateCompleted {
		t.Fatalf("final notification: %v", states)
	}
	var sawRunning bool
	for _, s := range states {
		if s == StateRunning {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Fatalf("no running snapshot pushed: %v", states)
	}

	if _, err := r.coord.Job("globex", job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cross-tenant job lookup: %v", err)
	}
	snap, err := r.coord.Status(testTenant, job.ID)
	if err != nil || snap.RowsAccepted != 5 {
		t.Fatalf("status lookup: %+v, %v", snap, err)
	}
}

func TestJobClassifiesUnmatchedRowsAsDefault(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 0)

	data := exportCSV("2024-03-01,Completely Unknown Counterparty,-42.00")
	r.seedPlan(data)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	if got := job.Progress(); got.State != StateCompleted {
		t.Fatalf("state: got %s, error %q", got.State, got.Error)
	}
	txs := st.storedTxs()
	if len(txs) != 1 {
		t.Fatalf("stored %d transactions", len(txs))
	}
	cl := txs[0].Classification
	if cl.Source != models.SourceDefault || cl.Confidence != 0 {
		t.Fatalf("expected default classification, got %+v", cl)
	}
	if !txs[0].NeedsReview {
		t.Fatal("default classification must be flagged for review")
	}
}

func TestResumeSkipsCommittedRows(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 2)

	data := exportCSV(vendorLines(6)...)
	r.seedPlan(data)
	file := r.seedFile(t, data)

	// rows 1-3 were committed by an earlier run
	for i := 1; i <= 3; i++ {
		st.txs = append(st.txs, models.Transaction{
			TenantID:  testTenant,
			RawFileID: file.ID,
			RowIndex:  i,
		})
	}

	job, err := r.coord.Resume(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !job.Resume {
		t.Fatal("resume flag not set on job")
	}
	waitDone(t, job)

	got := job.Progress()
	if got.State != StateCompleted {
		t.Fatalf("state: got %s, error %q", got.State, got.Error)
	}
	if got.RowsTotal != 3 || got.RowsAccepted != 3 {
		t.Fatalf("resume accounting: total %d accepted %d", got.RowsTotal, got.RowsAccepted)
	}
	txs := st.storedTxs()
	if len(txs) != 6 {
		t.Fatalf("stored %d transactions after resume", len(txs))
	}
	for _, tx := range txs[3:] {
		if tx.RowIndex <= 3 {
			t.Fatalf("row %d committed twice", tx.RowIndex)
		}
	}
	if st.lastStatus() != models.FileIngested {
		t.Fatalf("file status: %s", st.lastStatus())
	}
}

func TestJobFailsWhenRejectionsExceedTenantLimit(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 0)

	// half the rows carry unparseable dates; the default limit is 25%
	data := exportCSV(
		"2024-03-01,Vendor Payment 1,-10.50",
		"not-a-date,Vendor Payment 2,-11.50",
		"2024-03-03,Vendor Payment 3,-12.50",
		"not-a-date,Vendor Payment 4,-13.50",
		"2024-03-05,Vendor Payment 5,-14.50",
		"not-a-date,Vendor Payment 6,-15.50",
	)
	r.seedPlan(data)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	got := job.Progress()
	if got.State != StateFailed {
		t.Fatalf("state: got %s", got.State)
	}
	if !strings.Contains(got.Error, "tenant limit") {
		t.Fatalf("failure reason: %q", got.Error)
	}
	if got.RowsRejected != 3 || got.RowsAccepted != 3 {
		t.Fatalf("rejected %d accepted %d", got.RowsRejected, got.RowsAccepted)
	}
	// good rows stay committed; the failure is the file verdict
	if len(st.storedTxs()) != 3 {
		t.Fatalf("stored %d transactions", len(st.storedTxs()))
	}
	if st.lastStatus() != models.FileFailed {
		t.Fatalf("file status: %s", st.lastStatus())
	}
	rejects := job.Rejections()
	if len(rejects) != 3 {
		t.Fatalf("retained %d rejections", len(rejects))
	}
	if rejects[0].Field != models.FieldPostedDate {
		t.Fatalf("rejection field: %s", rejects[0].Field)
	}
}

func TestJobFailsWhenPlanMissingAndLLMDown(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 0)

	data := exportCSV(vendorLines(2)...)
	file := r.seedFile(t, data) // no stored plan for this layout

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, job)

	got := job.Progress()
	if got.State != StateFailed {
		t.Fatalf("state: got %s", got.State)
	}
	if !strings.Contains(got.Error, "analyze") {
		t.Fatalf("failure reason: %q", got.Error)
	}
	if st.lastStatus() != models.FileFailed {
		t.Fatalf("file status: %s", st.lastStatus())
	}
	if len(st.storedTxs()) != 0 {
		t.Fatal("rows committed despite failed analysis")
	}
}

func TestCancelCommitsInFlightChunkThenResumes(t *testing.T) {
	st := newMemStore()
	st.chunkBuilt = make(chan struct{}, 8)
	st.insertEntered = make(chan struct{})
	st.insertRelease = make(chan struct{})
	r := newRig(t, st, 2)

	data := exportCSV(vendorLines(6)...)
	r.seedPlan(data)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitClosed(t, st.insertEntered, "first chunk commit")
	waitTicks(t, st.chunkBuilt, 3) // builder is past its last cancellation check
	if err := r.coord.Cancel(testTenant, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(st.insertRelease)
	waitDone(t, job)

	got := job.Progress()
	if got.State != StateCancelled {
		t.Fatalf("state: got %s, error %q", got.State, got.Error)
	}
	if got.RowsProcessed != 2 || got.RowsAccepted != 2 {
		t.Fatalf("committed past cancellation: processed %d accepted %d",
			got.RowsProcessed, got.RowsAccepted)
	}
	if st.lastStatus() != models.FilePartiallyIngested {
		t.Fatalf("file status after cancel: %s", st.lastStatus())
	}

	// a resume run picks up after the last committed row and finishes
	job2, err := r.coord.Resume(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitDone(t, job2)

	got2 := job2.Progress()
	if got2.State != StateCompleted {
		t.Fatalf("resume state: got %s, error %q", got2.State, got2.Error)
	}
	if got2.RowsTotal != 4 || got2.RowsAccepted != 4 {
		t.Fatalf("resume accounting: total %d accepted %d", got2.RowsTotal, got2.RowsAccepted)
	}
	if st.lastStatus() != models.FileIngested {
		t.Fatalf("file status after resume: %s", st.lastStatus())
	}
	if txs := st.storedTxs(); len(txs) != 6 {
		t.Fatalf("stored %d transactions after cancel+resume", len(txs))
	}
}

func TestSecondStartForSameFileRefused(t *testing.T) {
	st := newMemStore()
	st.insertEntered = make(chan struct{})
	st.insertRelease = make(chan struct{})
	r := newRig(t, st, 2)

	data := exportCSV(vendorLines(4)...)
	r.seedPlan(data)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitClosed(t, st.insertEntered, "first chunk commit")

	if _, err := r.coord.Start(context.Background(), testTenant, file.ID); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second start while running: %v", err)
	}

	close(st.insertRelease)
	waitDone(t, job)
	if got := job.Progress(); got.State != StateCompleted {
		t.Fatalf("state: got %s, error %q", got.State, got.Error)
	}

	// the file is free again; the re-run dedupes everything against the store
	rerun, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	waitDone(t, rerun)

	got := rerun.Progress()
	if got.State != StateCompleted {
		t.Fatalf("re-run state: got %s, error %q", got.State, got.Error)
	}
	if got.RowsAccepted != 0 || got.RowsDuplicate != 4 {
		t.Fatalf("re-run accounting: accepted %d duplicate %d",
			got.RowsAccepted, got.RowsDuplicate)
	}
	if txs := st.storedTxs(); len(txs) != 4 {
		t.Fatalf("stored %d transactions after re-run", len(txs))
	}
}

func TestLaunchValidation(t *testing.T) {
	st := newMemStore()
	r := newRig(t, st, 0)

	if _, err := r.coord.Start(context.Background(), "", uuid.New()); !errors.Is(err, models.ErrMissingTenant) {
		t.Fatalf("empty tenant: %v", err)
	}
	if _, err := r.coord.Start(context.Background(), testTenant, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown file: %v", err)
	}
	if _, err := r.coord.Job(testTenant, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown job: %v", err)
	}
	if err := r.coord.Cancel(testTenant, uuid.New()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("cancel unknown job: %v", err)
	}
}

func TestShutdownInterruptsAndWaits(t *testing.T) {
	st := newMemStore()
	st.chunkBuilt = make(chan struct{}, 8)
	st.insertEntered = make(chan struct{})
	st.insertRelease = make(chan struct{})
	r := newRig(t, st, 2)

	data := exportCSV(vendorLines(6)...)
	r.seedPlan(data)
	file := r.seedFile(t, data)

	job, err := r.coord.Start(context.Background(), testTenant, file.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitClosed(t, st.insertEntered, "first chunk commit")
	waitTicks(t, st.chunkBuilt, 3)

	shutCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.coord.Shutdown(shutCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown with a blocked job: %v", err)
	}

	close(st.insertRelease)
	waitDone(t, job)

	if err := r.coord.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown after jobs drained: %v", err)
	}

	got := job.Progress()
	if got.State != StateCancelled {
		t.Fatalf("state after shutdown: %s, error %q", got.State, got.Error)
	}
	// chunk one was mid-commit, chunk two was already queued; both land
	if got.RowsProcessed != 4 || got.RowsAccepted != 4 {
		t.Fatalf("processed %d accepted %d", got.RowsProcessed, got.RowsAccepted)
	}
	if st.lastStatus() != models.FilePartiallyIngested {
		t.Fatalf("file status: %s", st.lastStatus())
	}
}
