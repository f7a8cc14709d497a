// Package pipeline runs ingestion jobs end to end: resolve the parse plan,
// build and dedupe canonical rows chunk by chunk, classify them, and commit
// each chunk in order, with live progress, cooperative cancellation and
// resume after partial ingestion.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opsledger/intake-engine/internal/analyzer"
	"github.com/opsledger/intake-engine/internal/blob"
	"github.com/opsledger/intake-engine/internal/classify"
	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/ingest"
	"github.com/opsledger/intake-engine/internal/metrics"
	"github.com/opsledger/intake-engine/pkg/models"
)

// rejectionSampleMax bounds the per-row diagnostics a job retains for the
// status endpoint. Counters keep the full totals.
const rejectionSampleMax = 200

// statusWriteTimeout bounds the detached write that records a file's
// terminal status.
const statusWriteTimeout = 5 * time.Second

// ErrJobRunning rejects a second concurrent job for the same raw file.
var ErrJobRunning = errors.New("an ingest job is already running for this file")

// errCancelled stops the chunk pipeline after a cancellation request. The
// in-flight chunk has already committed when it surfaces.
var errCancelled = errors.New("job cancelled")

// JobState is the lifecycle of one ingestion job.
type JobState string

const (
	StateAnalyzing JobState = "analyzing"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// Progress is one snapshot of a job, pushed to the stream on every state
// change and after every chunk commit.
type Progress struct {
	JobID         uuid.UUID `json:"jobId"`
	RawFileID     uuid.UUID `json:"rawFileId"`
	TenantID      string    `json:"tenantId"`
	State         JobState  `json:"state"`
	Analyzed      bool      `json:"analyzed"`
	RowsTotal     int64     `json:"rowsTotal"`
	RowsProcessed int64     `json:"rowsProcessed"`
	RowsAccepted  int64     `json:"rowsAccepted"`
	RowsDuplicate int64     `json:"rowsDuplicate"`
	RowsRejected  int64     `json:"rowsRejected"`
	Error         string    `json:"error,omitempty"`
}

// Job tracks one ingestion run. Counters are atomic so progress snapshots
// never block the pipeline.
type Job struct {
	ID        uuid.UUID
	TenantID  string
	RawFileID uuid.UUID
	Resume    bool

	analyzed      atomic.Bool
	rowsTotal     atomic.Int64
	rowsProcessed atomic.Int64
	rowsAccepted  atomic.Int64
	rowsDuplicate atomic.Int64
	rowsRejected  atomic.Int64
	cancelled     atomic.Bool

	mu         sync.Mutex
	state      JobState
	failure    string
	rejections []models.RowRejectedError

	done chan struct{}
}

// Progress returns a point-in-time snapshot safe to serialize.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	state, failure := j.state, j.failure
	j.mu.Unlock()
	return Progress{
		JobID:         j.ID,
		RawFileID:     j.RawFileID,
		TenantID:      j.TenantID,
		State:         state,
		Analyzed:      j.analyzed.Load(),
		RowsTotal:     j.rowsTotal.Load(),
		RowsProcessed: j.rowsProcessed.Load(),
		RowsAccepted:  j.rowsAccepted.Load(),
		RowsDuplicate: j.rowsDuplicate.Load(),
		RowsRejected:  j.rowsRejected.Load(),
		Error:         failure,
	}
}

// Rejections returns the retained per-row diagnostics, capped at
// rejectionSampleMax.
func (j *Job) Rejections() []models.RowRejectedError {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.RowRejectedError, len(j.rejections))
	copy(out, j.rejections)
	return out
}

// Done closes when the job goroutine has fully stopped.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) setFailure(msg string) {
	j.mu.Lock()
	j.state = StateFailed
	j.failure = msg
	j.mu.Unlock()
}

func (j *Job) keepRejections(rejects []models.RowRejectedError) {
	if len(rejects) == 0 {
		return
	}
	j.mu.Lock()
	if room := rejectionSampleMax - len(j.rejections); room > 0 {
		if room > len(rejects) {
			room = len(rejects)
		}
		j.rejections = append(j.rejections, rejects[:room]...)
	}
	j.mu.Unlock()
}

// Store is the persistence surface the coordinator needs. *db.Store
// satisfies it.
type Store interface {
	GetRawFile(ctx context.Context, tenantID string, id uuid.UUID) (models.RawFile, error)
	SetRawFilePlan(ctx context.Context, tenantID string, id, planID uuid.UUID) error
	SetRawFileStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.RawFileStatus) error
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	GetTenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	ListAccounts(ctx context.Context, tenantID string) ([]models.Account, error)
	ListLegalEntities(ctx context.Context, tenantID string) ([]models.LegalEntity, error)
	ListCategories(ctx context.Context, tenantID string) ([]models.Category, error)
	InsertTransactions(ctx context.Context, tenantID string, txs []models.Transaction) (int, error)
	MaxRowIndex(ctx context.Context, tenantID string, rawFileID uuid.UUID) (int, bool, error)
	RecordOccurrences(ctx context.Context, tenantID string, counts map[uuid.UUID]int) error
}

// Deps wires the coordinator's collaborators.
type Deps struct {
	Store      Store
	Blobs      blob.Store
	Analyzer   *analyzer.Analyzer
	Ingest     *ingest.Engine
	Classifier *classify.Classifier
	Notify     func(Progress) // progress sink, typically the websocket hub
	Log        zerolog.Logger
}

// Coordinator owns the job registry and runs one goroutine pipeline per job.
// Jobs for different files and tenants run concurrently; a raw file has at
// most one active job.
type Coordinator struct {
	store      Store
	blobs      blob.Store
	analyzer   *analyzer.Analyzer
	engine     *ingest.Engine
	classifier *classify.Classifier
	notify     func(Progress)
	chunkSize  int
	log        zerolog.Logger

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	running map[uuid.UUID]uuid.UUID // raw file id -> active job id

	wg   sync.WaitGroup
	base context.Context
	stop context.CancelFunc
}

func New(deps Deps, cfg config.PipelineConfig) *Coordinator {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	notify := deps.Notify
	if notify == nil {
		notify = func(Progress) {}
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:      deps.Store,
		blobs:      deps.Blobs,
		analyzer:   deps.Analyzer,
		engine:     deps.Ingest,
		classifier: deps.Classifier,
		notify:     notify,
		chunkSize:  chunk,
		log:        deps.Log.With().Str("component", "pipeline").Logger(),
		jobs:       make(map[uuid.UUID]*Job),
		running:    make(map[uuid.UUID]uuid.UUID),
		base:       base,
		stop:       stop,
	}
}

// Start launches an ingestion job for a previously uploaded file and returns
// its handle immediately.
func (c *Coordinator) Start(ctx context.Context, tenantID string, rawFileID uuid.UUID) (*Job, error) {
	return c.launch(ctx, tenantID, rawFileID, false)
}

// Resume launches a job that skips every source row already committed for
// the file, picking up where a failed or cancelled run stopped.
func (c *Coordinator) Resume(ctx context.Context, tenantID string, rawFileID uuid.UUID) (*Job, error) {
	return c.launch(ctx, tenantID, rawFileID, true)
}

func (c *Coordinator) launch(ctx context.Context, tenantID string, rawFileID uuid.UUID, resume bool) (*Job, error) {
	if tenantID == "" {
		return nil, models.ErrMissingTenant
	}
	file, err := c.store.GetRawFile(ctx, tenantID, rawFileID)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.New(),
		TenantID:  tenantID,
		RawFileID: rawFileID,
		Resume:    resume,
		state:     StateAnalyzing,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if active, ok := c.running[rawFileID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (job %s)", ErrJobRunning, active)
	}
	c.jobs[job.ID] = job
	c.running[rawFileID] = job.ID
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(job, file)
	return job, nil
}

// Job looks a job up, tenant-checked. Finished jobs stay queryable.
func (c *Coordinator) Job(tenantID string, jobID uuid.UUID) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

// Status returns the current progress snapshot for a job.
func (c *Coordinator) Status(tenantID string, jobID uuid.UUID) (Progress, error) {
	job, err := c.Job(tenantID, jobID)
	if err != nil {
		return Progress{}, err
	}
	return job.Progress(), nil
}

// Cancel requests cooperative cancellation. The in-flight chunk finishes and
// commits before the job stops; nothing already committed is rolled back.
func (c *Coordinator) Cancel(tenantID string, jobID uuid.UUID) error {
	job, err := c.Job(tenantID, jobID)
	if err != nil {
		return err
	}
	job.cancelled.Store(true)
	return nil
}

// Shutdown stops accepting work mid-chunk and waits for running jobs to
// exit. Interrupted files land in partially_ingested and resume later.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release(job *Job) {
	c.mu.Lock()
	if c.running[job.RawFileID] == job.ID {
		delete(c.running, job.RawFileID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) run(job *Job, file models.RawFile) {
	defer c.wg.Done()
	defer close(job.done)
	defer c.release(job)

	outcome := c.execute(c.base, job, file)
	metrics.Jobs.WithLabelValues(string(outcome)).Inc()
	c.notify(job.Progress())
}

func (c *Coordinator) execute(ctx context.Context, job *Job, file models.RawFile) JobState {
	log := c.log.With().
		Str("tenant_id", job.TenantID).
		Str("job_id", job.ID.String()).
		Str("raw_file_id", job.RawFileID.String()).
		Logger()

	job.setState(StateAnalyzing)
	c.notify(job.Progress())

	data, err := c.readBlob(ctx, file.BlobRef)
	if err != nil {
		return c.fail(job, log, models.FileFailed, fmt.Errorf("read raw file: %w", err))
	}

	plan, err := c.analyzer.Analyze(ctx, job.TenantID, data)
	if err != nil {
		return c.fail(job, log, models.FileFailed, fmt.Errorf("analyze: %w", err))
	}
	if err := c.store.SetRawFilePlan(ctx, job.TenantID, job.RawFileID, plan.ID); err != nil {
		return c.fail(job, log, models.FileFailed, err)
	}
	job.analyzed.Store(true)
	c.notify(job.Progress())

	rows, err := ingest.ParseRows(bytes.NewReader(data), &plan)
	if err != nil {
		return c.fail(job, log, models.FileFailed, fmt.Errorf("%w: %v", models.ErrUnparseableFormat, err))
	}

	if job.Resume {
		maxIdx, any, err := c.store.MaxRowIndex(ctx, job.TenantID, job.RawFileID)
		if err != nil {
			return c.fail(job, log, models.FileFailed, err)
		}
		if any {
			kept := rows[:0]
			for _, r := range rows {
				if r.Index > maxIdx {
					kept = append(kept, r)
				}
			}
			rows = kept
			log.Info().
				Int("committed_through", maxIdx).
				Int("remaining", len(rows)).
				Msg("resuming after last committed row")
		}
	}
	// total counts the rows this run will process; a resume excludes the
	// rows earlier runs committed
	job.rowsTotal.Store(int64(len(rows)))

	bc, cjob, settings, err := c.prepare(ctx, job, &plan)
	if err != nil {
		return c.fail(job, log, models.FileFailed, err)
	}

	job.setState(StateRunning)
	c.notify(job.Progress())

	err = c.runChunks(ctx, job, cjob, bc, rows)
	switch {
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		c.markFile(job, cancelStatus(job), log)
		job.setState(StateCancelled)
		log.Info().
			Int64("processed", job.rowsProcessed.Load()).
			Int64("total", job.rowsTotal.Load()).
			Msg("ingest job cancelled")
		return StateCancelled
	case err != nil:
		status := models.FileFailed
		if job.rowsProcessed.Load() > 0 {
			status = models.FilePartiallyIngested
		}
		return c.fail(job, log, status, err)
	}

	if processed := job.rowsProcessed.Load(); processed > 0 && settings.RejectRatioLimit > 0 {
		ratio := float64(job.rowsRejected.Load()) / float64(processed)
		if ratio > settings.RejectRatioLimit {
			return c.fail(job, log, models.FileFailed,
				fmt.Errorf("%.1f%% of rows rejected, tenant limit is %.1f%%",
					ratio*100, settings.RejectRatioLimit*100))
		}
	}

	c.markFile(job, models.FileIngested, log)
	job.setState(StateCompleted)
	log.Info().
		Int64("accepted", job.rowsAccepted.Load()).
		Int64("duplicate", job.rowsDuplicate.Load()).
		Int64("rejected", job.rowsRejected.Load()).
		Msg("ingest job completed")
	return StateCompleted
}

// cancelStatus picks the file status after a cancellation: a job cancelled
// after its last chunk committed still ingested everything.
func cancelStatus(job *Job) models.RawFileStatus {
	processed := job.rowsProcessed.Load()
	switch {
	case processed == job.rowsTotal.Load():
		return models.FileIngested
	case processed == 0:
		return models.FileAnalyzed
	default:
		return models.FilePartiallyIngested
	}
}

func (c *Coordinator) fail(job *Job, log zerolog.Logger, status models.RawFileStatus, err error) JobState {
	job.setFailure(err.Error())
	c.markFile(job, status, log)
	log.Error().Err(err).
		Int64("processed", job.rowsProcessed.Load()).
		Msg("ingest job failed")
	return StateFailed
}

// markFile records the file's status on a detached context so a dying job
// context cannot lose the transition that makes resume possible.
func (c *Coordinator) markFile(job *Job, status models.RawFileStatus, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.base), statusWriteTimeout)
	defer cancel()
	if err := c.store.SetRawFileStatus(ctx, job.TenantID, job.RawFileID, status); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("set raw file status")
	}
}

func (c *Coordinator) readBlob(ctx context.Context, ref string) ([]byte, error) {
	rc, err := c.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// prepare loads the per-job tenant context: settings, the account map for
// enrichment, and the classification vocabulary.
func (c *Coordinator) prepare(ctx context.Context, job *Job, plan *models.ParsePlan) (ingest.BuildContext, *classify.Job, models.TenantSettings, error) {
	var bc ingest.BuildContext

	settings, err := c.store.GetTenantSettings(ctx, job.TenantID)
	if err != nil {
		return bc, nil, settings, err
	}
	tn, err := c.store.GetTenant(ctx, job.TenantID)
	if err != nil {
		return bc, nil, settings, err
	}
	accounts, err := c.store.ListAccounts(ctx, job.TenantID)
	if err != nil {
		return bc, nil, settings, err
	}
	entities, err := c.store.ListLegalEntities(ctx, job.TenantID)
	if err != nil {
		return bc, nil, settings, err
	}
	categories, err := c.store.ListCategories(ctx, job.TenantID)
	if err != nil {
		return bc, nil, settings, err
	}

	// inactive accounts neither enrich nor classify
	accountMap := make(map[string]*models.Account, len(accounts))
	for i := range accounts {
		if !accounts[i].Active {
			continue
		}
		accountMap[strings.ToLower(accounts[i].Identifier)] = &accounts[i]
	}

	cjob, err := c.classifier.NewJob(job.TenantID, settings, classify.NewEnums(entities, categories))
	if err != nil {
		return bc, nil, settings, err
	}

	bc = ingest.BuildContext{
		TenantID:        job.TenantID,
		FileID:          job.RawFileID,
		Plan:            plan,
		Accounts:        accountMap,
		DefaultCurrency: tn.DefaultCurrency,
	}
	return bc, cjob, settings, nil
}

// runChunks drives the two pipeline stages: one goroutine builds and dedupes
// chunks in file order, the other classifies and commits them. The single
// committing goroutine keeps row commits monotonically non-decreasing in
// source row index, which resume depends on.
func (c *Coordinator) runChunks(ctx context.Context, job *Job, cjob *classify.Job, bc ingest.BuildContext, rows []ingest.Row) error {
	if len(rows) == 0 {
		return nil
	}

	type prepared struct {
		fresh      []ingest.EnrichedRow
		duplicates int
		rejects    []models.RowRejectedError
		total      int
	}

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan prepared, 1)

	g.Go(func() error {
		defer close(chunks)
		seen := make(map[string]struct{})
		for start := 0; start < len(rows); start += c.chunkSize {
			if job.cancelled.Load() {
				return nil
			}
			batch := rows[start:min(start+c.chunkSize, len(rows))]
			enriched, rejects := c.engine.BuildRows(bc, batch)
			fresh, dups, err := c.engine.FilterNew(gctx, job.TenantID, enriched, seen)
			if err != nil {
				return err
			}
			select {
			case chunks <- prepared{fresh: fresh, duplicates: dups, rejects: rejects, total: len(batch)}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for pc := range chunks {
			// a cancelled job finishes and commits the chunk it was on;
			// chunks still queued are abandoned for a later resume
			if job.cancelled.Load() {
				return errCancelled
			}

			start := time.Now()
			txs := make([]models.Transaction, 0, len(pc.fresh))
			for _, row := range pc.fresh {
				res, err := c.classifier.Classify(gctx, cjob, row)
				if err != nil {
					return fmt.Errorf("classify row %d: %w", row.Row.RowIndex, err)
				}
				txs = append(txs, buildTransaction(job.TenantID, row, res))
			}

			inserted := 0
			if len(txs) > 0 {
				var err error
				inserted, err = c.store.InsertTransactions(gctx, job.TenantID, txs)
				if err != nil {
					return fmt.Errorf("commit chunk: %w", err)
				}
			}
			raced := len(txs) - inserted

			if occ := cjob.DrainOccurrences(); occ != nil {
				// occurrence counts only rank patterns; losing a batch is
				// not worth failing the job
				if err := c.store.RecordOccurrences(gctx, job.TenantID, occ); err != nil {
					c.log.Warn().Err(err).
						Str("tenant_id", job.TenantID).
						Str("job_id", job.ID.String()).
						Msg("record pattern occurrences")
				}
			}

			job.rowsProcessed.Add(int64(pc.total))
			job.rowsAccepted.Add(int64(inserted))
			job.rowsDuplicate.Add(int64(pc.duplicates + raced))
			job.rowsRejected.Add(int64(len(pc.rejects)))
			job.keepRejections(pc.rejects)

			metrics.RowsAccepted.Add(float64(inserted))
			metrics.RowsDuplicate.Add(float64(pc.duplicates + raced))
			metrics.RowsRejected.Add(float64(len(pc.rejects)))
			metrics.ChunkCommitDuration.Observe(time.Since(start).Seconds())

			c.notify(job.Progress())
		}
		return nil
	})

	return g.Wait()
}

func buildTransaction(tenantID string, row ingest.EnrichedRow, res classify.Result) models.Transaction {
	t := models.Transaction{
		TenantID:          tenantID,
		RawFileID:         row.Row.RawFileID,
		RowIndex:          row.Row.RowIndex,
		PostedDate:        row.Row.PostedDate,
		Description:       row.Row.Description,
		Amount:            row.Row.Amount,
		Currency:          row.Row.Currency,
		AccountIdentifier: row.Row.AccountIdentifier,
		Origin:            row.Row.Origin,
		Destination:       row.Row.Destination,
		Reference:         row.Row.Reference,
		TransactionType:   row.Row.TransactionType,
		Network:           row.Row.Network,
		ContentHash:       row.Row.ContentHash,
		Classification:    res.Classification,
		NeedsReview:       res.NeedsReview,
	}
	if row.Origin != nil {
		t.OriginDisplay = row.Origin.DisplayName
	}
	if row.Destination != nil {
		t.DestinationDisplay = row.Destination.DisplayName
	}
	return t
}
