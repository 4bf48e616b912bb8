package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tracelight/internal/ids"
	"tracelight/internal/model"
	"tracelight/internal/observability"
	"tracelight/internal/progress"
	"tracelight/internal/store"
)

// Errors surfaced to the API layer for 409-style conflicts.
var (
	ErrTerminalState     = errors.New("job is in a terminal state")
	ErrNotFailed         = errors.New("job is not in FAILED state")
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// Hooks are the callbacks a Runner uses to cooperate with the manager.
type Hooks struct {
	// Cancelled is polled at stage boundaries and between embed sub-tasks.
	Cancelled func() bool
	// Persist saves a job status snapshot.
	Persist func(job model.Job)
}

// Runner executes one job end-to-end. It mutates the job's stage/progress
// fields and persists snapshots through the hooks. On success it returns
// the job result.
type Runner interface {
	Run(ctx context.Context, job *model.Job, hooks Hooks) (*model.JobResult, error)
}

// EventSink receives job lifecycle notifications (optional).
type EventSink interface {
	Publish(ctx context.Context, kind string, job model.Job)
}

// Options configures the manager.
type Options struct {
	Workers         int
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RejectDuplicate bool // false: Submit short-circuits to the active job
	// TerminalRetention bounds how long terminal jobs stay in the in-memory
	// map; Status falls back to the snapshot store and the durable row after
	// eviction.
	TerminalRetention time.Duration
}

// SubmitOptions are per-submission overrides.
type SubmitOptions struct {
	MaxAttempts int
}

// Manager owns Job rows: submission, priority routing, status, retry with
// jittered exponential backoff, and cooperative cancellation.
type Manager struct {
	ids     *ids.Service
	status  StatusStore
	meta    store.MetaStore
	bus     *progress.Bus
	runner  Runner
	queue   *Queue
	opt     Options
	metrics observability.Metrics
	sink    EventSink

	mu          sync.Mutex
	jobs        map[string]*model.Job
	activeByDoc map[string]string
	cancels     map[string]*atomic.Bool

	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	rng     *rand.Rand
	rngMu   sync.Mutex
	started bool
}

// NewManager wires the manager. sink and metrics may be nil.
func NewManager(idsvc *ids.Service, status StatusStore, meta store.MetaStore, bus *progress.Bus, runner Runner, opt Options, metrics observability.Metrics, sink EventSink) *Manager {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.MaxAttempts > 10 {
		opt.MaxAttempts = 10
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = 2 * time.Second
	}
	if opt.RetryMax <= 0 {
		opt.RetryMax = 5 * time.Minute
	}
	if opt.TerminalRetention <= 0 {
		opt.TerminalRetention = time.Hour
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Manager{
		ids:         idsvc,
		status:      status,
		meta:        meta,
		bus:         bus,
		runner:      runner,
		queue:       NewQueue(),
		opt:         opt,
		metrics:     metrics,
		sink:        sink,
		jobs:        map[string]*model.Job{},
		activeByDoc: map[string]string{},
		cancels:     map[string]*atomic.Bool{},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.runCtx, m.stop = context.WithCancel(ctx)
	m.mu.Unlock()

	for i := 0; i < m.opt.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				jobID, ok := m.queue.Pop()
				if !ok {
					return
				}
				m.runJob(jobID)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight jobs to drain.
func (m *Manager) Stop() {
	m.queue.Close()
	if m.stop != nil {
		m.stop()
	}
	m.wg.Wait()
}

// Submit validates the URL and priority, computes the doc_id, applies the
// duplicate policy, and enqueues. It returns immediately with the queued
// job.
func (m *Manager) Submit(ctx context.Context, url string, priority int, opts SubmitOptions) (model.Job, error) {
	if priority < 1 || priority > 10 {
		return model.Job{}, model.Ef(model.KindInvalidInput, "priority %d outside [1,10]", priority)
	}
	docID, err := m.ids.DocID(url)
	if err != nil {
		return model.Job{}, model.Wrap(model.KindInvalidInput, "invalid url", err)
	}
	normURL, _ := m.ids.NormalizeURL(url)

	m.mu.Lock()
	if existingID, active := m.activeByDoc[docID]; active {
		existing := *m.jobs[existingID]
		m.mu.Unlock()
		if m.opt.RejectDuplicate {
			return existing, model.Ef(model.KindDuplicate, "active job %s exists for this url", existingID)
		}
		return existing, nil
	}

	maxAttempts := m.opt.MaxAttempts
	if opts.MaxAttempts > 0 && opts.MaxAttempts <= 10 {
		maxAttempts = opts.MaxAttempts
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:          uuid.NewString(),
		DocID:       docID,
		URL:         normURL,
		Status:      model.StatusPending,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	m.jobs[job.ID] = job
	m.activeByDoc[docID] = job.ID
	m.cancels[job.ID] = &atomic.Bool{}
	job.Status = model.StatusQueued
	snapshot := *job
	m.mu.Unlock()

	m.persist(snapshot)
	m.queue.Push(snapshot.ID, snapshot.Priority)
	m.metrics.IncCounter("jobs_submitted_total", nil)
	if m.sink != nil {
		m.sink.Publish(ctx, "job_submitted", snapshot)
	}
	return snapshot, nil
}

// BatchOutcome is the per-URL result of SubmitBatch.
type BatchOutcome struct {
	URL   string    `json:"url"`
	JobID string    `json:"job_id,omitempty"`
	Error string    `json:"error,omitempty"`
	Job   model.Job `json:"-"`
}

// SubmitBatch maps over Submit; partial failures never halt the batch.
func (m *Manager) SubmitBatch(ctx context.Context, urls []string, priority int, opts SubmitOptions) []BatchOutcome {
	out := make([]BatchOutcome, 0, len(urls))
	for _, u := range urls {
		job, err := m.Submit(ctx, u, priority, opts)
		o := BatchOutcome{URL: u}
		if err != nil {
			o.Error = err.Error()
		} else {
			o.JobID = job.ID
			o.Job = job
		}
		out = append(out, o)
	}
	return out
}

// Status returns the freshest copy of a job: the in-memory record while the
// manager still tracks it, else the status-store snapshot, else the durable
// row.
func (m *Manager) Status(ctx context.Context, jobID string) (model.Job, error) {
	m.mu.Lock()
	if job, ok := m.jobs[jobID]; ok {
		cp := *job
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()
	if job, err := m.status.Get(ctx, jobID); err == nil {
		return job, nil
	}
	return m.meta.GetJob(ctx, jobID)
}

// Cancel transitions QUEUED or RUNNING to CANCELLED. Running workers
// observe the flag at the next stage boundary. Cancelling an already
// cancelled job is a no-op.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		if j, err := m.Status(ctx, jobID); err == nil {
			if j.Status == model.StatusCancelled {
				return nil
			}
			return ErrTerminalState
		}
		return store.ErrNotFound
	}
	if job.Status == model.StatusCancelled {
		m.mu.Unlock()
		return nil
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return ErrTerminalState
	}
	m.cancels[jobID].Store(true)

	if job.Status == model.StatusQueued || job.Status == model.StatusRetrying {
		m.queue.Remove(jobID)
		m.finishLocked(job, model.StatusCancelled, "", "")
		snapshot := *job
		m.mu.Unlock()
		m.persist(snapshot)
		m.publishTerminal(snapshot)
		return nil
	}
	// RUNNING: the worker unwinds at the next boundary
	m.mu.Unlock()
	return nil
}

// Retry re-enqueues a FAILED job with a +2 priority boost (clamped to 10).
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != model.StatusFailed {
		return ErrNotFailed
	}
	if job.Attempts >= job.MaxAttempts {
		return ErrAttemptsExhausted
	}
	if other, active := m.activeByDoc[job.DocID]; active && other != jobID {
		return model.Ef(model.KindDuplicate, "active job %s exists for this document", other)
	}
	job.Priority += 2
	if job.Priority > 10 {
		job.Priority = 10
	}
	job.Status = model.StatusQueued
	job.Error = ""
	job.ErrorKind = ""
	job.CompletedAt = nil
	m.activeByDoc[job.DocID] = jobID
	m.cancels[jobID].Store(false)
	snapshot := *job
	go m.persist(snapshot)
	m.queue.Push(jobID, job.Priority)
	return nil
}

// runJob executes one dequeued job on the calling worker goroutine.
func (m *Manager) runJob(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	flag := m.cancels[jobID]
	if flag.Load() {
		m.finishLocked(job, model.StatusCancelled, "", "")
		snapshot := *job
		m.mu.Unlock()
		m.persist(snapshot)
		m.publishTerminal(snapshot)
		return
	}
	now := time.Now().UTC()
	job.Status = model.StatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Attempts++
	working := *job
	m.mu.Unlock()
	m.persist(working)

	hooks := Hooks{
		Cancelled: flag.Load,
		Persist: func(j model.Job) {
			m.mu.Lock()
			if cur, ok := m.jobs[j.ID]; ok {
				cur.CurrentStage = j.CurrentStage
				cur.ProgressPct = j.ProgressPct
			}
			m.mu.Unlock()
			m.persist(j)
		},
	}
	result, err := m.runner.Run(m.runCtx, &working, hooks)

	m.mu.Lock()
	job.CurrentStage = working.CurrentStage
	job.ProgressPct = working.ProgressPct

	switch {
	case err == nil:
		job.ProgressPct = 100
		job.Result = result
		m.finishLocked(job, model.StatusCompleted, "", "")
	case model.IsCancelled(err) || flag.Load():
		m.finishLocked(job, model.StatusCancelled, "", "")
	case model.IsTransient(err) && job.Attempts < job.MaxAttempts:
		// the observable cycle is RUNNING -> FAILED -> RETRYING -> QUEUED
		job.Status = model.StatusFailed
		job.ErrorKind = string(model.KindOf(err))
		job.Error = err.Error()
		failed := *job
		job.Status = model.StatusRetrying
		delay := m.backoff(job.Attempts)
		snapshot := *job
		m.mu.Unlock()
		m.persist(failed)
		m.persist(snapshot)
		m.metrics.IncCounter("jobs_retried_total", nil)
		time.AfterFunc(delay, func() { m.requeue(snapshot.ID) })
		return
	default:
		m.finishLocked(job, model.StatusFailed, string(model.KindOf(err)), err.Error())
	}
	snapshot := *job
	m.mu.Unlock()

	m.persist(snapshot)
	m.publishTerminal(snapshot)
}

// requeue moves a RETRYING job back to QUEUED after its backoff delay.
func (m *Manager) requeue(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != model.StatusRetrying {
		m.mu.Unlock()
		return
	}
	if m.cancels[jobID].Load() {
		m.finishLocked(job, model.StatusCancelled, "", "")
		snapshot := *job
		m.mu.Unlock()
		m.persist(snapshot)
		m.publishTerminal(snapshot)
		return
	}
	job.Status = model.StatusQueued
	snapshot := *job
	m.mu.Unlock()
	m.persist(snapshot)
	m.queue.Push(jobID, snapshot.Priority)
}

// finishLocked applies a terminal transition. Caller holds m.mu.
func (m *Manager) finishLocked(job *model.Job, status model.JobStatus, errKind, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.ErrorKind = errKind
	job.Error = errMsg
	if status == model.StatusCompleted {
		job.ProgressPct = 100
	}
	delete(m.activeByDoc, job.DocID)
}

// publishTerminal emits the closing SSE event and the lifecycle sink event
// for a terminal job. The pipeline publishes job_completed on success
// itself; the manager covers failure and cancellation.
func (m *Manager) publishTerminal(job model.Job) {
	m.metrics.IncCounter("jobs_finished_total", map[string]string{"status": string(job.Status)})
	time.AfterFunc(m.opt.TerminalRetention, func() {
		m.mu.Lock()
		if cur, ok := m.jobs[job.ID]; ok && cur.Status.Terminal() {
			delete(m.jobs, job.ID)
			delete(m.cancels, job.ID)
		}
		m.mu.Unlock()
	})
	if m.sink != nil {
		m.sink.Publish(context.Background(), "job_"+string(job.Status), job)
	}
	if job.Status == model.StatusCompleted {
		return
	}
	kind := string(model.ErrKind(job.ErrorKind))
	if job.Status == model.StatusCancelled {
		kind = string(model.KindCancelled)
	}
	m.bus.Publish(job.ID, progress.Event{
		Kind:      progress.EventError,
		JobID:     job.ID,
		Stage:     job.CurrentStage,
		ErrorKind: kind,
		Message:   job.Error,
	})
}

// persist writes the snapshot to the status store and the durable row.
func (m *Manager) persist(job model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log := observability.LoggerWithTrace(ctx)
	if err := m.status.Save(ctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("status_snapshot_save_failed")
	}
	if err := m.meta.UpsertJob(ctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("job_row_save_failed")
	}
}

// backoff computes base * 2^(attempts-1), jittered by ±20%, capped.
func (m *Manager) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := m.opt.RetryBase << uint(attempts-1)
	if d > m.opt.RetryMax || d <= 0 {
		d = m.opt.RetryMax
	}
	m.rngMu.Lock()
	jitter := 0.8 + 0.4*m.rng.Float64()
	m.rngMu.Unlock()
	return time.Duration(float64(d) * jitter)
}

// QueueDepth reports the number of queued jobs (for metrics and tests).
func (m *Manager) QueueDepth() int { return m.queue.Len() }
