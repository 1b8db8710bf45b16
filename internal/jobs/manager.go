package jobs

import (
	"cmp"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Snapshotter provides the dataset a new job runs against.
type Snapshotter interface {
	Current() (*dataset.Dataset, error)
}

// EventPublisher receives job lifecycle events. Routing keys have the form
// "job.<status>" and the payload is the Job.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Task is the input of a Runner.
type Task struct {
	JobID   string
	Params  Params
	Dataset *dataset.Dataset

	progress func(int)
}

// Progress reports a percentage in [0,99]. Lower values than previously
// reported are ignored.
func (t Task) Progress(percent int) {
	if t.progress != nil {
		t.progress(percent)
	}
}

// Runner produces the result file of one job type.
type Runner interface {
	// Extension is the file extension of the result, e.g. "csv".
	Extension() string
	// Run writes the result to w. Any error fails the job.
	Run(ctx context.Context, task Task, w io.Writer) error
}

// NewManagerParams configures a Manager.
//
// Concurrency is the number of workers (default 1). MaxQueued bounds the
// number of waiting jobs; <= 0 means unbounded. Runner output is written to
// a temporary file in TempDir (default os.TempDir) before it is stored.
type NewManagerParams struct {
	Concurrency int
	MaxQueued   int
	Runners     map[Type]Runner
	Store       storage.ResultStore
	Source      Snapshotter
	Events      EventPublisher
	TempDir     string
}

type entry struct {
	job  Job
	seq  uint64
	ds   *dataset.Dataset
	key  string
	elem *list.Element
}

// Manager owns every job, the FIFO of waiting jobs and the worker pool.
type Manager struct {
	params NewManagerParams

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *list.List
	jobs   map[string]*entry
	seq    uint64
	closed bool

	wg sync.WaitGroup
}

// NewManager starts the worker pool.
func NewManager(params NewManagerParams) (*Manager, error) {
	if params.Store == nil {
		return nil, errors.New("jobs: result store is required")
	}
	if params.Source == nil {
		return nil, errors.New("jobs: dataset source is required")
	}
	if params.Concurrency <= 0 {
		params.Concurrency = 1
	}
	params.Runners = cloneRunners(params.Runners)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		params: params,
		ctx:    ctx,
		cancel: cancel,
		queue:  list.New(),
		jobs:   make(map[string]*entry),
	}
	m.cond = sync.NewCond(&m.mu)

	for range params.Concurrency {
		m.wg.Add(1)
		go m.worker()
	}
	logger.Info("[Jobs] Started workers", "concurrency", params.Concurrency, "max_queued", params.MaxQueued)
	return m, nil
}

func cloneRunners(in map[Type]Runner) map[Type]Runner {
	out := make(map[Type]Runner, len(in))
	for t, r := range in {
		if r != nil {
			out[t] = r
		}
	}
	return out
}

// Submit queues a job against the currently active dataset and returns its
// id without waiting for it to run.
func (m *Manager) Submit(ctx context.Context, typ Type, params Params) (string, error) {
	if _, ok := m.params.Runners[typ]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, typ)
	}
	if _, err := params.Filter.Compile(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	ds, err := m.params.Source.Current()
	if err != nil {
		return "", err
	}
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.params.MaxQueued > 0 && m.queue.Len() >= m.params.MaxQueued {
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	m.seq++
	e := &entry{
		seq: m.seq,
		ds:  ds,
		job: Job{
			ID:        id,
			Type:      typ,
			Status:    StatusQueued,
			Params:    params,
			DatasetID: ds.ID(),
			CreatedAt: time.Now().UTC(),
		},
	}
	e.elem = m.queue.PushBack(e)
	m.jobs[id] = e
	job := e.job
	m.cond.Signal()
	m.mu.Unlock()

	jobsSubmitted.WithLabelValues(string(typ)).Inc()
	jobsQueued.Inc()
	logger.Info("[Jobs] Queued job", "id", id, "type", typ, "dataset", job.DatasetID)
	m.publish(ctx, job)
	return id, nil
}

// Status returns the current state of a job.
func (m *Manager) Status(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, nil
}

// List returns every known job in submission order.
func (m *Manager) List() []Job {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Job, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) completedKey(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.Status != StatusCompleted {
		return "", fmt.Errorf("%w: job %s is %s", ErrJobNotReady, id, e.job.Status)
	}
	return e.key, nil
}

// Download opens the result of a completed job. The caller closes it.
func (m *Manager) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	key, err := m.completedKey(id)
	if err != nil {
		return nil, err
	}
	return m.params.Store.Open(ctx, key)
}

// Link returns a direct download URL when the result store supports it.
// The boolean is false for stores without links.
func (m *Manager) Link(ctx context.Context, id string) (string, bool, error) {
	key, err := m.completedKey(id)
	if err != nil {
		return "", false, err
	}
	linker, ok := m.params.Store.(storage.Linker)
	if !ok {
		return "", false, nil
	}
	link, err := linker.Link(ctx, key)
	return link, true, err
}

// Cancel removes a queued job from the queue. Running and finished jobs
// cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.Status != StatusQueued {
		status := e.job.Status
		m.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, id, status)
	}
	m.cancelQueued(e, "cancelled by request")
	job := e.job
	m.mu.Unlock()

	jobsQueued.Dec()
	jobsFinished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	logger.Info("[Jobs] Cancelled job", "id", id)
	m.publish(ctx, job)
	return job, nil
}

// cancelQueued must be called with m.mu held.
func (m *Manager) cancelQueued(e *entry, reason string) {
	m.queue.Remove(e.elem)
	now := time.Now().UTC()
	e.elem = nil
	e.ds = nil
	e.job.Status = StatusCancelled
	e.job.Error = reason
	e.job.CompletedAt = &now
}

// Prune forgets terminal jobs that finished more than retention ago and
// deletes their results. It returns the number of removed jobs.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	var keys []string
	removed := 0
	for id, e := range m.jobs {
		if !e.job.Status.Terminal() || e.job.CompletedAt == nil || e.job.CompletedAt.After(cutoff) {
			continue
		}
		if e.key != "" {
			keys = append(keys, e.key)
		}
		delete(m.jobs, id)
		removed++
	}
	m.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := m.params.Store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if removed > 0 {
		logger.Info("[Jobs] Pruned jobs", "removed", removed, "results", len(keys), "errors", len(errs))
	}
	return removed, errors.Join(errs...)
}

// Close stops accepting jobs, cancels waiting ones and waits for running
// jobs to finish. When ctx ends first, running jobs are signalled to stop
// and ctx's error is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var cancelled []Job
	for m.queue.Len() > 0 {
		e := m.queue.Front().Value.(*entry)
		m.cancelQueued(e, ErrClosed.Error())
		cancelled = append(cancelled, e.job)
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, job := range cancelled {
		jobsQueued.Dec()
		jobsFinished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
		m.publish(ctx, job)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for m.queue.Len() == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		e := m.queue.Remove(m.queue.Front()).(*entry)
		e.elem = nil
		now := time.Now().UTC()
		e.job.Status = StatusRunning
		e.job.StartedAt = &now
		job := e.job
		m.mu.Unlock()

		jobsQueued.Dec()
		jobsRunning.Inc()
		logger.Debug("[Jobs] Running job", "id", job.ID, "type", job.Type)
		m.publish(m.ctx, job)

		m.execute(e, job)
	}
}

func (m *Manager) execute(e *entry, job Job) {
	start := time.Now()
	key := fmt.Sprintf("%ss/%s.%s", job.Type, job.ID, m.params.Runners[job.Type].Extension())
	task := Task{
		JobID:    job.ID,
		Params:   job.Params,
		Dataset:  e.ds,
		progress: func(p int) { m.setProgress(e, p) },
	}

	location, err := m.run(m.params.Runners[job.Type], task, key)

	m.mu.Lock()
	now := time.Now().UTC()
	e.job.CompletedAt = &now
	e.ds = nil
	if err != nil {
		failure := &UnrecoverableJobError{JobID: job.ID, Err: err}
		e.job.Status = StatusFailed
		e.job.Error = failure.Error()
		e.job.Failure = failure
	} else {
		e.job.Status = StatusCompleted
		e.job.Progress = 100
		e.job.ResultLocation = location
		e.key = key
	}
	job = e.job
	m.mu.Unlock()

	elapsed := time.Since(start)
	jobsRunning.Dec()
	jobsFinished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	jobDuration.WithLabelValues(string(job.Type), string(job.Status)).Observe(elapsed.Seconds())
	if err != nil {
		logger.Error("[Jobs] Job failed", "id", job.ID, "type", job.Type, "err", err)
	} else {
		logger.Info("[Jobs] Job completed", "id", job.ID, "type", job.Type, "duration", elapsed, "location", location)
	}
	m.publish(m.ctx, job)
}

// run executes the runner into a temporary file and stores the file once
// the runner succeeded. The temporary file is always removed.
func (m *Manager) run(runner Runner, task Task, key string) (location string, err error) {
	tmp, err := os.CreateTemp(m.params.TempDir, "ipdr-job-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := safeRun(m.ctx, runner, task, tmp); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind result: %w", err)
	}
	return m.params.Store.Put(m.ctx, key, tmp)
}

func safeRun(ctx context.Context, runner Runner, task Task, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, task, w)
}

func (m *Manager) setProgress(e *entry, percent int) {
	percent = min(percent, 99)
	m.mu.Lock()
	if e.job.Status == StatusRunning && percent > e.job.Progress {
		e.job.Progress = percent
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, job Job) {
	if m.params.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.params.Events.Publish(ctx, "job."+string(job.Status), job); err != nil {
		logger.Warn("[Jobs] Failed to publish job event", "id", job.ID, "status", job.Status, "err", err)
	}
}
