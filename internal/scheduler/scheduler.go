// Package scheduler runs page compile jobs on a fixed worker pool. Jobs are
// ordered by priority then submission order, duplicate submissions are
// coalesced, and a page never compiles on two workers at once: a
// submission that arrives while its page is compiling requests a single
// rerun that starts as soon as the current execution returns.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/logging"
)

// Priority orders queued jobs. Higher values run first.
type Priority int

const (
	// PriorityBackground is used for full builds.
	PriorityBackground Priority = iota
	// PriorityAffected is used for range rebuilds triggered by shared files.
	PriorityAffected
	// PriorityDirect is used for the page whose own source changed.
	PriorityDirect
	// PriorityActive is used for pages a browser is currently viewing.
	PriorityActive
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityAffected:
		return "affected"
	case PriorityDirect:
		return "direct"
	case PriorityActive:
		return "active"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Job is one request to compile a page.
type Job struct {
	// Key identifies the page, normally its source path.
	Key       string
	Permalink string
	Priority  Priority
	Reason    string

	seq   uint64
	index int
}

// ExecFunc compiles the page described by job.
type ExecFunc func(ctx context.Context, job Job) error

// Submission reports what Submit did with a job.
type Submission int

const (
	// Queued means a new job entered the queue.
	Queued Submission = iota
	// Coalesced means the job merged into one already waiting.
	Coalesced
	// Rerun means the page is compiling and will compile once more afterwards.
	Rerun
)

func (s Submission) String() string {
	switch s {
	case Queued:
		return "queued"
	case Coalesced:
		return "coalesced"
	case Rerun:
		return "rerun"
	default:
		return "unknown"
	}
}

// Scheduler errors
var (
	ErrSchedulerClosed  = &QueueError{Code: "SCHEDULER_CLOSED", Message: "scheduler has been stopped"}
	ErrSchedulerStarted = &QueueError{Code: "SCHEDULER_STARTED", Message: "scheduler is already running"}
	ErrInvalidJob       = &QueueError{Code: "INVALID_JOB", Message: "job has no key"}
)

// QueueError represents an error in scheduler operations.
type QueueError struct {
	Code    string
	Message string
}

func (qe *QueueError) Error() string {
	return qe.Message
}

// Resolver maps a permalink to the key its jobs are submitted under.
type Resolver func(permalink string) (string, bool)

// Config configures a Scheduler.
type Config struct {
	Workers  int
	Exec     ExecFunc
	Resolver Resolver
	Logger   logging.Logger
	Metrics  *Metrics
}

type inflight struct {
	rerun bool
	next  Job
}

// Scheduler is a priority work queue with per-key exclusivity.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobHeap
	queued  map[string]*Job
	running map[string]*inflight
	active  map[string]string // permalink -> key
	seq     uint64

	idle    chan struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup

	workers int
	exec    ExecFunc
	resolve Resolver
	logger  logging.Logger
	metrics *Metrics
}

// New creates a scheduler. Workers are not started until Start.
func New(cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		queued:  make(map[string]*Job),
		running: make(map[string]*inflight),
		active:  make(map[string]string),
		idle:    idle,
		workers: cfg.Workers,
		exec:    cfg.Exec,
		resolve: cfg.Resolver,
		logger:  cfg.Logger.WithComponent("scheduler"),
		metrics: cfg.Metrics,
	}
	s.cond = sync.NewCond(&s.mu)

	return s
}

// Metrics returns the scheduler's metrics tracker.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// Start launches the worker pool. Jobs execute with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return nil
}

// Submit enqueues job, merges it into an equivalent queued job, or marks
// the page for one more compile if it is already running.
func (s *Scheduler) Submit(job Job) (Submission, error) {
	if job.Key == "" {
		return Queued, ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Queued, ErrSchedulerClosed
	}

	if s.isActiveLocked(job) {
		job.Priority = PriorityActive
	}

	outcome := s.submitLocked(job)
	s.metrics.recordSubmit(outcome)

	return outcome, nil
}

func (s *Scheduler) submitLocked(job Job) Submission {
	if run, ok := s.running[job.Key]; ok {
		if run.rerun && run.next.Priority > job.Priority {
			job.Priority = run.next.Priority
		}
		run.rerun = true
		run.next = job

		return Rerun
	}

	if queued, ok := s.queued[job.Key]; ok {
		if job.Priority > queued.Priority {
			queued.Priority = job.Priority
		}
		if job.Permalink != "" {
			queued.Permalink = job.Permalink
		}
		queued.Reason = job.Reason
		heap.Fix(&s.queue, queued.index)

		return Coalesced
	}

	s.seq++
	j := job
	j.seq = s.seq
	heap.Push(&s.queue, &j)
	s.queued[j.Key] = &j
	s.markBusyLocked()
	s.cond.Signal()

	return Queued
}

// SetActivePage raises every queued job for permalink above all other
// work, and keeps doing so for later submissions until UnsetActivePage.
func (s *Scheduler) SetActivePage(permalink string) {
	key := permalink
	if s.resolve != nil {
		if k, ok := s.resolve(permalink); ok {
			key = k
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[permalink] = key
	if queued, ok := s.queued[key]; ok && queued.Priority < PriorityActive {
		queued.Priority = PriorityActive
		heap.Fix(&s.queue, queued.index)
	}
}

// UnsetActivePage stops prioritising permalink.
func (s *Scheduler) UnsetActivePage(permalink string) {
	s.mu.Lock()
	delete(s.active, permalink)
	s.mu.Unlock()
}

func (s *Scheduler) isActiveLocked(job Job) bool {
	if job.Permalink != "" {
		if _, ok := s.active[job.Permalink]; ok {
			return true
		}
	}
	for _, key := range s.active {
		if key == job.Key {
			return true
		}
	}

	return false
}

// Pending reports the number of queued plus running jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue) + len(s.running)
}

// WaitIdle blocks until no job is queued or running.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards queued jobs, lets running ones finish, and waits for the
// workers to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		s.queued = make(map[string]*Job)
		for _, run := range s.running {
			run.rerun = false
		}
		s.markIdleLocked()
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.closed || ctx.Err() != nil {
			s.mu.Unlock()

			return
		}

		job := heap.Pop(&s.queue).(*Job)
		delete(s.queued, job.Key)
		run := &inflight{}
		s.running[job.Key] = run
		s.mu.Unlock()

		s.drain(ctx, *job, run)
	}
}

// drain executes job and then any rerun requested while it ran.
func (s *Scheduler) drain(ctx context.Context, job Job, run *inflight) {
	for {
		s.execute(ctx, job)

		s.mu.Lock()
		if run.rerun && !s.closed {
			run.rerun = false
			job = run.next
			s.mu.Unlock()
			s.metrics.recordRerun()

			continue
		}
		delete(s.running, job.Key)
		if len(s.queue) == 0 && len(s.running) == 0 {
			s.markIdleLocked()
		}
		s.mu.Unlock()

		return
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()
	err := s.call(ctx, job)
	s.metrics.RecordRun(time.Since(start), err)

	if err != nil {
		s.logger.Warn(ctx, err, "compile job failed",
			"key", job.Key,
			"priority", job.Priority.String(),
			"reason", job.Reason)

		return
	}

	s.logger.Debug(ctx, "compile job finished",
		"key", job.Key,
		"priority", job.Priority.String(),
		"duration", time.Since(start))
}

func (s *Scheduler) call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = qerrors.NewInternalError(qerrors.ErrCodeInternalError,
				fmt.Sprintf("compile of %s panicked: %v", job.Key, r), nil).
				WithComponent("scheduler")
		}
	}()

	if s.exec == nil {
		return nil
	}

	return s.exec(ctx, job)
}

func (s *Scheduler) markBusyLocked() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

func (s *Scheduler) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// jobHeap orders jobs by priority, then by submission sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}

	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]

	return job
}
