// Package scheduler wakes suspended flow executions and fires
// cron-triggered flows. A single worker goroutine owns a time-ordered
// heap; every push resets its timer.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agenthub/internal/store"
)

// Waker resumes a parked execution. Implemented by flow.Executor; stale
// tokens are the waker's problem, the scheduler fires and forgets.
type Waker interface {
	Resume(ctx context.Context, r store.ResumptionRecord) error
}

// CronJob is a self-rescheduling entry. Fire runs in its own goroutine
// on every tick of Expr.
type CronJob struct {
	Key  string
	Expr string
	Fire func(ctx context.Context)
}

// Deps carries the scheduler's collaborators.
type Deps struct {
	Store  *store.Store
	Waker  Waker
	Logger *slog.Logger
}

type item struct {
	wakeAt time.Time

	// resume wake
	rec *store.ResumptionRecord

	// cron wake
	cronKey string
	cronGen uint64

	index int
}

type wakeHeap []*item

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type cronEntry struct {
	job CronJob
	gen uint64
}

// Scheduler owns the wake heap and the worker loop.
type Scheduler struct {
	store *store.Store
	waker Waker
	log   *slog.Logger
	gron  *gronx.Gronx

	mu      sync.Mutex
	heap    wakeHeap
	resumes map[string]*item // executionID -> queued item
	crons   map[string]*cronEntry
	gen     uint64

	kick chan struct{}
}

func New(deps Deps) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		store:   deps.Store,
		waker:   deps.Waker,
		log:     log,
		gron:    gronx.New(),
		resumes: make(map[string]*item),
		crons:   make(map[string]*cronEntry),
		kick:    make(chan struct{}, 1),
	}
	heap.Init(&s.heap)
	return s
}

// Notify parks a freshly suspended execution. Wired as the executor's
// suspend notifier; safe to call before Run starts.
func (s *Scheduler) Notify(rec store.ResumptionRecord) {
	wake := time.UnixMilli(rec.WakeAt)
	s.mu.Lock()
	if it, ok := s.resumes[rec.ExecutionID]; ok {
		r := rec
		it.rec = &r
		it.wakeAt = wake
		heap.Fix(&s.heap, it.index)
	} else {
		r := rec
		it := &item{wakeAt: wake, rec: &r}
		heap.Push(&s.heap, it)
		s.resumes[rec.ExecutionID] = it
	}
	s.mu.Unlock()
	s.wakeWorker()
}

// SetCronJobs replaces the registered cron entries, typically after a
// matcher reload. Heap items from dropped or changed entries carry an
// old generation and are discarded when they surface.
func (s *Scheduler) SetCronJobs(jobs []CronJob) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	next := make(map[string]*cronEntry, len(jobs))
	for _, job := range jobs {
		if job.Fire == nil || !s.gron.IsValid(job.Expr) {
			s.log.Warn("sched.cron_invalid", "key", job.Key, "expr", job.Expr)
			continue
		}
		tick, err := gronx.NextTick(job.Expr, false)
		if err != nil {
			s.log.Warn("sched.cron_invalid", "key", job.Key, "expr", job.Expr, "error", err)
			continue
		}
		next[job.Key] = &cronEntry{job: job, gen: gen}
		heap.Push(&s.heap, &item{wakeAt: tick, cronKey: job.Key, cronGen: gen})
	}
	s.crons = next
	s.mu.Unlock()
	s.wakeWorker()
}

func (s *Scheduler) wakeWorker() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

const idleWait = time.Hour

// Run replays parked resumptions from the store, then serves wakes until
// ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.loadPending(ctx); err != nil {
		s.log.Warn("sched.replay_failed", "error", err)
	}
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-timer.C:
		}
		s.fireDue(ctx)
	}
}

func (s *Scheduler) loadPending(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	pending, err := s.store.PendingResumptions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		s.Notify(rec)
	}
	if len(pending) > 0 {
		s.log.Info("sched.resumptions_loaded", "count", len(pending))
	}
	return nil
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return idleWait
	}
	d := time.Until(s.heap[0].wakeAt)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].wakeAt.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.heap).(*item)

		if it.rec != nil {
			delete(s.resumes, it.rec.ExecutionID)
			rec := *it.rec
			s.mu.Unlock()
			go s.resume(ctx, rec)
			continue
		}

		entry, ok := s.crons[it.cronKey]
		if !ok || entry.gen != it.cronGen {
			s.mu.Unlock()
			continue
		}
		// Reschedule from now, not from the popped tick; missed ticks
		// after a stall are skipped rather than replayed in a burst.
		if tick, err := gronx.NextTickAfter(entry.job.Expr, now, false); err == nil {
			heap.Push(&s.heap, &item{wakeAt: tick, cronKey: it.cronKey, cronGen: it.cronGen})
		}
		fire := entry.job.Fire
		s.mu.Unlock()

		s.log.Debug("sched.cron_fired", "key", it.cronKey)
		go fire(ctx)
	}
}

func (s *Scheduler) resume(ctx context.Context, rec store.ResumptionRecord) {
	if err := s.waker.Resume(ctx, rec); err != nil {
		s.log.Warn("sched.resume_failed",
			"execution", rec.ExecutionID, "node", rec.NodeID, "error", err)
	}
}
