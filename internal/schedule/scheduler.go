package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "castbot/pkg/logx"
)

// Job is a recurring unit of work.
type Job struct {
	Name    string
	Trigger Trigger
	Run     func(ctx context.Context) error
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
}

// Handle identifies a registered job.
type Handle uint64

// ErrorHook observes failed or panicking job runs.
type ErrorHook func(name string, err error)

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock replaces time.Now. Tests drive the scheduler through tick with a
// fake clock instead of Run.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithErrorHook(fn ErrorHook) Option { return func(s *Scheduler) { s.onErr = fn } }

type entry struct {
	id    Handle
	job   Job
	prev  time.Time
	next  time.Time
	index int

	running  bool
	fires    uint64
	skips    uint64
	lastErr  string
	lastDur  time.Duration
	lastDone time.Time
}

type Scheduler struct {
	mu     sync.Mutex
	h      entryHeap
	byID   map[Handle]*entry
	seq    Handle
	runCtx context.Context
	// inflight counts runs per job name, including runs of canceled handles.
	inflight map[string]int

	wake chan struct{}
	wg   sync.WaitGroup

	now   func() time.Time
	log   logx.Logger
	onErr ErrorHook
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byID:     map[Handle]*entry{},
		inflight: map[string]int{},
		wake:     make(chan struct{}, 1),
		now:    time.Now,
		runCtx: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Register adds a job. Its first fire is the first trigger occurrence at or
// after the current time. An Interval with a zero Anchor is anchored at the
// registration time, so it fires immediately.
func (s *Scheduler) Register(job Job) (Handle, error) {
	if job.Trigger == nil {
		return 0, errors.New("schedule: trigger required")
	}
	if job.Run == nil {
		return 0, errors.New("schedule: run func required")
	}
	now := s.now()
	if iv, ok := job.Trigger.(Interval); ok && iv.Anchor.IsZero() {
		iv.Anchor = now
		job.Trigger = iv
	}
	next := job.Trigger.Next(now.Add(-time.Nanosecond))
	if next.IsZero() {
		return 0, fmt.Errorf("schedule: trigger %s has no future occurrence", job.Trigger)
	}

	s.mu.Lock()
	s.seq++
	e := &entry{id: s.seq, job: job, next: next}
	s.byID[e.id] = e
	heap.Push(&s.h, e)
	s.mu.Unlock()

	s.log.Info("job registered", logx.String("job", job.Name), logx.String("trigger", job.Trigger.String()), logx.Time("next", next))
	s.signal()
	return e.id, nil
}

// Reschedule swaps the trigger and timeout of a registered job in place. The
// job keeps its run state, so a run in flight still blocks the next
// occurrence. The next fire is the new trigger's first occurrence after now.
func (s *Scheduler) Reschedule(h Handle, trig Trigger, timeout time.Duration) error {
	if trig == nil {
		return errors.New("schedule: trigger required")
	}
	now := s.now()
	next := trig.Next(now)
	if next.IsZero() {
		return fmt.Errorf("schedule: trigger %s has no future occurrence", trig)
	}

	s.mu.Lock()
	e, ok := s.byID[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("schedule: unknown job %d", h)
	}
	e.job.Trigger = trig
	e.job.Timeout = timeout
	e.next = next
	heap.Fix(&s.h, e.index)
	name := e.job.Name
	s.mu.Unlock()

	s.log.Info("job rescheduled", logx.String("job", name), logx.String("trigger", trig.String()), logx.Time("next", next))
	s.signal()
	return nil
}

// Prev returns the occurrence of the job's latest fire, zero before the first.
func (s *Scheduler) Prev(h Handle) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[h]
	if !ok {
		return time.Time{}, false
	}
	return e.prev, true
}

// Cancel removes a job. A run already dispatched completes normally, and a job
// registered later under the same name does not start while it is in flight.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	e, ok := s.byID[h]
	if ok {
		delete(s.byID, h)
		if e.index >= 0 {
			heap.Remove(&s.h, e.index)
		}
	}
	s.mu.Unlock()
	if ok {
		s.log.Info("job canceled", logx.String("job", e.job.Name))
		s.signal()
	}
	return ok
}

// Run blocks until ctx is done, firing jobs as they come due. Runs that are
// in flight when ctx ends are not aborted; use Wait to drain them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait, ok := s.untilNext()
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
			s.tick(s.now())
		}
	}
}

// Wait blocks until every dispatched run has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
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

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return 0, false
	}
	d := s.h[0].next.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tick fires every job due at now and advances each to its next occurrence
// strictly after now.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.h) > 0 && !s.h[0].next.After(now) {
		e := s.h[0]
		due := e.next
		if e.running || s.inflight[e.job.Name] > 0 {
			e.skips++
			s.log.Warn("job still running; occurrence skipped", logx.String("job", e.job.Name), logx.Time("due", due))
		} else {
			e.running = true
			s.inflight[e.job.Name]++
			e.fires++
			e.prev = due
			s.wg.Add(1)
			go s.fire(s.runCtx, e, e.job)
		}

		next := e.job.Trigger.Next(now)
		if next.IsZero() {
			heap.Pop(&s.h)
			delete(s.byID, e.id)
			s.log.Info("job has no further occurrences", logx.String("job", e.job.Name))
			continue
		}
		e.next = next
		heap.Fix(&s.h, e.index)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, job Job) {
	defer s.wg.Done()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	started := time.Now()
	err := runSafe(ctx, job.Run)
	dur := time.Since(started)

	s.mu.Lock()
	e.running = false
	if s.inflight[job.Name]--; s.inflight[job.Name] <= 0 {
		delete(s.inflight, job.Name)
	}
	e.lastDur = dur
	e.lastDone = s.now()
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", logx.String("job", job.Name), logx.Duration("took", dur), logx.Err(err))
		if s.onErr != nil {
			s.onErr(job.Name, err)
		}
		return
	}
	s.log.Debug("job done", logx.String("job", job.Name), logx.Duration("took", dur))
}

func runSafe(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// entryHeap orders entries by next fire time.
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
