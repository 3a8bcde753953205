// Package worker is the scheduler loop: it claims waiting tasks under a
// lock and runs them on a bounded pool of slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
	"catalogworker/internal/lock"
)

// Executor runs one task to completion. See domain.Discard for errors that
// remove the task instead of failing it.
type Executor interface {
	Run(ctx context.Context, id string) error
}

type ExecutorFunc func(ctx context.Context, id string) error

func (f ExecutorFunc) Run(ctx context.Context, id string) error { return f(ctx, id) }

type Store interface {
	SampleWaiting(ctx context.Context, t domain.TaskType, n int) ([]string, error)
	ListRunning(ctx context.Context, t domain.TaskType) ([]string, error)
	SwapStatus(ctx context.Context, t domain.TaskType, id string, from, to domain.Status) (bool, error)
	Fail(ctx context.Context, t domain.TaskType, id, msg string) error
	DeleteTask(ctx context.Context, t domain.TaskType, id string) error
}

// Recurrence is run once per poll, before sampling.
type Recurrence interface {
	RunOnce(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Concurrency      int
	Interval         time.Duration
	InactiveInterval time.Duration
	InactivityDelay  time.Duration
	LockTTL          time.Duration
	SampleSize       int
	// TaskTimeout bounds a single execution; zero disables it.
	TaskTimeout time.Duration
	// RecoverEvery is how often running tasks without a live lock are put
	// back to waiting; zero only recovers at startup.
	RecoverEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:      4,
		Interval:         2 * time.Second,
		InactiveInterval: 10 * time.Second,
		InactivityDelay:  2 * time.Minute,
		LockTTL:          5 * time.Minute,
		SampleSize:       10,
		RecoverEvery:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InactiveInterval <= 0 {
		c.InactiveInterval = d.InactiveInterval
	}
	if c.InactivityDelay <= 0 {
		c.InactivityDelay = d.InactivityDelay
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.SampleSize <= 0 {
		c.SampleSize = d.SampleSize
	}
	return c
}

// Order is the priority in which task types are claimed.
var Order = []domain.TaskType{domain.TaskImport, domain.TaskPublication}

type Stats struct {
	InFlight   int64  `json:"inFlight"`
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Discarded  uint64 `json:"discarded"`
	Recovered  uint64 `json:"recovered"`
}

type Pool struct {
	cfg       Config
	store     Store
	locks     lock.Manager
	sched     Recurrence
	executors map[domain.TaskType]Executor
	events    eventbus.Publisher
	holder    string

	sem    chan struct{}
	wg     sync.WaitGroup
	alerts *rate.Limiter
	now    func() time.Time

	lastDispatch time.Time
	lastRecover  time.Time

	inFlight   atomic.Int64
	dispatched atomic.Uint64
	failed     atomic.Uint64
	discarded  atomic.Uint64
	recovered  atomic.Uint64
}

// NewPool builds the loop. sched and events may be nil.
func NewPool(cfg Config, store Store, locks lock.Manager, sched Recurrence,
	executors map[domain.TaskType]Executor, events eventbus.Publisher) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:       cfg,
		store:     store,
		locks:     locks,
		sched:     sched,
		executors: executors,
		events:    events,
		holder:    "worker-" + uuid.NewString(),
		sem:       make(chan struct{}, cfg.Concurrency),
		alerts:    rate.NewLimiter(rate.Every(time.Minute), 5),
		now:       time.Now,
	}
}

// Holder is the identity this pool acquires locks under.
func (p *Pool) Holder() string { return p.holder }

func (p *Pool) Stats() Stats {
	return Stats{
		InFlight:   p.inFlight.Load(),
		Dispatched: p.dispatched.Load(),
		Failed:     p.failed.Load(),
		Discarded:  p.discarded.Load(),
		Recovered:  p.recovered.Load(),
	}
}

// Run loops until ctx is done, then waits for in-flight tasks. Executions
// are detached from ctx: stopping never interrupts a running task.
func (p *Pool) Run(ctx context.Context) error {
	l := log.With().Str("holder", p.holder).Int("concurrency", p.cfg.Concurrency).Logger()
	l.Info().Msg("worker started")
	p.lastDispatch = p.now()
	p.sweep(ctx)

	defer func() {
		l.Info().Int64("in_flight", p.inFlight.Load()).Msg("worker stopping, waiting for running tasks")
		p.wg.Wait()
		l.Info().Msg("worker stopped")
	}()

	for {
		wait := p.cfg.InactiveInterval
		if p.now().Sub(p.lastDispatch) < p.cfg.InactivityDelay {
			wait = p.cfg.Interval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		// wait for a free slot
		select {
		case <-ctx.Done():
			return nil
		case p.sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-p.sem
			return nil
		}

		if p.cfg.RecoverEvery > 0 && p.now().Sub(p.lastRecover) >= p.cfg.RecoverEvery {
			p.sweep(ctx)
		}
		if p.sched != nil {
			if _, err := p.sched.RunOnce(ctx, p.now()); err != nil {
				l.Error().Err(err).Msg("recurrence pass failed")
			}
		}

		t, id, ok := p.claim(ctx)
		if !ok {
			<-p.sem
			continue
		}
		p.lastDispatch = p.now()
		p.dispatch(ctx, t, id)
	}
}

// claim walks task types in priority order and returns the first sampled
// task whose lock it acquires and that is still waiting.
func (p *Pool) claim(ctx context.Context) (domain.TaskType, string, bool) {
	for _, t := range Order {
		if _, ok := p.executors[t]; !ok {
			continue
		}
		ids, err := p.store.SampleWaiting(ctx, t, p.cfg.SampleSize)
		if err != nil {
			log.Error().Err(err).Str("task_type", string(t)).Msg("sample waiting tasks")
			continue
		}
		for _, id := range ids {
			key := domain.LockKey(t, id)
			got, err := p.locks.Acquire(ctx, key, p.holder, p.cfg.LockTTL)
			if err != nil {
				log.Warn().Err(err).Str("lock", key).Msg("acquire lock")
				continue
			}
			if !got {
				continue
			}
			// another worker may have run it between sample and lock
			started, err := p.store.SwapStatus(ctx, t, id, domain.StatusWaiting, domain.StatusRunning)
			if err != nil || !started {
				if err != nil {
					log.Warn().Err(err).Str("lock", key).Msg("start task")
				}
				p.release(key)
				continue
			}
			p.notify(t, id, map[string]any{"status": domain.StatusRunning})
			return t, id, true
		}
	}
	return "", "", false
}

// dispatch runs the task in the slot claimed by the loop.
func (p *Pool) dispatch(parent context.Context, t domain.TaskType, id string) {
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.dispatched.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer p.inFlight.Add(-1)

		key := domain.LockKey(t, id)
		defer p.release(key)

		ctx := context.WithoutCancel(parent)
		stop := p.keepAlive(ctx, key)
		defer stop()

		p.execute(ctx, t, id)
	}()
}

func (p *Pool) execute(ctx context.Context, t domain.TaskType, id string) {
	l := log.With().Str("task_type", string(t)).Str("task_id", id).Logger()
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	start := p.now()
	err := p.safeRun(ctx, t, id)
	switch {
	case err == nil:
		l.Info().Dur("took", p.now().Sub(start)).Msg("task finished")
	case domain.IsDiscard(err):
		p.discarded.Add(1)
		p.discard(ctx, t, id, err)
	default:
		p.failed.Add(1)
		l.Error().Err(err).Msg("task failed")
		p.fail(ctx, t, id, err)
	}
}

// safeRun turns a panicking executor into an error.
func (p *Pool) safeRun(ctx context.Context, t domain.TaskType, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_type", string(t)).Str("task_id", id).
				Bytes("stack", debug.Stack()).Msgf("task panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.executors[t].Run(ctx, id)
}

func (p *Pool) fail(ctx context.Context, t domain.TaskType, id string, cause error) {
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) && p.cfg.TaskTimeout > 0 {
		msg = fmt.Sprintf("task timed out after %s: %s", p.cfg.TaskTimeout, msg)
	}
	// the execution context may be the one that timed out
	ctx = context.WithoutCancel(ctx)
	if err := p.store.Fail(ctx, t, id, msg); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Str("task_id", id).Msg("failed to record task error")
		return
	}
	p.notify(t, id, map[string]any{"status": domain.StatusError, "error": msg})
}

func (p *Pool) discard(ctx context.Context, t domain.TaskType, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := p.store.DeleteTask(ctx, t, id); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to delete discarded task")
	}
	if p.events != nil {
		p.events.Publish(eventbus.Event{Channel: domain.Channel(t, id) + "/deleted"})
	}
	ev := log.Warn()
	if p.alerts.Allow() {
		ev = log.Error().Bool("alert", true)
	}
	ev.Err(cause).Str("task_type", string(t)).Str("task_id", id).Msg("task discarded")
}

// keepAlive renews the lock every third of its TTL until stopped.
func (p *Pool) keepAlive(ctx context.Context, key string) func() {
	every := p.cfg.LockTTL / 3
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ok, err := p.locks.Renew(ctx, key, p.holder, p.cfg.LockTTL)
				if err != nil {
					log.Warn().Err(err).Str("lock", key).Msg("renew lock")
				} else if !ok {
					log.Error().Str("lock", key).Msg("lock lost while task is running")
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (p *Pool) release(key string) {
	if err := p.locks.Release(context.Background(), key); err != nil {
		log.Warn().Err(err).Str("lock", key).Msg("release lock")
	}
}

// sweep puts running tasks whose holder is gone back to waiting. A free
// lock on a running task means its worker died before finishing.
func (p *Pool) sweep(ctx context.Context) {
	p.lastRecover = p.now()
	n, err := p.RecoverStale(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recover stale tasks")
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("stale running tasks put back to waiting")
	}
}

func (p *Pool) RecoverStale(ctx context.Context) (int, error) {
	n := 0
	for _, t := range Order {
		ids, err := p.store.ListRunning(ctx, t)
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			key := domain.LockKey(t, id)
			got, err := p.locks.Acquire(ctx, key, p.holder, p.cfg.LockTTL)
			if err != nil || !got {
				continue
			}
			ok, err := p.store.SwapStatus(ctx, t, id, domain.StatusRunning, domain.StatusWaiting)
			p.release(key)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				p.recovered.Add(1)
				p.notify(t, id, map[string]any{"status": domain.StatusWaiting})
			}
		}
	}
	return n, nil
}

func (p *Pool) notify(t domain.TaskType, id string, patch map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Publish(eventbus.Event{Channel: domain.Channel(t, id), Data: patch})
}
