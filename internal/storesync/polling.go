package storesync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// pollTask is the schedule of one kind. Ticks are anchored to start so a late
// wakeup neither drifts nor fires twice for the same period.
type pollTask struct {
	kind     ResourceKind
	interval time.Duration
	start    time.Time
	fired    int64
}

func (t *pollTask) next() time.Time {
	return t.start.Add(time.Duration(t.fired+1) * t.interval)
}

// due counts the ticks whose time has come and advances past them.
func (t *pollTask) due(now time.Time) int {
	n := 0
	for !t.next().After(now) {
		t.fired++
		n++
	}
	return n
}

type runningTask struct {
	task   *pollTask
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler emits poll ticks for every kind that has a poll interval.
type Scheduler struct {
	clock  clock.WithTicker
	emit   func(InvalidationEvent) bool
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[ResourceKind]*runningTask
	started bool
}

func newScheduler(clk clock.WithTicker, emit func(InvalidationEvent) bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		emit:   emit,
		logger: logger,
		tasks:  map[ResourceKind]*runningTask{},
	}
}

// Start arms one timer per polled kind. The first tick fires one interval
// from now.
func (s *Scheduler) Start(registry *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	now := s.clock.Now()
	for _, k := range registry.Polled() {
		p, _ := registry.Policy(k)
		t := &pollTask{kind: k, interval: p.PollInterval, start: now}
		ctx, cancel := context.WithCancel(context.Background())
		rt := &runningTask{task: t, cancel: cancel, done: make(chan struct{})}
		s.tasks[k] = rt

		// armed before the goroutine starts so a clock step right after Start
		// cannot be missed; dropped ticks are recovered by due()
		ticker := s.clock.NewTicker(p.PollInterval)
		go s.run(ctx, rt, ticker)

		s.logger.Debug("polling armed", zap.String("kind", string(k)), zap.Duration("every", p.PollInterval))
	}
}

func (s *Scheduler) run(ctx context.Context, rt *runningTask, ticker clock.Ticker) {
	defer close(rt.done)
	defer ticker.Stop()

	t := rt.task
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		s.mu.Lock()
		n := t.due(s.clock.Now())
		s.mu.Unlock()

		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return
			}
			s.emit(InvalidationEvent{Type: EventPollTick, Kind: t.kind})
		}
	}
}

// StopKind cancels the timer of one kind and waits for it.
func (s *Scheduler) StopKind(kind ResourceKind) {
	s.mu.Lock()
	rt, ok := s.tasks[kind]
	delete(s.tasks, kind)
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	<-rt.done
}

// Stop cancels every timer. No tick is emitted after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = map[ResourceKind]*runningTask{}
	s.mu.Unlock()

	for _, rt := range tasks {
		rt.cancel()
	}
	for _, rt := range tasks {
		<-rt.done
	}
}

// NextTick reports when kind polls next.
func (s *Scheduler) NextTick(kind ResourceKind) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tasks[kind]
	if !ok {
		return time.Time{}, false
	}
	return rt.task.next(), true
}
