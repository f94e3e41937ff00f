// escalation_scheduler.go implements the EscalationScheduler background job, which holds
// one due-date timer per active workflow step and hands expired timers to the engine as
// messages. Fire times are computed through the business calendar, so a step due on a
// Friday escalates at the start of the next business day rather than over the weekend.
// Timers live only in memory; Rehydrate rebuilds them from the store on start.
package jobs

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qms-lifecycle/qms-lifecycle/internal/calendar"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// TimerKey identifies the step a timer belongs to
type TimerKey struct {
	InstanceID string
	StepSeq    int
}

// FireKind distinguishes the escalation deadline from the advance reminder
type FireKind int

const (
	FireEscalation FireKind = iota
	FireNearDue
)

func (k FireKind) String() string {
	if k == FireNearDue {
		return "near_due"
	}
	return "escalation"
}

// Fire is delivered when a timer expires
type Fire struct {
	Key  TimerKey
	Kind FireKind
	// Due is the step due date the timer was armed for.
	Due time.Time
	At  time.Time
}

type armed struct {
	due    time.Time
	fireAt time.Time
	gen    uint64
}

type timerEntry struct {
	key   TimerKey
	kind  FireKind
	at    time.Time
	gen   uint64
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// EscalationScheduler arms due-date timers for workflow steps
type EscalationScheduler struct {
	cal     *calendar.Calendar
	clock   clockwork.Clock
	nearDue time.Duration

	mu     sync.Mutex
	timers map[TimerKey]armed
	queue  timerHeap
	gen    uint64

	wake     chan struct{}
	fires    chan Fire
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewEscalationScheduler creates a scheduler. nearDue of zero disables reminders.
func NewEscalationScheduler(cal *calendar.Calendar, clock clockwork.Clock, nearDue time.Duration, queueSize int) *EscalationScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EscalationScheduler{
		cal:      cal,
		clock:    clock,
		nearDue:  nearDue,
		timers:   make(map[TimerKey]armed),
		wake:     make(chan struct{}, 1),
		fires:    make(chan Fire, queueSize),
		stopChan: make(chan struct{}),
	}
}

// Fires returns the channel expired timers are delivered on
func (s *EscalationScheduler) Fires() <-chan Fire {
	return s.fires
}

// Schedule arms (or re-arms) the timer for key and returns its escalation fire time
func (s *EscalationScheduler) Schedule(key TimerKey, due time.Time) time.Time {
	fireAt := s.cal.FireTime(due)
	now := s.clock.Now()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.timers[key] = armed{due: due, fireAt: fireAt, gen: gen}
	heap.Push(&s.queue, &timerEntry{key: key, kind: FireEscalation, at: fireAt, gen: gen})
	if s.nearDue > 0 {
		if remindAt := fireAt.Add(-s.nearDue); remindAt.After(now) {
			heap.Push(&s.queue, &timerEntry{key: key, kind: FireNearDue, at: remindAt, gen: gen})
		}
	}
	telemetry.EscalationTimersActive.Set(float64(len(s.timers)))
	s.mu.Unlock()

	s.nudge()
	return fireAt
}

// Cancel disarms the timer for key. Cancelling an unknown key is a no-op.
func (s *EscalationScheduler) Cancel(key TimerKey) {
	s.mu.Lock()
	if _, ok := s.timers[key]; ok {
		delete(s.timers, key)
		telemetry.EscalationTimersActive.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()
	s.nudge()
}

// CancelInstance disarms every timer belonging to an instance
func (s *EscalationScheduler) CancelInstance(instanceID string) {
	s.mu.Lock()
	for key := range s.timers {
		if key.InstanceID == instanceID {
			delete(s.timers, key)
		}
	}
	telemetry.EscalationTimersActive.Set(float64(len(s.timers)))
	s.mu.Unlock()
	s.nudge()
}

// Pending returns the escalation fire time armed for key
func (s *EscalationScheduler) Pending(key TimerKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	return t.fireAt, ok
}

// Len reports the number of armed timers
func (s *EscalationScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Rehydrate arms a timer for every open step with a due date
func (s *EscalationScheduler) Rehydrate(ctx context.Context, reader store.Reader) (int, error) {
	steps, err := reader.ListOpenSteps(ctx)
	if err != nil {
		return 0, err
	}
	for _, step := range steps {
		s.Schedule(TimerKey{InstanceID: step.InstanceID, StepSeq: step.Seq}, *step.DueAt)
	}
	return len(steps), nil
}

// Start runs the timer loop until ctx is cancelled or Stop is called
func (s *EscalationScheduler) Start(ctx context.Context) {
	slog.Info("escalation scheduler started", "armed", s.Len(), "near_due_window", s.nearDue)

	for {
		var timerC <-chan time.Time
		var timer clockwork.Timer
		if next, ok := s.nextAt(); ok {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = s.clock.NewTimer(d)
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			slog.Info("escalation scheduler context cancelled")
			return
		case <-s.stopChan:
			stopTimer(timer)
			slog.Info("escalation scheduler stopped")
			return
		case <-s.wake:
		case <-timerC:
		}
		stopTimer(timer)

		for _, f := range s.fireDue(s.clock.Now()) {
			select {
			case s.fires <- f:
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}
}

// Stop signals the timer loop to exit
func (s *EscalationScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *EscalationScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextAt returns the earliest live entry, discarding superseded ones on the way
func (s *EscalationScheduler) nextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		top := s.queue[0]
		if s.live(top) {
			return top.at, true
		}
		heap.Pop(&s.queue)
	}
	return time.Time{}, false
}

func (s *EscalationScheduler) live(e *timerEntry) bool {
	t, ok := s.timers[e.key]
	return ok && t.gen == e.gen
}

// fireDue pops every entry due at or before now. An escalation fire disarms its timer.
func (s *EscalationScheduler) fireDue(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Fire
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*timerEntry)
		if !s.live(e) {
			continue
		}
		t := s.timers[e.key]
		out = append(out, Fire{Key: e.key, Kind: e.kind, Due: t.due, At: e.at})
		if e.kind == FireEscalation {
			delete(s.timers, e.key)
		}
	}
	telemetry.EscalationTimersActive.Set(float64(len(s.timers)))
	return out
}
