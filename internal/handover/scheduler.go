// Package handover schedules timed link changes against a running topology.
//
// Events carry an offset from the moment the scheduler is started. They fire
// in (offset, declaration) order, each exactly once. A handover expands into
// two events at the same offset, the down event declared before the up event,
// so both halves always fire in the same RunDue call. If the up half fails,
// the link the down half took away is brought back up.
package handover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

// LinkApplier is the part of core.Topology the scheduler drives.
type LinkApplier interface {
	SetLinkState(ctx context.Context, id string, state core.LinkState) error
	ApplyProfile(ctx context.Context, id string, p model.LinkProfile) error
}

// Recorder receives scheduler metrics. observability.Collector implements it.
type Recorder interface {
	ObserveHandoverEvent(link string, err error)
	SetHandoverPending(n int)
}

// Status is the lifecycle state of an event.
type Status int

const (
	Pending Status = iota
	Fired
)

func (s Status) String() string {
	if s == Fired {
		return "fired"
	}
	return "pending"
}

// Event is one scheduled link change.
type Event struct {
	ID     string
	Offset time.Duration
	Link   string
	State  core.LinkState
	// Profile, when set, is applied before the state change.
	Profile *model.LinkProfile
	// Pair is the id of the down half when this is the up half of a
	// handover.
	Pair string

	Seq     uint64
	Status  Status
	FiredAt time.Time
	Err     error
}

// Handover moves traffic from one link to another at an offset.
type Handover struct {
	After time.Duration
	Down  string
	Up    string
}

// Result reports one fired event.
type Result struct {
	Event Event
	Err   error
}

// Scheduler holds the event queue. Schedule, Start and the read accessors
// are safe from any goroutine; RunDue is meant to be driven by a single
// control loop.
type Scheduler struct {
	clock   timectrl.SimClock
	applier LinkApplier
	log     logging.Logger
	metrics Recorder

	mu      sync.Mutex
	seq     uint64
	start   time.Time
	started bool
	pending []*Event // ordered by (Offset, Seq)
	fired   []*Event
	hooks   []func(Result)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder wires scheduler metrics.
func WithMetricsRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.metrics = r }
}

// New returns a scheduler applying events to applier.
func New(clock timectrl.SimClock, applier LinkApplier, opts ...Option) *Scheduler {
	s := &Scheduler{clock: clock, applier: applier, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues ev and returns its id. Offsets are relative to Start.
func (s *Scheduler) Schedule(ev Event) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.scheduleLocked(ev)
	s.publishPendingLocked()
	return id
}

func (s *Scheduler) scheduleLocked(ev Event) string {
	s.seq++
	e := ev
	e.ID = xid.New().String()
	e.Seq = s.seq
	e.Status = Pending
	e.FiredAt = time.Time{}
	e.Err = nil

	// Insert after every event with an offset <= e.Offset so ties keep
	// declaration order.
	idx := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].Offset > e.Offset
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = &e
	return e.ID
}

// ScheduleHandover queues the down event followed by the up event, both at
// h.After, and returns their ids in that order.
func (s *Scheduler) ScheduleHandover(h Handover) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	down := s.scheduleLocked(Event{Offset: h.After, Link: h.Down, State: core.LinkDown})
	up := s.scheduleLocked(Event{Offset: h.After, Link: h.Up, State: core.LinkUp, Pair: down})
	s.publishPendingLocked()
	return []string{down, up}
}

// ScheduleSpec queues every handover declared in a topology spec.
func (s *Scheduler) ScheduleSpec(handovers []model.HandoverSpec) {
	for _, h := range handovers {
		s.ScheduleHandover(Handover{After: h.After, Down: h.Down, Up: h.Up})
	}
}

// Cancel drops a pending event. It reports whether the event was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.pending {
		if e.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.publishPendingLocked()
			return true
		}
	}
	return false
}

// Start anchors all offsets to the current clock reading. Later calls are
// no-ops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.start = s.clock.Now()
	s.started = true
}

// Next returns when the earliest pending event is due. It reports false
// before Start and when nothing is pending.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.start.Add(s.pending[0].Offset), true
}

// RunDue fires every event due at the current clock reading, in order. A
// failing event is reported in its Result and does not stop the others.
// An event whose link is already in the target state fires as a no-op.
func (s *Scheduler) RunDue(ctx context.Context) []Result {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	var due []*Event
	for len(s.pending) > 0 && !s.start.Add(s.pending[0].Offset).After(now) {
		due = append(due, s.pending[0])
		s.pending = s.pending[1:]
	}
	hooks := append(([]func(Result))(nil), s.hooks...)
	s.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	results := make([]Result, 0, len(due))
	lowered := map[string]string{} // event id -> link it brought down
	for _, e := range due {
		err := s.fire(ctx, e)
		if err == nil && e.State == core.LinkDown {
			lowered[e.ID] = e.Link
		}
		if link, ok := lowered[e.Pair]; ok && err != nil {
			err = s.revert(ctx, e, link, err)
		}

		s.mu.Lock()
		e.Status = Fired
		e.FiredAt = now
		e.Err = err
		s.fired = append(s.fired, e)
		snapshot := *e
		s.publishPendingLocked()
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ObserveHandoverEvent(e.Link, err)
		}
		r := Result{Event: snapshot, Err: err}
		results = append(results, r)
		for _, h := range hooks {
			h(r)
		}
	}
	return results
}

func (s *Scheduler) fire(ctx context.Context, e *Event) (err error) {
	ctx, span := observability.StartSpan(ctx, "handover.fire", "link", e.Link)
	defer func() { observability.EndSpan(span, err) }()

	if e.Profile != nil {
		if err := s.applier.ApplyProfile(ctx, e.Link, *e.Profile); err != nil {
			s.log.Error(ctx, "scheduled profile change failed", logging.Link(e.Link), logging.String("event", e.ID), logging.Err(err))
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}
	if err := s.applier.SetLinkState(ctx, e.Link, e.State); err != nil {
		s.log.Error(ctx, "scheduled link change failed", logging.Link(e.Link), logging.String("event", e.ID), logging.Err(err))
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	s.log.Info(ctx, "scheduled link change applied",
		logging.Link(e.Link),
		logging.String("state", e.State.String()),
		logging.Duration("offset", e.Offset),
	)
	return nil
}

// revert brings back the link taken down by the first half of a handover
// whose second half failed.
func (s *Scheduler) revert(ctx context.Context, e *Event, link string, cause error) error {
	if err := s.applier.SetLinkState(ctx, link, core.LinkUp); err != nil {
		s.log.Error(ctx, "handover revert failed", logging.Link(link), logging.String("event", e.ID), logging.Err(err))
		return errors.Join(cause, fmt.Errorf("restore %s: %w", link, err))
	}
	s.log.Warn(ctx, "handover aborted, previous link restored", logging.Link(link), logging.String("event", e.ID))
	return cause
}

// Run fires events as they fall due until none are pending or ctx is
// done. Events scheduled while Run sleeps are only noticed at the next
// wake-up; a control loop that schedules at runtime should drive Next and
// RunDue itself.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	for {
		next, ok := s.Next()
		if !ok {
			return nil
		}
		if d := next.Sub(s.clock.Now()); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(d):
			}
		}
		s.RunDue(ctx)
	}
}

// OnFired registers fn to be called after each event fires.
func (s *Scheduler) OnFired(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Pending returns the events not yet fired, in firing order.
func (s *Scheduler) Pending() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEvents(s.pending)
}

// Fired returns the fired events in firing order.
func (s *Scheduler) Fired() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEvents(s.fired)
}

func copyEvents(in []*Event) []Event {
	out := make([]Event, len(in))
	for i, e := range in {
		out[i] = *e
	}
	return out
}

func (s *Scheduler) publishPendingLocked() {
	if s.metrics != nil {
		s.metrics.SetHandoverPending(len(s.pending))
	}
}
