package handover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

// fakeApplier records calls and tracks link state like core.Topology does.
type fakeApplier struct {
	mu     sync.Mutex
	calls  []string
	state  map[string]core.LinkState
	failOn map[string]error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{state: map[string]core.LinkState{}, failOn: map[string]error{}}
}

func (f *fakeApplier) SetLinkState(_ context.Context, id string, s core.LinkState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[id]; err != nil {
		f.calls = append(f.calls, "fail "+id)
		return err
	}
	f.calls = append(f.calls, fmt.Sprintf("%s %s", id, s))
	f.state[id] = s
	return nil
}

func (f *fakeApplier) ApplyProfile(_ context.Context, id string, p model.LinkProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s profile %s", id, p))
	return nil
}

func (f *fakeApplier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRecorder struct {
	events  map[string]int
	failed  int
	pending int
}

func (r *fakeRecorder) ObserveHandoverEvent(link string, err error) {
	if r.events == nil {
		r.events = map[string]int{}
	}
	r.events[link]++
	if err != nil {
		r.failed++
	}
}

func (r *fakeRecorder) SetHandoverPending(n int) { r.pending = n }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRunDueBeforeStartFiresNothing(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	s := New(clock, app)
	s.Schedule(Event{Offset: 0, Link: "g1-s1", State: core.LinkDown})

	if got := s.RunDue(context.Background()); got != nil {
		t.Fatalf("RunDue before Start = %v, want nil", got)
	}
	if _, ok := s.Next(); ok {
		t.Fatalf("Next before Start reported an event")
	}
	s.Start()
	if got := s.RunDue(context.Background()); len(got) != 1 {
		t.Fatalf("RunDue after Start fired %d events, want 1", len(got))
	}
}

func TestEventsFireOnceInOffsetOrder(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	s := New(clock, app)

	s.Schedule(Event{Offset: 20 * time.Second, Link: "c", State: core.LinkUp})
	s.Schedule(Event{Offset: 10 * time.Second, Link: "a", State: core.LinkDown})
	s.Schedule(Event{Offset: 10 * time.Second, Link: "b", State: core.LinkUp})
	s.Start()

	if next, ok := s.Next(); !ok || !next.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("Next = %v, %v; want %v", next, ok, t0.Add(10*time.Second))
	}

	clock.Advance(9 * time.Second)
	if got := s.RunDue(context.Background()); len(got) != 0 {
		t.Fatalf("fired %d events before they were due", len(got))
	}

	clock.Advance(time.Second)
	s.RunDue(context.Background())
	clock.Advance(time.Hour)
	s.RunDue(context.Background())
	s.RunDue(context.Background())

	want := []string{"a down", "b up", "c up"}
	if diff := cmp.Diff(want, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("Pending() = %d events, want 0", n)
	}
	fired := s.Fired()
	if len(fired) != 3 {
		t.Fatalf("Fired() = %d events, want 3", len(fired))
	}
	for _, e := range fired {
		if e.Status != Fired {
			t.Fatalf("event %s status = %v, want fired", e.ID, e.Status)
		}
	}
	if !fired[0].FiredAt.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("FiredAt = %v", fired[0].FiredAt)
	}
}

func TestScheduleHandoverFiresDownThenUpTogether(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	rec := &fakeRecorder{}
	s := New(clock, app, WithMetricsRecorder(rec))

	s.ScheduleSpec([]model.HandoverSpec{
		{After: 30 * time.Second, Down: "g1-s1", Up: "g1-s2"},
		{After: 30 * time.Second, Down: "g2-s3", Up: "g2-s2"},
	})
	if rec.pending != 4 {
		t.Fatalf("pending gauge = %d, want 4", rec.pending)
	}
	ids := s.ScheduleHandover(Handover{After: time.Minute, Down: "x", Up: "y"})
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("ScheduleHandover ids = %v", ids)
	}

	s.Start()
	clock.Advance(30 * time.Second)
	results := s.RunDue(context.Background())
	if len(results) != 4 {
		t.Fatalf("fired %d events, want 4", len(results))
	}
	want := []string{"g1-s1 down", "g1-s2 up", "g2-s3 down", "g2-s2 up"}
	if diff := cmp.Diff(want, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if rec.pending != 2 {
		t.Fatalf("pending gauge = %d, want 2", rec.pending)
	}
	if rec.events["g1-s1"] != 1 || rec.failed != 0 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestFailingEventDoesNotStopOthers(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	boom := errors.New("boom")
	app.failOn["g1-s1"] = boom
	rec := &fakeRecorder{}
	s := New(clock, app, WithMetricsRecorder(rec))

	s.ScheduleHandover(Handover{After: time.Second, Down: "g1-s1", Up: "g1-s2"})
	s.Start()
	clock.Advance(time.Second)
	results := s.RunDue(context.Background())

	if len(results) != 2 {
		t.Fatalf("fired %d events, want 2", len(results))
	}
	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("first result err = %v, want boom", results[0].Err)
	}
	if results[1].Err != nil {
		t.Fatalf("second result err = %v, want nil", results[1].Err)
	}
	if !errors.Is(s.Fired()[0].Err, boom) {
		t.Fatalf("fired event does not carry its error")
	}
	if rec.failed != 1 {
		t.Fatalf("failed events = %d, want 1", rec.failed)
	}
}

func TestFailedHandoverRestoresPreviousLink(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	app.state["g1-s1"] = core.LinkUp
	boom := errors.New("RTNETLINK answers: No such device")
	app.failOn["g1-s2"] = boom
	s := New(clock, app)

	ids := s.ScheduleHandover(Handover{After: time.Second, Down: "g1-s1", Up: "g1-s2"})
	s.Start()
	clock.Advance(time.Second)
	results := s.RunDue(context.Background())

	want := []string{"g1-s1 down", "fail g1-s2", "g1-s1 up"}
	if diff := cmp.Diff(want, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if app.state["g1-s1"] != core.LinkUp {
		t.Fatalf("g1-s1 left %v after the failed handover", app.state["g1-s1"])
	}
	if len(results) != 2 || !errors.Is(results[1].Err, boom) {
		t.Fatalf("results = %+v, want the up half to report boom", results)
	}
	if results[1].Event.Pair != ids[0] {
		t.Fatalf("up half pair = %q, want %q", results[1].Event.Pair, ids[0])
	}
}

func TestProfileEventAppliesProfileBeforeState(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	s := New(clock, app)

	p := model.MustLinkProfile(10, 5*time.Millisecond, 0, 0, 100)
	s.Schedule(Event{Link: "g1-s1", State: core.LinkUp, Profile: &p})
	s.Start()
	s.RunDue(context.Background())

	want := []string{"g1-s1 profile " + p.String(), "g1-s1 up"}
	if diff := cmp.Diff(want, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelDropsPendingEvent(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	s := New(clock, app)

	id := s.Schedule(Event{Offset: time.Second, Link: "a", State: core.LinkUp})
	s.Schedule(Event{Offset: time.Second, Link: "b", State: core.LinkUp})
	if !s.Cancel(id) {
		t.Fatalf("Cancel(%s) = false, want true", id)
	}
	if s.Cancel(id) {
		t.Fatalf("second Cancel returned true")
	}
	s.Start()
	clock.Advance(time.Second)
	s.RunDue(context.Background())
	if diff := cmp.Diff([]string{"b up"}, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOnFiredHooksSeeEveryResult(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	s := New(clock, newFakeApplier())

	var seen []string
	s.OnFired(func(r Result) { seen = append(seen, r.Event.Link+" "+r.Event.State.String()) })
	s.ScheduleHandover(Handover{Down: "g1-s1", Up: "g1-s2"})
	s.Start()
	s.RunDue(context.Background())

	if diff := cmp.Diff([]string{"g1-s1 down", "g1-s2 up"}, seen); diff != "" {
		t.Fatalf("hook mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWaitsOnClock(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	app := newFakeApplier()
	s := New(clock, app)
	s.ScheduleHandover(Handover{After: 5 * time.Second, Down: "g1-s1", Up: "g1-s2"})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for clock.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Run never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	if n := len(app.Calls()); n != 0 {
		t.Fatalf("events fired before the clock advanced: %d", n)
	}
	clock.Advance(5 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if diff := cmp.Diff([]string{"g1-s1 down", "g1-s2 up"}, app.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := timectrl.NewFakeClock(t0)
	s := New(clock, newFakeApplier())
	s.Schedule(Event{Offset: time.Hour, Link: "a", State: core.LinkUp})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if n := len(s.Pending()); n != 1 {
		t.Fatalf("Pending() = %d, want 1", n)
	}
}
