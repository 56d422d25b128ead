package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/pipeline"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func (f *fakeAgents) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAgents) ListAgents(context.Context) ([]*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Agent
	for _, a := range f.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAgents) update(id string, fn func(a *domain.Agent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.agents[id])
}

type turnCall struct {
	agentID string
	mode    pipeline.Mode
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []turnCall
	result pipeline.TurnResult
	hook   func()
}

func (f *fakeRunner) RunAgentTurn(_ context.Context, agentID string, mode pipeline.Mode, _ ...pipeline.TurnOption) (pipeline.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turnCall{agentID, mode})
	res, hook := f.result, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func baseAgent(id string) *domain.Agent {
	return &domain.Agent{
		ID: id, Name: id, Active: true, ProactiveEnabled: true,
		MinInterval: 10, MaxInterval: 20,
	}
}

func newTestScheduler(agents ...*domain.Agent) (*Scheduler, *fakeClock, *fakeRunner, *fakeAgents) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	runner := &fakeRunner{}
	src := &fakeAgents{agents: make(map[string]*domain.Agent)}
	for _, a := range agents {
		src.agents[a.ID] = a
	}
	s := New(runner, src, nil, emotion.DefaultPolicy(), nil,
		WithClock(clock.AfterFunc, clock.Now),
		WithRoll(func() float64 { return 0.5 }),
	)
	return s, clock, runner, src
}

func TestDelayUnderPressure(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestScheduler()
	a := baseAgent("a1")
	a.PressureLevel = 3

	for _, roll := range []float64{0, 0.5, 0.9999} {
		s.roll = func() float64 { return roll }
		d, ok := s.Delay(a, nil)
		if !ok {
			t.Fatal("expected agent to be schedulable")
		}
		if d < 3*time.Minute || d > 6*time.Minute {
			t.Fatalf("roll %v: delay %v outside [3m,6m]", roll, d)
		}
	}
}

func TestDelayRules(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestScheduler()
	exact := 2.5
	huge := 500.0

	tests := []struct {
		name   string
		mutate func(a *domain.Agent)
		exact  *float64
		want   time.Duration
		wantOK bool
	}{
		{"random draw", func(a *domain.Agent) {}, nil, 15 * time.Minute, true},
		{"exact with timer enabled", func(a *domain.Agent) { a.TimerEnabled = true }, &exact, 150 * time.Second, true},
		{"exact clamped to max", func(a *domain.Agent) { a.TimerEnabled = true }, &huge, 20 * time.Minute, true},
		{"exact ignored with timer disabled", func(a *domain.Agent) {}, &exact, 15 * time.Minute, true},
		{"proactive disabled", func(a *domain.Agent) { a.ProactiveEnabled = false }, nil, 0, false},
		{"proactive disabled but exact", func(a *domain.Agent) { a.ProactiveEnabled = false; a.TimerEnabled = true }, &exact, 150 * time.Second, true},
		{"blocked", func(a *domain.Agent) { a.IsBlocked = true }, nil, 0, false},
		{"inactive", func(a *domain.Agent) { a.Active = false }, &exact, 0, false},
	}
	for _, tt := range tests {
		a := baseAgent("a1")
		tt.mutate(a)
		d, ok := s.Delay(a, tt.exact)
		if ok != tt.wantOK || d != tt.want {
			t.Fatalf("%s: got %v %v, want %v %v", tt.name, d, ok, tt.want, tt.wantOK)
		}
	}
}

func TestScheduleReplacesEntry(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	s, clock, runner, _ := newTestScheduler(a)

	s.Schedule(a, nil)
	first := clock.last()
	s.Schedule(a, nil)
	second := clock.last()

	if !first.stopped {
		t.Fatal("first timer must be cancelled")
	}
	if second.stopped {
		t.Fatal("second timer must be live")
	}

	first.f()
	if runner.callCount() != 0 {
		t.Fatal("a replaced timer must be a no-op when it fires")
	}
}

func TestStopCancelsTimer(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	s, clock, runner, _ := newTestScheduler(a)

	s.Schedule(a, nil)
	s.Stop("a1")

	timer := clock.last()
	if !timer.stopped || s.Scheduled("a1") {
		t.Fatal("expected cancelled entry")
	}
	timer.f()
	if runner.callCount() != 0 {
		t.Fatal("a stopped timer must be a no-op when it fires")
	}
}

func TestFireRunsTurnAndReschedules(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	a.TimerEnabled = true
	s, clock, runner, _ := newTestScheduler(a)
	next := 4.0
	runner.result = pipeline.TurnResult{NextDelay: &next}

	s.Schedule(a, nil)
	clock.last().f()

	if runner.callCount() != 1 || runner.calls[0].mode != pipeline.Proactive {
		t.Fatalf("expected one proactive turn, got %+v", runner.calls)
	}
	if clock.count() != 2 {
		t.Fatalf("expected a new timer, got %d timers", clock.count())
	}
	if got := clock.last().d; got != 4*time.Minute {
		t.Fatalf("expected TIMER delay of 4m, got %v", got)
	}
	if !s.Scheduled("a1") {
		t.Fatal("expected agent rescheduled")
	}
}

func TestFireUsesFreshState(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	a.PressureEnabled = true
	s, clock, runner, src := newTestScheduler(a)
	runner.hook = func() {
		src.update("a1", func(a *domain.Agent) { a.PressureLevel = 4 })
	}

	s.Schedule(a, nil)
	clock.last().f()

	if got := clock.last().d; got != 3*time.Minute {
		t.Fatalf("expected 15m * 0.2 = 3m from refetched pressure, got %v", got)
	}
}

func TestFireStopsForInactiveOrDeleted(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		hook func(src *fakeAgents)
	}{
		{"inactive", func(src *fakeAgents) { src.update("a1", func(a *domain.Agent) { a.Active = false }) }},
		{"blocked", func(src *fakeAgents) { src.update("a1", func(a *domain.Agent) { a.IsBlocked = true }) }},
		{"deleted", func(src *fakeAgents) { src.mu.Lock(); delete(src.agents, "a1"); src.mu.Unlock() }},
	} {
		a := baseAgent("a1")
		s, clock, runner, src := newTestScheduler(a)
		runner.hook = func() { tc.hook(src) }

		s.Schedule(a, nil)
		clock.last().f()

		if s.Scheduled("a1") || clock.count() != 1 {
			t.Fatalf("%s: agent must not be rescheduled", tc.name)
		}
	}
}

func TestStopDuringGenerationPreventsReschedule(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	s, clock, runner, _ := newTestScheduler(a)
	runner.hook = func() { s.Stop("a1") }

	s.Schedule(a, nil)
	clock.last().f()

	if s.Scheduled("a1") || clock.count() != 1 {
		t.Fatal("a stop during generation must win over the reschedule")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	b := baseAgent("a2")
	b.IsBlocked = true
	b.PressureLevel = 4
	s, clock, runner, _ := newTestScheduler(a, b)

	s.Schedule(a, nil)
	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if st := snap["a1"]; !st.Scheduled || st.Countdown != 900 || st.IsGenerating {
		t.Fatalf("unexpected a1 status %+v", st)
	}
	if st := snap["a2"]; st.Scheduled || !st.Blocked || st.Pressure != 4 {
		t.Fatalf("unexpected a2 status %+v", st)
	}

	runner.hook = func() {
		snap, _ := s.Snapshot(context.Background())
		if !snap["a1"].IsGenerating {
			t.Error("expected a1 generating during its turn")
		}
	}
	clock.last().f()
}

func TestStartAllSkipsUnschedulable(t *testing.T) {
	t.Parallel()
	a := baseAgent("a1")
	b := baseAgent("a2")
	b.IsBlocked = true
	c := baseAgent("a3")
	c.Active = false
	s, _, _, _ := newTestScheduler(a, b, c)

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}
	if !s.Scheduled("a1") || s.Scheduled("a2") || s.Scheduled("a3") {
		t.Fatal("only active unblocked agents may be scheduled")
	}
}

func TestTriggerJealousy(t *testing.T) {
	t.Parallel()
	target := baseAgent("a1")
	jealous := baseAgent("a2")
	jealous.JealousyEnabled = true
	jealous.JealousyChance = 1
	calm := baseAgent("a3")
	s, clock, runner, _ := newTestScheduler(target, jealous, calm)

	fired, err := s.TriggerJealousy(context.Background(), target)
	if err != nil {
		t.Fatalf("TriggerJealousy failed: %v", err)
	}
	if len(fired) != 1 || fired[0] != "a2" {
		t.Fatalf("expected only a2, got %v", fired)
	}

	clock.last().f()
	if runner.callCount() != 1 || runner.calls[0] != (turnCall{"a2", pipeline.Jealousy}) {
		t.Fatalf("expected jealousy turn for a2, got %+v", runner.calls)
	}
	if !s.Scheduled("a2") {
		t.Fatal("jealous agent must resume its normal schedule")
	}
}

func TestStopCancelsPendingJealousy(t *testing.T) {
	t.Parallel()
	target := baseAgent("a1")
	jealous := baseAgent("a2")
	jealous.JealousyEnabled = true
	jealous.JealousyChance = 1
	s, clock, runner, _ := newTestScheduler(target, jealous)

	if _, err := s.TriggerJealousy(context.Background(), target); err != nil {
		t.Fatalf("TriggerJealousy failed: %v", err)
	}
	timer := clock.last()
	s.Stop("a2")
	timer.f()

	if !timer.stopped || runner.callCount() != 0 {
		t.Fatal("stopped agent must not run its jealousy turn")
	}
}

func TestProactiveFireSkippedDuringJealousyTurn(t *testing.T) {
	t.Parallel()
	target := baseAgent("a1")
	jealous := baseAgent("a2")
	jealous.JealousyEnabled = true
	jealous.JealousyChance = 1
	s, clock, runner, _ := newTestScheduler(target, jealous)

	s.Schedule(jealous, nil)
	proactive := clock.last()
	if _, err := s.TriggerJealousy(context.Background(), target); err != nil {
		t.Fatalf("TriggerJealousy failed: %v", err)
	}
	jealousyTimer := clock.last()

	var once sync.Once
	runner.hook = func() {
		once.Do(func() {
			proactive.f()
			if snap, err := s.Snapshot(context.Background()); err != nil || !snap["a2"].IsGenerating {
				t.Errorf("expected a2 reported as generating during jealousy, got %+v (%v)", snap["a2"], err)
			}
		})
	}
	jealousyTimer.f()

	if runner.callCount() != 1 || runner.calls[0].mode != pipeline.Jealousy {
		t.Fatalf("expected only the jealousy turn, got %+v", runner.calls)
	}
	if !s.Scheduled("a2") || clock.last() == jealousyTimer || clock.last().stopped {
		t.Fatal("expected a fresh proactive timer after the jealousy turn")
	}
}
