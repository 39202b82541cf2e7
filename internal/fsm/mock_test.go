package fsm

import (
	"context"
	"sync"
	"time"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// mockLink is a flight controller that reaches every target instantly and
// charges a little on each telemetry read while disarmed on the ground.
type mockLink struct {
	dispatcher link.Dispatcher

	mu       sync.Mutex
	state    types.DroneState
	calls    []string
	failures map[string][]error
	hooks    map[string]func(s *types.DroneState)
}

func newMockLink() *mockLink {
	return &mockLink{
		state: types.DroneState{
			BatteryPct: 100,
			Landed:     types.LandedOnGround,
			Healthy:    true,
			LinkUp:     true,
		},
		failures: make(map[string][]error),
		hooks:    make(map[string]func(s *types.DroneState)),
	}
}

func (l *mockLink) failNext(op string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], errs...)
}

// hook runs after op took effect, under the link's lock.
func (l *mockLink) hook(op string, fn func(s *types.DroneState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[op] = fn
}

func (l *mockLink) update(fn func(s *types.DroneState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.state)
}

func (l *mockLink) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (l *mockLink) command(ctx context.Context, op string, apply func(s *types.DroneState)) *link.Completion {
	return l.dispatcher.Dispatch(ctx, op, func(ctx context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls = append(l.calls, op)
		if queued := l.failures[op]; len(queued) > 0 {
			l.failures[op] = queued[1:]
			return queued[0]
		}
		apply(&l.state)
		if h := l.hooks[op]; h != nil {
			h(&l.state)
		}
		return nil
	})
}

func (l *mockLink) Arm(ctx context.Context) *link.Completion {
	return l.command(ctx, "arm", func(s *types.DroneState) { s.Armed = true })
}

func (l *mockLink) Disarm(ctx context.Context) *link.Completion {
	return l.command(ctx, "disarm", func(s *types.DroneState) { s.Armed = false })
}

func (l *mockLink) Takeoff(ctx context.Context, alt float64) *link.Completion {
	return l.command(ctx, "takeoff", func(s *types.DroneState) {
		s.Altitude, s.Position.Alt = alt, alt
		s.Landed = types.LandedInAir
	})
}

func (l *mockLink) GotoWaypoint(ctx context.Context, lat, lon, alt float64) *link.Completion {
	return l.command(ctx, "goto", func(s *types.DroneState) {
		s.Position = types.Position{Lat: lat, Lon: lon, Alt: alt}
		s.Altitude = alt
	})
}

func (l *mockLink) Land(ctx context.Context) *link.Completion {
	return l.command(ctx, "land", func(s *types.DroneState) {
		s.Altitude, s.Position.Alt = 0, 0
		s.Landed = types.LandedOnGround
		s.Armed = false
	})
}

func (l *mockLink) CurrentState() types.DroneState {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := l.state
	if !l.state.Armed && l.state.Landed == types.LandedOnGround && l.state.BatteryPct < 100 {
		l.state.BatteryPct += 5
	}
	return snapshot
}

func (l *mockLink) Close() error { return nil }

type staticStore struct {
	plan *types.MissionPlan
	err  error
}

func (s *staticStore) Load(ctx context.Context) (*types.MissionPlan, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.plan.Clone(), nil
}

// recorder collects bus messages posted by the machine.
type recorder struct {
	mu       sync.Mutex
	messages []types.Message
}

func (r *recorder) post(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// states lists the target state of every transition.
func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, msg := range r.messages {
		if sc, ok := msg.Message.(types.StateChanged); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

func (r *recorder) ofType(messageType string) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, msg := range r.messages {
		if msg.MessageType == messageType {
			out = append(out, msg)
		}
	}
	return out
}

func dur(d time.Duration) types.Duration {
	return types.Duration{Duration: d}
}

func testMission() config.Mission {
	m := config.Default().Mission
	m.PollInterval = dur(2 * time.Millisecond)
	m.DisarmGrace = dur(10 * time.Millisecond)
	m.Timeouts = config.Timeouts{
		Arm:      dur(200 * time.Millisecond),
		Takeoff:  dur(200 * time.Millisecond),
		Waypoint: dur(200 * time.Millisecond),
		Land:     dur(200 * time.Millisecond),
		Disarm:   dur(200 * time.Millisecond),
		Charge:   dur(500 * time.Millisecond),
	}
	m.Retries = config.Retries{Arm: 2, Takeoff: 1, Command: 1, Land: 1}
	m.Backoff = config.Backoff{
		Initial:    dur(time.Millisecond),
		Max:        dur(4 * time.Millisecond),
		Multiplier: 2,
	}
	return m
}

func surveyPlan() *types.MissionPlan {
	return &types.MissionPlan{ID: "survey", Actions: []types.Action{
		{Kind: types.ActionTakeoff, Alt: 10},
		{Kind: types.ActionWaypoint, Lat: 60.1, Lon: 24.9, Alt: 15},
		{Kind: types.ActionHold, Hold: dur(5 * time.Millisecond)},
		{Kind: types.ActionWaypoint, Lat: 60.2, Lon: 24.8, Alt: 15},
		{Kind: types.ActionLand},
	}}
}
