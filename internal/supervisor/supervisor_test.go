package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/fsm"
	"github.com/tiiuae/missioncontroller/internal/link/sim"
	"github.com/tiiuae/missioncontroller/internal/types"
)

type staticStore struct {
	plan *types.MissionPlan
}

func (s *staticStore) Load(ctx context.Context) (*types.MissionPlan, error) {
	return s.plan.Clone(), nil
}

type countingSyncer struct {
	calls int32
	// block, if set, holds Sync until it is closed
	block chan struct{}
}

func (c *countingSyncer) Sync(ctx context.Context) error {
	atomic.AddInt32(&c.calls, 1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func dur(d time.Duration) types.Duration {
	return types.Duration{Duration: d}
}

func simMission() config.Mission {
	m := config.Default().Mission
	m.PollInterval = dur(5 * time.Millisecond)
	m.DisarmGrace = dur(100 * time.Millisecond)
	m.Timeouts = config.Timeouts{
		Arm:      dur(2 * time.Second),
		Takeoff:  dur(2 * time.Second),
		Waypoint: dur(2 * time.Second),
		Land:     dur(2 * time.Second),
		Disarm:   dur(2 * time.Second),
		Charge:   dur(2 * time.Second),
	}
	m.Retries = config.Retries{Arm: 2, Takeoff: 1, Command: 1, Land: 1}
	m.Backoff = config.Backoff{Initial: dur(time.Millisecond), Max: dur(5 * time.Millisecond), Multiplier: 2}
	return m
}

func shortPlan(hold time.Duration) *types.MissionPlan {
	home := sim.DefaultOptions().Home
	wp := types.Offset(home, 20, 0)
	return &types.MissionPlan{ID: "short", Actions: []types.Action{
		{Kind: types.ActionTakeoff, Alt: 5},
		{Kind: types.ActionWaypoint, Lat: wp.Lat, Lon: wp.Lon, Alt: 5},
		{Kind: types.ActionHold, Hold: dur(hold)},
		{Kind: types.ActionLand},
	}}
}

type harness struct {
	fc      *sim.FC
	machine *fsm.Machine
	sup     *Supervisor
	syncer  *countingSyncer
}

// start runs a supervisor against a fast simulated vehicle. prepare, if
// set, scripts the vehicle before the first cycle.
func start(t *testing.T, plan *types.MissionPlan, prepare ...func(fc *sim.FC)) *harness {
	t.Helper()
	return startWithSyncer(t, plan, &countingSyncer{}, prepare...)
}

func startWithSyncer(t *testing.T, plan *types.MissionPlan, syncer *countingSyncer, prepare ...func(fc *sim.FC)) *harness {
	t.Helper()
	opts := sim.DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	opts.TimeScale = 20
	opts.CommandLatency = time.Millisecond
	fc := sim.New(opts)
	t.Cleanup(func() { fc.Close() })
	for _, p := range prepare {
		p(fc)
	}

	machine := fsm.New(fc, &staticStore{plan: plan}, simMission(), "drone-test", nil)
	sup := New(machine, syncer)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx, &wg, func(types.Message) {})
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &harness{fc: fc, machine: machine, sup: sup, syncer: syncer}
}

func command(messageType string, payload interface{}) types.Message {
	return types.CreateMessage(messageType, "ground", "drone-test", payload)
}

func TestSupervisorCycles(t *testing.T) {
	h := start(t, shortPlan(10*time.Millisecond))

	require.Eventually(t, func() bool {
		return h.machine.Cycles() >= 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestSupervisorHaltsOnFaultUntilReset(t *testing.T) {
	denied := types.NewTransientLinkError("arm", errors.New("denied"))
	h := start(t, shortPlan(10*time.Millisecond), func(fc *sim.FC) {
		fc.FailNext("arm", denied, denied, denied)
	})

	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.Faulted
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fsm.Faulted, h.machine.State(), "must stay halted")
	assert.Equal(t, 0, h.machine.Cycles())

	h.sup.Receive(command(types.MessageTypeReset, types.ResetRequested{}))
	require.Eventually(t, func() bool {
		return h.machine.Cycles() >= 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestAbortMessageLandsAndFaults(t *testing.T) {
	h := start(t, shortPlan(time.Minute))

	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.ExecutingMission && h.fc.CurrentState().Altitude > 4
	}, 5*time.Second, 10*time.Millisecond)

	h.sup.Receive(command(types.MessageTypeAbort, types.AbortRequested{Reason: "operator"}))
	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.Faulted
	}, 5*time.Second, 10*time.Millisecond)

	s := h.fc.CurrentState()
	assert.Equal(t, types.LandedOnGround, s.Landed)
	assert.False(t, s.Armed)
	assert.ErrorIs(t, h.machine.Fault(), types.ErrAborted)
	assert.Equal(t, 0, h.machine.Cycles())
}

func TestShutdownLandsBeforeStopping(t *testing.T) {
	h := start(t, shortPlan(time.Minute))

	require.Eventually(t, func() bool {
		return h.fc.CurrentState().Altitude > 4
	}, 5*time.Second, 10*time.Millisecond)

	h.sup.Shutdown()
	h.sup.Shutdown()
	select {
	case <-h.sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	s := h.fc.CurrentState()
	assert.Equal(t, types.LandedOnGround, s.Landed)
	assert.False(t, s.Armed)
	assert.Equal(t, 1, h.fc.Calls("land"))
}

func TestResetIgnoredWhileFlying(t *testing.T) {
	h := start(t, shortPlan(time.Minute))

	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.ExecutingMission
	}, 5*time.Second, 10*time.Millisecond)

	h.sup.Receive(command(types.MessageTypeReset, types.ResetRequested{}))
	h.sup.Receive(command(types.MessageTypeAbort, types.AbortRequested{Reason: "operator"}))
	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.Faulted
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fsm.Faulted, h.machine.State(), "stale reset must not apply")
}

func TestSyncPlan(t *testing.T) {
	h := start(t, shortPlan(time.Minute))

	h.sup.Receive(command(types.MessageTypeSyncPlan, types.SyncPlan{}))
	h.sup.Receive(command(types.MessageTypeTelemetry, nil))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.syncer.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAbortNotDelayedBySlowSync(t *testing.T) {
	syncer := &countingSyncer{block: make(chan struct{})}
	defer close(syncer.block)
	h := startWithSyncer(t, shortPlan(time.Minute), syncer)

	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.ExecutingMission && h.fc.CurrentState().Altitude > 4
	}, 5*time.Second, 10*time.Millisecond)

	h.sup.Receive(command(types.MessageTypeSyncPlan, types.SyncPlan{}))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&syncer.calls) == 1
	}, time.Second, 5*time.Millisecond)

	h.sup.Receive(command(types.MessageTypeAbort, types.AbortRequested{Reason: "operator"}))
	require.Eventually(t, func() bool {
		return h.machine.State() == fsm.Faulted
	}, 5*time.Second, 10*time.Millisecond, "abort must land while the sync is still running")
	assert.Equal(t, int32(1), atomic.LoadInt32(&syncer.calls))
}
