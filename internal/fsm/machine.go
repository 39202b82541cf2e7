// Package fsm drives the mission cycle: arm, take off, fly the plan, land,
// charge and start over.
package fsm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// PlanStore yields the plan for the next cycle.
type PlanStore interface {
	Load(ctx context.Context) (*types.MissionPlan, error)
}

type handler func(ctx context.Context) (State, error)

type Machine struct {
	link     link.Adapter
	store    PlanStore
	cfg      config.Mission
	deviceID string
	post     types.PostFn
	logger   *log.Entry
	handlers map[State]handler

	mu     sync.RWMutex
	state  State
	cycles int
	fault  error

	abort chan string

	// owned by the goroutine running the machine
	mc       *MissionContext
	plan     *types.MissionPlan
	started  time.Time
	inflight *link.Completion
}

// New returns a machine in Idle. post may be nil.
func New(adapter link.Adapter, store PlanStore, cfg config.Mission, deviceID string, post types.PostFn) *Machine {
	if post == nil {
		post = func(types.Message) {}
	}
	m := &Machine{
		link:     adapter,
		store:    store,
		cfg:      cfg,
		deviceID: deviceID,
		post:     post,
		logger:   log.WithField("component", "fsm"),
		state:    Idle,
		abort:    make(chan string, 1),
		mc:       newMissionContext(1),
	}
	m.handlers = map[State]handler{
		Idle:             m.idle,
		Arming:           m.arming,
		TakingOff:        m.takingOff,
		ExecutingMission: m.executing,
		Landing:          m.landing,
		Charging:         m.charging,
		Aborting:         m.aborting,
	}
	return m
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cycles is the number of fully completed cycles.
func (m *Machine) Cycles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycles
}

// Fault is the error that put the machine into Faulted.
func (m *Machine) Fault() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fault
}

// Abort asks the machine to land as soon as possible. It never blocks;
// requests made while one is pending are dropped.
func (m *Machine) Abort(reason string) {
	select {
	case m.abort <- reason:
	default:
	}
}

// Reset leaves Faulted. It must not be called while a cycle is running.
func (m *Machine) Reset() error {
	if s := m.State(); s != Faulted {
		return errors.Wrapf(types.ErrInvalidTransition, "reset requested in %s", s)
	}
	select {
	case <-m.abort:
	default:
	}
	m.mu.Lock()
	m.fault = nil
	m.mu.Unlock()
	m.mc = newMissionContext(m.Cycles() + 1)
	return m.transition(Idle, "reset")
}

// Run repeats cycles until the machine faults or ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := m.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// RunCycle steps the machine until it is back in Idle. It returns the
// fault if the machine ends up in Faulted, and ctx.Err() on cancellation,
// leaving the machine in the state it was interrupted in.
func (m *Machine) RunCycle(ctx context.Context) error {
	if m.State() == Faulted {
		return m.Fault()
	}
	for {
		if err := m.step(ctx); err != nil {
			return err
		}
		switch m.State() {
		case Idle:
			return nil
		case Faulted:
			return m.Fault()
		}
	}
}

func (m *Machine) step(ctx context.Context) error {
	from := m.State()
	h, ok := m.handlers[from]
	if !ok {
		return errors.Wrapf(types.ErrInvalidTransition, "no handler for %s", from)
	}

	next, err := h(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	reason := ""
	if err != nil {
		reason = err.Error()
		switch {
		case types.IsHardFault(err):
			next = Faulted
		case errors.Is(err, types.ErrAborted) && from != Landing:
			next = Aborting
		}
		if next == Aborting && m.mc.abortErr == nil {
			m.mc.abortErr = err
			m.mc.AbortReason = reason
		}
		if next == Faulted {
			m.setFault(from, err)
		}
	}
	return m.transition(next, reason)
}

func (m *Machine) setFault(in State, err error) {
	m.mu.Lock()
	m.fault = err
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{"state": in, "cycle": m.mc.Cycle}).Errorf("Fault: %v", err)
	m.post(types.CreateMessage(types.MessageTypeFault, m.deviceID, m.deviceID, types.Fault{
		CycleID: m.mc.CycleID,
		Cycle:   m.mc.Cycle,
		State:   in.String(),
		Error:   err.Error(),
	}))
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, to) {
		m.mu.Unlock()
		return errors.Wrapf(types.ErrInvalidTransition, "%s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	entry := m.logger.WithFields(log.Fields{"cycle": m.mc.Cycle, "state": to})
	if reason != "" {
		entry.Infof("%s -> %s: %s", from, to, reason)
	} else {
		entry.Infof("%s -> %s", from, to)
	}
	m.post(types.CreateMessage(types.MessageTypeStateChanged, m.deviceID, m.deviceID, types.StateChanged{
		CycleID: m.mc.CycleID,
		Cycle:   m.mc.Cycle,
		From:    from.String(),
		To:      to.String(),
		Reason:  reason,
	}))
	return nil
}
