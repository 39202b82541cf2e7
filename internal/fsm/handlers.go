package fsm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

func (m *Machine) idle(ctx context.Context) (State, error) {
	m.mc = newMissionContext(m.Cycles() + 1)
	m.plan = nil

	select {
	case reason := <-m.abort:
		return Aborting, m.onAbort(reason)
	default:
	}

	plan, err := m.store.Load(ctx)
	if err != nil {
		return Aborting, errors.WithMessage(err, "load plan")
	}
	m.plan = plan
	m.started = time.Now()

	s := m.link.CurrentState()
	if s.Fault != "" {
		return Faulted, types.NewHardFaultError(s.Fault, nil)
	}
	if s.BatteryPct >= 0 && s.BatteryPct < m.cfg.MinBatteryPct {
		m.logger.WithField("battery", s.BatteryPct).Info("Battery low, charging before the cycle")
		return Charging, nil
	}

	m.logger.WithFields(log.Fields{
		"cycle":   m.mc.Cycle,
		"plan":    plan.ID,
		"actions": len(plan.Actions),
	}).Info("Starting cycle")
	return Arming, nil
}

func (m *Machine) arming(ctx context.Context) (State, error) {
	err := m.retry(ctx, "arm", m.cfg.Retries.Arm, func() error {
		s := m.link.CurrentState()
		if s.Armed {
			return nil
		}
		if !s.Healthy {
			return types.NewTransientLinkError("preflight check", errors.New("vehicle reports unhealthy sensors"))
		}
		c := m.issue(ctx, func() *link.Completion { return m.link.Arm(ctx) })
		return m.waitFor(ctx, "arm", c, m.cfg.Timeouts.Arm.Duration, func(s types.DroneState) bool {
			return s.Armed
		})
	})
	if err != nil {
		return Faulted, err
	}
	return TakingOff, nil
}

func (m *Machine) takingOff(ctx context.Context) (State, error) {
	alt := m.plan.TakeoffAltitude(m.cfg.TakeoffAltitude)
	err := m.retry(ctx, "takeoff", m.cfg.Retries.Takeoff, func() error {
		c := m.issue(ctx, func() *link.Completion { return m.link.Takeoff(ctx, alt) })
		return m.waitFor(ctx, "takeoff", c, m.cfg.Timeouts.Takeoff.Duration, func(s types.DroneState) bool {
			return s.Altitude >= alt-m.cfg.AltitudeTolerance
		})
	})
	if err != nil {
		return Aborting, err
	}

	if len(m.plan.Actions) > 0 && m.plan.Actions[0].Kind == types.ActionTakeoff {
		m.mc.ActionIndex = 1
	}
	return ExecutingMission, nil
}

// executing runs the action at ActionIndex. Each completed action
// re-enters ExecutingMission until the plan is exhausted.
func (m *Machine) executing(ctx context.Context) (State, error) {
	if m.mc.ActionIndex >= len(m.plan.Actions) {
		return Landing, nil
	}

	if err := m.check(m.link.CurrentState()); err != nil {
		return Aborting, err
	}

	a := m.plan.Actions[m.mc.ActionIndex]
	entry := m.logger.WithFields(log.Fields{
		"cycle":  m.mc.Cycle,
		"action": m.mc.ActionIndex + 1,
	})
	entry.Infof("Executing %s", a)
	m.post(types.CreateMessage(types.MessageTypeActionStarted, m.deviceID, m.deviceID, types.ActionStarted{
		CycleID: m.mc.CycleID,
		Cycle:   m.mc.Cycle,
		Action:  m.mc.ActionIndex + 1,
		Total:   len(m.plan.Actions),
		Kind:    string(a.Kind),
	}))

	var err error
	switch a.Kind {
	case types.ActionLand:
		m.mc.ActionIndex = len(m.plan.Actions)
		return Landing, nil
	case types.ActionWaypoint:
		err = m.retry(ctx, "goto", m.cfg.Retries.Command, func() error {
			c := m.issue(ctx, func() *link.Completion { return m.link.GotoWaypoint(ctx, a.Lat, a.Lon, a.Alt) })
			return m.waitFor(ctx, "waypoint", c, m.cfg.Timeouts.Waypoint.Duration, func(s types.DroneState) bool {
				return types.Distance(s.Position, a.Target()) <= m.cfg.AcceptanceRadius &&
					math.Abs(s.Altitude-a.Alt) <= m.cfg.AltitudeTolerance
			})
		})
	case types.ActionHold:
		err = m.pause(ctx, a.Hold.Duration)
	case types.ActionTakeoff:
		// only valid first, already flown
	default:
		err = types.NewHardFaultError(fmt.Sprintf("unknown action kind %q", a.Kind), nil)
	}
	if err != nil {
		return Aborting, err
	}

	m.mc.ActionIndex++
	if m.mc.ActionIndex >= len(m.plan.Actions) {
		return Landing, nil
	}
	return ExecutingMission, nil
}

func (m *Machine) landing(ctx context.Context) (State, error) {
	tolerance := m.cfg.GroundTolerance
	s := m.link.CurrentState()
	if !s.OnGround(tolerance) || s.Armed {
		if err := m.land(ctx); err != nil {
			return Faulted, err
		}
	}

	// an abort that raced the touchdown still decides the outcome
	select {
	case reason := <-m.abort:
		m.onAbort(reason)
	default:
	}

	switch {
	case m.mc.abortErr == nil:
		m.mc.Completed = true
		return Charging, nil
	case types.IsBatteryThreshold(m.mc.abortErr):
		return Charging, nil
	}
	return Faulted, m.mc.abortErr
}

// land brings the vehicle down and makes sure it is disarmed.
func (m *Machine) land(ctx context.Context) error {
	tolerance := m.cfg.GroundTolerance
	if !m.link.CurrentState().OnGround(tolerance) {
		err := m.retry(ctx, "land", m.cfg.Retries.Land, func() error {
			c := m.issue(ctx, func() *link.Completion { return m.link.Land(ctx) })
			return m.waitFor(ctx, "land", c, m.cfg.Timeouts.Land.Duration, func(s types.DroneState) bool {
				return s.OnGround(tolerance)
			})
		})
		if err != nil {
			return err
		}
	}

	notArmed := func(s types.DroneState) bool { return !s.Armed }
	err := m.waitFor(ctx, "auto disarm", nil, m.cfg.DisarmGrace.Duration, notArmed)
	if err == nil || !isTimeout(err) {
		return err
	}

	m.logger.Info("Still armed on the ground, disarming")
	return m.retry(ctx, "disarm", m.cfg.Retries.Command, func() error {
		c := m.issue(ctx, func() *link.Completion { return m.link.Disarm(ctx) })
		return m.waitFor(ctx, "disarm", c, m.cfg.Timeouts.Disarm.Duration, notArmed)
	})
}

func (m *Machine) charging(ctx context.Context) (State, error) {
	full := m.cfg.FullChargePct
	err := m.waitFor(ctx, "charge", nil, m.cfg.Timeouts.Charge.Duration, func(s types.DroneState) bool {
		return s.BatteryPct >= full
	})
	if err != nil {
		if isTimeout(err) {
			return Faulted, types.NewHardFaultError("battery did not charge", err)
		}
		return Faulted, err
	}

	if m.mc.Completed {
		m.mu.Lock()
		m.cycles++
		m.mu.Unlock()

		actions := 0
		planID := ""
		if m.plan != nil {
			actions = len(m.plan.Actions)
			planID = m.plan.ID
		}
		m.post(types.CreateMessage(types.MessageTypeCycleCompleted, m.deviceID, m.deviceID, types.CycleCompleted{
			CycleID:  m.mc.CycleID,
			Cycle:    m.mc.Cycle,
			PlanID:   planID,
			Actions:  actions,
			Duration: time.Since(m.started),
		}))
	}
	return Idle, nil
}

func (m *Machine) aborting(ctx context.Context) (State, error) {
	m.logger.WithField("cycle", m.mc.Cycle).Warnf("Aborting: %s", m.mc.AbortReason)
	return Landing, nil
}
