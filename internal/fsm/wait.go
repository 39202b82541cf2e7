package fsm

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// issue sends a command once the previous one settled, so an interrupted
// wait never leaves the adapter busy for the next command.
func (m *Machine) issue(ctx context.Context, send func() *link.Completion) *link.Completion {
	if m.inflight != nil {
		select {
		case <-m.inflight.Done():
		case <-ctx.Done():
		}
	}
	m.inflight = send()
	return m.inflight
}

// onAbort turns an abort request into ErrAborted, except while landing
// where the reason is only recorded.
func (m *Machine) onAbort(reason string) error {
	if m.mc.AbortReason == "" {
		m.mc.AbortReason = reason
		m.mc.abortErr = errors.Wrap(types.ErrAborted, reason)
	}
	s := m.State()
	if s == Landing || s == Aborting || s.Terminal() {
		m.logger.WithField("state", s).Infof("Abort noted (%s), continuing", reason)
		return nil
	}
	return m.mc.abortErr
}

// check applies the telemetry guards of the current state.
func (m *Machine) check(s types.DroneState) error {
	if s.Fault != "" {
		return types.NewHardFaultError(s.Fault, nil)
	}
	switch m.State() {
	case TakingOff, ExecutingMission:
		if s.BatteryPct >= 0 && s.BatteryPct < m.cfg.MinBatteryPct {
			return &types.SafetyThresholdError{Metric: types.MetricBattery, Value: s.BatteryPct, Limit: m.cfg.MinBatteryPct}
		}
		if ceiling := m.cfg.MaxAltitude + m.cfg.AltitudeTolerance; s.Altitude > ceiling {
			return &types.SafetyThresholdError{Metric: types.MetricAltitude, Value: s.Altitude, Limit: ceiling}
		}
	}
	return nil
}

// waitFor waits for c to resolve and then for done to hold on telemetry,
// both within timeout. c may be nil. With a nil done the full timeout is
// waited and counts as success.
func (m *Machine) waitFor(ctx context.Context, op string, c *link.Completion, timeout time.Duration, done func(s types.DroneState) bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval.Duration)
	defer ticker.Stop()

	var resolved <-chan struct{}
	if c != nil {
		resolved = c.Done()
	}
	satisfied := func() bool {
		return c == nil && done != nil && done(m.link.CurrentState())
	}

	if err := m.check(m.link.CurrentState()); err != nil {
		return err
	}
	if satisfied() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-m.abort:
			if err := m.onAbort(reason); err != nil {
				return err
			}
		case <-resolved:
			if err := c.Err(); err != nil {
				return err
			}
			c, resolved = nil, nil
			if err := m.check(m.link.CurrentState()); err != nil {
				return err
			}
			if satisfied() {
				return nil
			}
		case <-ticker.C:
			if err := m.check(m.link.CurrentState()); err != nil {
				return err
			}
			if satisfied() {
				return nil
			}
		case <-deadline.C:
			if done == nil && c == nil {
				return nil
			}
			return types.NewTimeoutError(op, timeout)
		}
	}
}

// pause waits d while still honouring guards and abort requests.
func (m *Machine) pause(ctx context.Context, d time.Duration) error {
	return m.waitFor(ctx, "pause", nil, d, nil)
}

// retry calls attempt until it succeeds, fails with a non-retryable error
// or retries extra attempts failed. Attempts are spaced with exponential
// backoff.
func (m *Machine) retry(ctx context.Context, op string, retries int, attempt func() error) error {
	backoff := m.cfg.Backoff.Initial.Duration
	m.mc.RetriesRemaining = retries
	for {
		err := attempt()
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		if m.mc.RetriesRemaining == 0 {
			return errors.WithMessagef(err, "%s failed after %d retries", op, retries)
		}
		m.mc.RetriesRemaining--
		m.logger.WithFields(log.Fields{
			"cycle": m.mc.Cycle,
			"state": m.State(),
		}).Warnf("%s failed, retrying in %v (%d left): %v", op, backoff, m.mc.RetriesRemaining, err)

		if err := m.pause(ctx, backoff); err != nil {
			return err
		}
		backoff = time.Duration(math.Min(
			float64(backoff)*m.cfg.Backoff.Multiplier,
			float64(m.cfg.Backoff.Max.Duration),
		))
	}
}

func isTimeout(err error) bool {
	var timeout *types.TimeoutError
	return errors.As(err, &timeout)
}
