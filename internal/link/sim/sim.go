// Package sim is an in-process flight controller used for dry runs
// (sim:// connection strings) and integration tests. It models a
// multicopter as a point that climbs, descends and flies straight lines at
// fixed rates while its battery drains in the air and charges on the pad.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

type Options struct {
	Home            types.Position
	TickInterval    time.Duration
	TimeScale       float64
	ClimbRate       float64
	DescentRate     float64
	Speed           float64
	DrainPerSecond  float64
	ChargePerSecond float64
	InitialBattery  float64
	CommandLatency  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Home:            types.Position{Lat: 60.1699, Lon: 24.9384},
		TickInterval:    50 * time.Millisecond,
		TimeScale:       1,
		ClimbRate:       2.5,
		DescentRate:     1.5,
		Speed:           8,
		DrainPerSecond:  0.1,
		ChargePerSecond: 0.05,
		InitialBattery:  100,
		CommandLatency:  20 * time.Millisecond,
	}
}

type FC struct {
	opts       Options
	dispatcher link.Dispatcher
	logger     *log.Entry

	mu       sync.RWMutex
	state    types.DroneState
	target   *types.Position
	failures map[string][]error
	calls    map[string]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *FC {
	ctx, cancel := context.WithCancel(context.Background())
	home := opts.Home
	home.Alt = 0
	fc := &FC{
		opts:   opts,
		logger: log.WithField("component", "sim"),
		state: types.DroneState{
			Position:   home,
			BatteryPct: opts.InitialBattery,
			FlightMode: "STABILIZE",
			Landed:     types.LandedOnGround,
			Healthy:    true,
			LinkUp:     true,
			UpdatedAt:  time.Now(),
		},
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		cancel:   cancel,
	}
	fc.wg.Add(1)
	go fc.run(ctx)
	return fc
}

func (fc *FC) run(ctx context.Context) {
	defer fc.wg.Done()
	ticker := time.NewTicker(fc.opts.TickInterval)
	defer ticker.Stop()

	dt := fc.opts.TickInterval.Seconds() * fc.opts.TimeScale
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fc.mu.Lock()
			fc.step(dt)
			fc.mu.Unlock()
		}
	}
}

func approach(current, target, maxStep float64) float64 {
	if math.Abs(target-current) <= maxStep {
		return target
	}
	return current + math.Copysign(maxStep, target-current)
}

func (fc *FC) step(dt float64) {
	s := &fc.state
	s.UpdatedAt = time.Now()

	if fc.target != nil {
		rate := fc.opts.ClimbRate
		if fc.target.Alt < s.Position.Alt {
			rate = fc.opts.DescentRate
		}
		s.Position.Alt = approach(s.Position.Alt, fc.target.Alt, rate*dt)

		// no horizontal movement until clear of the ground
		if s.Position.Alt > 0.5 || fc.target.Alt <= s.Position.Alt {
			dn, de := types.DeltaNE(s.Position, *fc.target)
			dist := math.Hypot(dn, de)
			if dist <= fc.opts.Speed*dt {
				s.Position.Lat, s.Position.Lon = fc.target.Lat, fc.target.Lon
			} else {
				k := fc.opts.Speed * dt / dist
				moved := types.Offset(s.Position, dn*k, de*k)
				s.Position.Lat, s.Position.Lon = moved.Lat, moved.Lon
			}
		}
	}
	s.Altitude = s.Position.Alt

	switch {
	case s.Position.Alt <= 0.05 && s.FlightMode == "LAND":
		s.Position.Alt, s.Altitude = 0, 0
		s.Landed = types.LandedOnGround
		s.Armed = false
		fc.target = nil
	case s.Position.Alt <= 0.05 && s.Landed != types.LandedTakeoff:
		s.Landed = types.LandedOnGround
	case s.FlightMode == "LAND":
		s.Landed = types.LandedLanding
	case s.Position.Alt > 0.05:
		s.Landed = types.LandedInAir
	}

	if s.Armed && s.Landed != types.LandedOnGround {
		s.BatteryPct = math.Max(0, s.BatteryPct-fc.opts.DrainPerSecond*dt)
	} else if !s.Armed {
		s.BatteryPct = math.Min(100, s.BatteryPct+fc.opts.ChargePerSecond*dt)
	}
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
// Ops are "arm", "disarm", "takeoff", "goto" and "land".
func (fc *FC) FailNext(op string, errs ...error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failures[op] = append(fc.failures[op], errs...)
}

// Calls counts how often op reached the simulated flight controller.
func (fc *FC) Calls(op string) int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.calls[op]
}

func (fc *FC) SetBattery(pct float64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.state.BatteryPct = pct
}

// InjectFault makes the vehicle report an unrecoverable state.
func (fc *FC) InjectFault(reason string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.state.Fault = reason
}

func (fc *FC) CurrentState() types.DroneState {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.state
}

func (fc *FC) Close() error {
	fc.cancel()
	fc.wg.Wait()
	return nil
}

func (fc *FC) Arm(ctx context.Context) *link.Completion {
	return fc.command(ctx, "arm", func(s *types.DroneState) error {
		if !s.Healthy {
			return types.NewTransientLinkError("arm", errors.New("pre-arm checks failing"))
		}
		s.Armed = true
		s.FlightMode = "GUIDED"
		return nil
	})
}

func (fc *FC) Disarm(ctx context.Context) *link.Completion {
	return fc.command(ctx, "disarm", func(s *types.DroneState) error {
		if s.Landed != types.LandedOnGround {
			return types.NewTransientLinkError("disarm", errors.New("denied while airborne"))
		}
		s.Armed = false
		return nil
	})
}

func (fc *FC) Takeoff(ctx context.Context, altitude float64) *link.Completion {
	return fc.command(ctx, "takeoff", func(s *types.DroneState) error {
		if !s.Armed {
			return types.NewTransientLinkError("takeoff", errors.New("denied, not armed"))
		}
		target := s.Position
		target.Alt = altitude
		fc.target = &target
		s.FlightMode = "GUIDED"
		if s.Landed == types.LandedOnGround {
			s.Landed = types.LandedTakeoff
		}
		return nil
	})
}

func (fc *FC) GotoWaypoint(ctx context.Context, lat, lon, alt float64) *link.Completion {
	return fc.command(ctx, "goto", func(s *types.DroneState) error {
		if !s.Armed || s.Landed == types.LandedOnGround {
			return types.NewTransientLinkError("goto", errors.New("denied, not flying"))
		}
		fc.target = &types.Position{Lat: lat, Lon: lon, Alt: alt}
		return nil
	})
}

func (fc *FC) Land(ctx context.Context) *link.Completion {
	return fc.command(ctx, "land", func(s *types.DroneState) error {
		target := s.Position
		target.Alt = 0
		fc.target = &target
		s.FlightMode = "LAND"
		return nil
	})
}

func (fc *FC) command(ctx context.Context, op string, apply func(s *types.DroneState) error) *link.Completion {
	return fc.dispatcher.Dispatch(ctx, op, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fc.opts.CommandLatency):
		}

		fc.mu.Lock()
		defer fc.mu.Unlock()
		fc.calls[op]++
		if queued := fc.failures[op]; len(queued) > 0 {
			fc.failures[op] = queued[1:]
			fc.logger.WithField("op", op).Debugf("Injected failure: %v", queued[0])
			return queued[0]
		}
		if fc.state.Fault != "" {
			return types.NewHardFaultError(fc.state.Fault, nil)
		}
		return apply(&fc.state)
	})
}
