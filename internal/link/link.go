// Package link defines the contract between the mission state machine and
// the flight controller connection.
//
// Every command returns a Completion immediately; the transport work runs
// in the background and resolves the Completion with nil, a
// TransientLinkError, a HardFaultError or a context error. Adapters accept
// at most one command at a time.
package link

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tiiuae/missioncontroller/internal/types"
)

type Adapter interface {
	Arm(ctx context.Context) *Completion
	Disarm(ctx context.Context) *Completion
	Takeoff(ctx context.Context, altitude float64) *Completion
	GotoWaypoint(ctx context.Context, lat, lon, alt float64) *Completion
	Land(ctx context.Context) *Completion

	// CurrentState returns the latest telemetry snapshot. Safe for
	// concurrent use.
	CurrentState() types.DroneState
	Close() error
}

// Completion is the future returned by every adapter command.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns an already completed Completion.
func Resolved(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve completes c. Only the first call has an effect.
func (c *Completion) Resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err is the command result. It is nil until Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher runs commands one at a time on behalf of an adapter.
type Dispatcher struct {
	mu      sync.Mutex
	pending string
}

// Dispatch starts fn in the background unless another command is still
// pending, in which case the returned Completion fails with
// ErrCommandInFlight.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, fn func(ctx context.Context) error) *Completion {
	d.mu.Lock()
	if d.pending != "" {
		pending := d.pending
		d.mu.Unlock()
		return Resolved(errors.Wrapf(types.ErrCommandInFlight, "%s rejected, %s pending", op, pending))
	}
	d.pending = op
	d.mu.Unlock()

	c := NewCompletion()
	go func() {
		err := fn(ctx)
		d.mu.Lock()
		d.pending = ""
		d.mu.Unlock()
		c.Resolve(err)
	}()
	return c
}

// Pending names the command in flight, if any.
func (d *Dispatcher) Pending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.pending != ""
}
