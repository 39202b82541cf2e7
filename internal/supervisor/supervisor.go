// Package supervisor keeps the mission machine cycling and routes operator
// commands from the bus to it.
package supervisor

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/fsm"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// PlanSyncer refreshes the plan source, e.g. by pulling its repository.
type PlanSyncer interface {
	Sync(ctx context.Context) error
}

type Supervisor struct {
	machine *fsm.Machine
	syncer  PlanSyncer
	inbox   chan types.Message
	resets  chan struct{}
	logger  *log.Entry

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// New supervises machine. syncer may be nil.
func New(machine *fsm.Machine, syncer PlanSyncer) *Supervisor {
	return &Supervisor{
		machine:  machine,
		syncer:   syncer,
		inbox:    make(chan types.Message, 10),
		resets:   make(chan struct{}, 1),
		logger:   log.WithField("component", "supervisor"),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Supervisor) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runMessageLoop(ctx)
	}()

	defer close(s.done)
	s.runCycles(ctx)
}

// Receive hands aborts to the machine right away; a plan sync in progress
// must not hold them up.
func (s *Supervisor) Receive(msg types.Message) {
	switch msg.MessageType {
	case types.MessageTypeAbort:
		if m, ok := msg.Message.(types.AbortRequested); ok {
			s.logger.Warnf("Abort requested by %s: %s", msg.From, m.Reason)
			s.machine.Abort(m.Reason)
		}
	case types.MessageTypeReset, types.MessageTypeSyncPlan:
		s.inbox <- msg
	}
}

// Shutdown requests a graceful stop: the machine aborts and lands, then
// Done is closed.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("Shutdown requested, landing")
		close(s.stopping)
		s.machine.Abort("shutdown")
	})
}

func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *Supervisor) runCycles(ctx context.Context) {
	for {
		err := s.machine.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Supervisor shutting down")
			return
		}
		if s.stopRequested() {
			s.logger.WithField("state", s.machine.State()).Info("Stopped")
			return
		}
		if err == nil {
			continue
		}

		s.logger.WithField("cycles", s.machine.Cycles()).Errorf("Machine faulted, waiting for reset: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-s.stopping:
			return
		case <-s.resets:
			if err := s.machine.Reset(); err != nil {
				s.logger.Errorf("Reset failed: %v", err)
				return
			}
		}
	}
}

func (s *Supervisor) runMessageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			switch msg.Message.(type) {
			case types.ResetRequested:
				if state := s.machine.State(); state != fsm.Faulted {
					s.logger.Infof("Ignoring reset from %s in %s", msg.From, state)
					break
				}
				s.logger.Infof("Reset requested by %s", msg.From)
				select {
				case s.resets <- struct{}{}:
				default:
				}
			case types.SyncPlan:
				if s.syncer == nil {
					break
				}
				if err := s.syncer.Sync(ctx); err != nil {
					s.logger.Warnf("Plan sync failed: %v", err)
				}
			}
		}
	}
}
