package mavlink

import (
	"context"
	"math"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/pkg/errors"

	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

func (a *Adapter) Arm(ctx context.Context) *link.Completion {
	return a.dispatcher.Dispatch(ctx, "arm", func(ctx context.Context) error {
		return a.commandLong(ctx, "arm", common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0, 0, 0, 0, 0)
	})
}

func (a *Adapter) Disarm(ctx context.Context) *link.Completion {
	return a.dispatcher.Dispatch(ctx, "disarm", func(ctx context.Context) error {
		return a.commandLong(ctx, "disarm", common.MAV_CMD_COMPONENT_ARM_DISARM, 0, 0, 0, 0, 0, 0, 0)
	})
}

func (a *Adapter) Takeoff(ctx context.Context, altitude float64) *link.Completion {
	return a.dispatcher.Dispatch(ctx, "takeoff", func(ctx context.Context) error {
		if a.opts.GuidedMode != "" {
			if err := a.setMode(ctx, a.opts.GuidedMode); err != nil {
				return err
			}
		}
		target, err := a.takeoffAltitude(altitude)
		if err != nil {
			return err
		}
		nan := float32(math.NaN())
		return a.commandLong(ctx, "takeoff", common.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, nan, nan, nan, float32(target))
	})
}

// takeoffAltitude converts an altitude above home into NAV_TAKEOFF param 7.
// ArduPilot reads it relative to home, PX4 as AMSL.
func (a *Adapter) takeoffAltitude(altitude float64) (float64, error) {
	if a.vehicle().autopilot != common.MAV_AUTOPILOT_PX4 {
		return altitude, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasHome {
		return 0, types.NewTransientLinkError("takeoff", errors.New("no global position yet"))
	}
	return a.homeAMSL + altitude, nil
}

func (a *Adapter) GotoWaypoint(ctx context.Context, lat, lon, alt float64) *link.Completion {
	return a.dispatcher.Dispatch(ctx, "goto", func(ctx context.Context) error {
		v := a.vehicle()
		msg := &common.MessageCommandInt{
			TargetSystem:    v.systemID,
			TargetComponent: v.componentID,
			Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
			Command:         common.MAV_CMD_DO_REPOSITION,
			Param1:          -1,
			Param2:          float32(common.MAV_DO_REPOSITION_FLAGS_CHANGE_MODE),
			Param4:          float32(math.NaN()),
			X:               int32(math.Round(lat * 1e7)),
			Y:               int32(math.Round(lon * 1e7)),
			Z:               float32(alt),
		}
		return a.send(ctx, "goto", msg.Command, msg)
	})
}

func (a *Adapter) Land(ctx context.Context) *link.Completion {
	return a.dispatcher.Dispatch(ctx, "land", func(ctx context.Context) error {
		nan := float32(math.NaN())
		return a.commandLong(ctx, "land", common.MAV_CMD_NAV_LAND, 0, 0, 0, nan, nan, nan, 0)
	})
}

func (a *Adapter) setMode(ctx context.Context, name string) error {
	v := a.vehicle()
	custom, ok := modeNumber(v.autopilot, name)
	if !ok {
		return types.NewHardFaultError("unknown flight mode "+name, nil)
	}
	p1 := float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED)
	if v.autopilot == common.MAV_AUTOPILOT_PX4 {
		return a.commandLong(ctx, "set mode "+name, common.MAV_CMD_DO_SET_MODE,
			p1, float32((custom>>16)&0xff), float32((custom>>24)&0xff), 0, 0, 0, 0)
	}
	return a.commandLong(ctx, "set mode "+name, common.MAV_CMD_DO_SET_MODE, p1, float32(custom), 0, 0, 0, 0, 0)
}

func (a *Adapter) commandLong(ctx context.Context, op string, cmd common.MAV_CMD, p1, p2, p3, p4, p5, p6, p7 float32) error {
	v := a.vehicle()
	return a.send(ctx, op, cmd, &common.MessageCommandLong{
		TargetSystem:    v.systemID,
		TargetComponent: v.componentID,
		Command:         cmd,
		Param1:          p1,
		Param2:          p2,
		Param3:          p3,
		Param4:          p4,
		Param5:          p5,
		Param6:          p6,
		Param7:          p7,
	})
}

// send writes msg and waits for the COMMAND_ACK matching cmd.
func (a *Adapter) send(ctx context.Context, op string, cmd common.MAV_CMD, msg message.Message) error {
	if !a.CurrentState().LinkUp {
		return types.NewTransientLinkError(op, errors.New("link down"))
	}

	acks := a.expectAck(cmd)
	defer a.clearAck(cmd)

	if err := a.node.WriteMessageAll(msg); err != nil {
		return types.NewTransientLinkError(op, err)
	}

	timer := time.NewTimer(a.opts.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return types.NewTransientLinkError(op, errors.Errorf("no ack within %v", a.opts.AckTimeout))
		case result := <-acks:
			if result == common.MAV_RESULT_IN_PROGRESS {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(a.opts.AckTimeout)
				continue
			}
			return ackError(op, result)
		}
	}
}

func ackError(op string, result common.MAV_RESULT) error {
	switch result {
	case common.MAV_RESULT_ACCEPTED:
		return nil
	case common.MAV_RESULT_TEMPORARILY_REJECTED, common.MAV_RESULT_DENIED, common.MAV_RESULT_FAILED:
		return types.NewTransientLinkError(op, errors.Errorf("rejected: %v", result))
	}
	return types.NewHardFaultError(op+" not supported by vehicle",
		errors.Errorf("result %v", result))
}

func (a *Adapter) expectAck(cmd common.MAV_CMD) chan common.MAV_RESULT {
	ch := make(chan common.MAV_RESULT, 4)
	a.mu.Lock()
	a.acks[cmd] = ch
	a.mu.Unlock()
	return ch
}

func (a *Adapter) clearAck(cmd common.MAV_CMD) {
	a.mu.Lock()
	delete(a.acks, cmd)
	a.mu.Unlock()
}

func (a *Adapter) deliverAck(m *common.MessageCommandAck) {
	a.mu.RLock()
	ch, ok := a.acks[m.Command]
	a.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- m.Result:
	default:
		a.logger.Debugf("Dropping duplicate ack for %v", m.Command)
	}
}
