package mavlink

import (
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/tiiuae/missioncontroller/internal/types"
)

var landedStates = map[common.MAV_LANDED_STATE]types.LandedState{
	common.MAV_LANDED_STATE_UNDEFINED: types.LandedUnknown,
	common.MAV_LANDED_STATE_ON_GROUND: types.LandedOnGround,
	common.MAV_LANDED_STATE_IN_AIR:    types.LandedInAir,
	common.MAV_LANDED_STATE_TAKEOFF:   types.LandedTakeoff,
	common.MAV_LANDED_STATE_LANDING:   types.LandedLanding,
}

func (a *Adapter) handleMessage(systemID, componentID uint8, msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		a.handleHeartbeat(systemID, componentID, m)
		return
	case *common.MessageCommandAck:
		if a.fromVehicle(systemID) {
			a.deliverAck(m)
		}
		return
	case *common.MessageStatustext:
		if a.fromVehicle(systemID) {
			a.handleStatusText(m)
		}
		return
	}

	if !a.fromVehicle(systemID) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.state
	switch m := msg.(type) {
	case *common.MessageGlobalPositionInt:
		s.Position = types.Position{
			Lat: float64(m.Lat) / 1e7,
			Lon: float64(m.Lon) / 1e7,
			Alt: float64(m.RelativeAlt) / 1000,
		}
		s.Altitude = s.Position.Alt
		a.homeAMSL = float64(m.Alt-m.RelativeAlt) / 1000
		a.hasHome = true
	case *common.MessageSysStatus:
		if m.BatteryRemaining >= 0 {
			s.BatteryPct = float64(m.BatteryRemaining)
		}
		s.Healthy = m.OnboardControlSensorsEnabled&^m.OnboardControlSensorsHealth == 0
	case *common.MessageBatteryStatus:
		if m.BatteryRemaining >= 0 {
			s.BatteryPct = float64(m.BatteryRemaining)
		}
	case *common.MessageExtendedSysState:
		s.Landed = landedStates[m.LandedState]
	default:
		return
	}
	s.UpdatedAt = time.Now()
}

func (a *Adapter) fromVehicle(systemID uint8) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.target != nil && a.target.systemID == systemID
}

func (a *Adapter) handleHeartbeat(systemID, componentID uint8, m *common.MessageHeartbeat) {
	// other ground stations and peripherals share the link
	if m.Type == common.MAV_TYPE_GCS || m.Autopilot == common.MAV_AUTOPILOT_INVALID {
		return
	}

	a.mu.Lock()
	if a.target == nil {
		a.target = &vehicle{systemID: systemID, componentID: componentID, autopilot: m.Autopilot}
		close(a.connected)
	}
	if a.target.systemID != systemID {
		a.mu.Unlock()
		return
	}

	s := &a.state
	wasUp := s.LinkUp
	s.LinkUp = true
	s.Armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	s.FlightMode = types.FlightMode(modeName(a.target.autopilot, m.CustomMode))
	switch m.SystemStatus {
	case common.MAV_STATE_EMERGENCY:
		s.Fault = "vehicle reports emergency"
	case common.MAV_STATE_FLIGHT_TERMINATION:
		s.Fault = "flight termination"
	default:
		s.Fault = ""
	}
	s.UpdatedAt = time.Now()
	a.mu.Unlock()

	if !wasUp {
		a.logger.Info("Link up")
	}
	a.watchdog.Beat()
}

func (a *Adapter) handleStatusText(m *common.MessageStatustext) {
	entry := a.logger.WithField("source", "autopilot")
	switch {
	case m.Severity <= common.MAV_SEVERITY_ERROR:
		entry.Error(m.Text)
	case m.Severity == common.MAV_SEVERITY_WARNING:
		entry.Warn(m.Text)
	case m.Severity <= common.MAV_SEVERITY_INFO:
		entry.Info(m.Text)
	default:
		entry.Debug(m.Text)
	}
}
