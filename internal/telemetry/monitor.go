// Package telemetry samples the vehicle for the message bus and forwards
// bus traffic to the ground station.
package telemetry

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/types"
)

// Source is anything that can report the latest vehicle snapshot.
type Source interface {
	CurrentState() types.DroneState
}

// Monitor posts a telemetry snapshot every interval, and a vehicle-status
// message whenever armed state, flight mode, landed state or link health
// changes.
type Monitor struct {
	source   Source
	deviceID string
	interval time.Duration
	logger   *log.Entry

	last    types.VehicleStatus
	started bool
}

func NewMonitor(source Source, deviceID string, interval time.Duration) *Monitor {
	return &Monitor{
		source:   source,
		deviceID: deviceID,
		interval: interval,
		logger:   log.WithField("component", "monitor"),
	}
}

func (m *Monitor) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(post)
		}
	}
}

func (m *Monitor) Receive(msg types.Message) {
}

func (m *Monitor) sample(post types.PostFn) {
	s := m.source.CurrentState()
	post(types.CreateMessage(types.MessageTypeTelemetry, m.deviceID, m.deviceID, s))

	status := types.VehicleStatus{
		Armed:      s.Armed,
		FlightMode: s.FlightMode,
		Landed:     s.Landed,
		LinkUp:     s.LinkUp,
	}
	if m.started && status == m.last {
		return
	}
	if m.started && status.FlightMode != m.last.FlightMode {
		m.logger.Infof("Flight mode %s -> %s", m.last.FlightMode, status.FlightMode)
	}
	m.started = true
	m.last = status
	post(types.CreateMessage(types.MessageTypeVehicleStatus, m.deviceID, m.deviceID, status))
}
