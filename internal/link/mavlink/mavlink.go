// Package mavlink is the flight controller adapter speaking MAVLink 2 over
// serial, UDP or TCP through gomavlib.
package mavlink

import (
	"context"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/link"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// node is the part of *gomavlib.Node the adapter uses.
type node interface {
	Events() chan gomavlib.Event
	WriteMessageAll(m message.Message) error
	Close()
}

type Options struct {
	ConnectAttempts  int
	ConnectTimeout   time.Duration
	AckTimeout       time.Duration
	HeartbeatTimeout time.Duration
	SystemID         int
	GuidedMode       string
	StreamRate       float64
}

func OptionsFromConfig(c config.LinkConfig) Options {
	return Options{
		ConnectAttempts:  c.ConnectAttempts,
		ConnectTimeout:   c.ConnectTimeout.Duration,
		AckTimeout:       c.AckTimeout.Duration,
		HeartbeatTimeout: c.HeartbeatTimeout.Duration,
		SystemID:         c.SystemID,
		GuidedMode:       c.GuidedMode,
		StreamRate:       c.StreamRate,
	}
}

type vehicle struct {
	systemID    uint8
	componentID uint8
	autopilot   common.MAV_AUTOPILOT
}

type Adapter struct {
	opts       Options
	node       node
	dispatcher link.Dispatcher
	watchdog   *watchdog
	logger     *log.Entry

	mu        sync.RWMutex
	state     types.DroneState
	target    *vehicle
	// homeAMSL is the home altitude above mean sea level, from position
	// reports; PX4 takes off to an absolute altitude
	homeAMSL  float64
	hasHome   bool
	acks      map[common.MAV_CMD]chan common.MAV_RESULT
	connected chan struct{}

	wg sync.WaitGroup
}

func endpointConf(ep config.Endpoint) (gomavlib.EndpointConf, error) {
	switch ep.Scheme {
	case config.SchemeSerial:
		return gomavlib.EndpointSerial{Device: ep.Address, Baud: ep.Baud}, nil
	case config.SchemeUDP:
		return gomavlib.EndpointUDPServer{Address: ep.Address}, nil
	case config.SchemeUDPOut:
		return gomavlib.EndpointUDPClient{Address: ep.Address}, nil
	case config.SchemeTCP:
		return gomavlib.EndpointTCPClient{Address: ep.Address}, nil
	}
	return nil, errors.Errorf("scheme %q is not a MAVLink transport", ep.Scheme)
}

// Dial opens the endpoint and blocks until the flight controller's first
// heartbeat arrives or every connect attempt timed out.
func Dial(ctx context.Context, ep config.Endpoint, opts Options) (*Adapter, error) {
	conf, err := endpointConf(ep)
	if err != nil {
		return nil, err
	}

	n, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{conf},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: byte(opts.SystemID),
	})
	if err != nil {
		return nil, types.NewTransientLinkError("open "+ep.String(), err)
	}

	a := newAdapter(n, opts)
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newAdapter(n node, opts Options) *Adapter {
	a := &Adapter{
		opts:      opts,
		node:      n,
		logger:    log.WithField("component", "mavlink"),
		acks:      make(map[common.MAV_CMD]chan common.MAV_RESULT),
		connected: make(chan struct{}),
		state:     types.DroneState{BatteryPct: -1},
	}
	a.watchdog = newWatchdog(opts.HeartbeatTimeout, a.onLinkDown)

	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Adapter) run() {
	defer a.wg.Done()
	for evt := range a.node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			a.handleMessage(e.SystemID(), e.ComponentID(), e.Message())
		case *gomavlib.EventChannelOpen:
			a.logger.Infof("Channel open: %v", e.Channel)
		case *gomavlib.EventChannelClose:
			a.logger.Warnf("Channel closed: %v", e.Channel)
		case *gomavlib.EventParseError:
			a.logger.Debugf("Decode fail: %v", e.Error)
		}
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	for attempt := 1; attempt <= a.opts.ConnectAttempts; attempt++ {
		a.logger.Debugf("Waiting for connection (attempt %d/%d)", attempt, a.opts.ConnectAttempts)
		select {
		case <-a.connected:
			v := a.vehicle()
			a.logger.WithFields(log.Fields{
				"system":    v.systemID,
				"component": v.componentID,
				"autopilot": v.autopilot,
			}).Info("Link established")
			a.requestStreams()
			return nil
		case <-time.After(a.opts.ConnectTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return types.NewTransientLinkError("connect",
		errors.Errorf("no heartbeat after %d attempts", a.opts.ConnectAttempts))
}

func (a *Adapter) onLinkDown() {
	a.mu.Lock()
	a.state.LinkUp = false
	a.mu.Unlock()
	a.logger.Warn("Link down")
}

func (a *Adapter) vehicle() vehicle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.target == nil {
		return vehicle{}
	}
	return *a.target
}

func (a *Adapter) CurrentState() types.DroneState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) Close() error {
	a.watchdog.Stop()
	a.node.Close()
	a.wg.Wait()
	return nil
}

// requestStreams asks the autopilot for the telemetry the state machine
// polls. Acks are not awaited; autopilots that stream by default simply
// accept.
func (a *Adapter) requestStreams() {
	if a.opts.StreamRate <= 0 {
		return
	}
	interval := float32(1e6 / a.opts.StreamRate)
	v := a.vehicle()
	for _, m := range []message.Message{
		&common.MessageGlobalPositionInt{},
		&common.MessageSysStatus{},
		&common.MessageExtendedSysState{},
		&common.MessageBatteryStatus{},
	} {
		err := a.node.WriteMessageAll(&common.MessageCommandLong{
			TargetSystem:    v.systemID,
			TargetComponent: v.componentID,
			Command:         common.MAV_CMD_SET_MESSAGE_INTERVAL,
			Param1:          float32(m.GetID()),
			Param2:          interval,
		})
		if err != nil {
			a.logger.Warnf("Could not request message %d: %v", m.GetID(), err)
		}
	}
}

var _ link.Adapter = (*Adapter)(nil)
