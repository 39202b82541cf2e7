package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tiiuae/missioncontroller/internal/types"
)

const (
	qos            = 1
	retain         = false
	publishTimeout = 5 * time.Second
)

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// telemetry is the payload on the telemetry topic.
type telemetry struct {
	Timestamp int64
	MessageID string

	Lat              float64
	Lon              float64
	AltitudeFromHome float64
	BatteryRemaining float64
	Armed            bool
	FlightMode       types.FlightMode
	Landed           types.LandedState
	LinkUp           bool
	MissionState     string
}

// Publisher forwards telemetry and mission events from the bus to the
// ground station. Telemetry is throttled to the configured rate, mission
// events are always sent.
type Publisher struct {
	client   publisher
	deviceID string
	limiter  *rate.Limiter
	inbox    chan types.Message
	logger   *log.Entry

	missionState string
}

// NewPublisher sends at most perSecond telemetry messages per second.
func NewPublisher(client publisher, deviceID string, perSecond float64) *Publisher {
	return &Publisher{
		client:   client,
		deviceID: deviceID,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		inbox:    make(chan types.Message, 10),
		logger:   log.WithField("component", "publisher"),
	}
}

func (p *Publisher) Receive(msg types.Message) {
	switch msg.MessageType {
	case types.MessageTypeTelemetry:
		// samples are dropped while the publisher lags
		select {
		case p.inbox <- msg:
		default:
		}
	case types.MessageTypeStateChanged, types.MessageTypeCycleCompleted,
		types.MessageTypeFault, types.MessageTypeVehicleStatus,
		types.MessageTypeActionStarted:
		select {
		case p.inbox <- msg:
		default:
			p.logger.Warnf("Publisher backlog full, dropping %s", msg.MessageType)
		}
	}
}

func (p *Publisher) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	telemetryTopic := fmt.Sprintf("/devices/%s/events/telemetry", p.deviceID)
	missionTopic := fmt.Sprintf("/devices/%s/events/mission", p.deviceID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.inbox:
			switch m := msg.Message.(type) {
			case types.DroneState:
				if !p.limiter.Allow() {
					break
				}
				p.publish(telemetryTopic, p.telemetry(m))
			case types.StateChanged:
				p.missionState = m.To
				p.publish(missionTopic, msg)
			default:
				p.publish(missionTopic, msg)
			}
		}
	}
}

func (p *Publisher) telemetry(s types.DroneState) telemetry {
	return telemetry{
		Timestamp:        time.Now().UnixNano() / 1000,
		MessageID:        uuid.New().String(),
		Lat:              s.Position.Lat,
		Lon:              s.Position.Lon,
		AltitudeFromHome: s.Altitude,
		BatteryRemaining: s.BatteryPct,
		Armed:            s.Armed,
		FlightMode:       s.FlightMode,
		Landed:           s.Landed,
		LinkUp:           s.LinkUp,
		MissionState:     p.missionState,
	}
}

func (p *Publisher) publish(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		p.logger.Errorf("Could not marshal %T: %v", v, err)
		return
	}
	tok := p.client.Publish(topic, qos, retain, b)
	if !tok.WaitTimeout(publishTimeout) {
		p.logger.Warnf("Publish to %s timed out", topic)
		return
	}
	if err := tok.Error(); err != nil {
		p.logger.Warnf("Publish to %s failed: %v", topic, err)
	}
}
