// Package commands turns operator commands received over MQTT into bus
// messages.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/types"
)

const (
	qos              = 1
	subscribeTimeout = 10 * time.Second
	groundStation    = "ground"
)

// subscriber is the part of mqtt.Client used here.
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// operatorCommand is the optional JSON body of a command. The command
// itself is named by the last topic level.
type operatorCommand struct {
	From   string `json:"from"`
	Reason string `json:"reason"`
}

// Handler subscribes to /devices/<id>/commands/# and posts abort, reset
// and sync-plan requests to the bus.
type Handler struct {
	client   subscriber
	deviceID string
	prefix   string
	logger   *log.Entry
}

func New(client subscriber, deviceID string) *Handler {
	return &Handler{
		client:   client,
		deviceID: deviceID,
		prefix:   fmt.Sprintf("/devices/%s/commands/", deviceID),
		logger:   log.WithField("component", "commands"),
	}
}

func (h *Handler) Receive(msg types.Message) {
}

func (h *Handler) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	topic := h.prefix + "#"
	h.logger.Infof("Subscribing to %s", topic)
	tok := h.client.Subscribe(topic, qos, func(client mqtt.Client, m mqtt.Message) {
		msg, err := h.parse(m.Topic(), m.Payload())
		if err != nil {
			h.logger.Warnf("Dropping command: %v", err)
			return
		}
		h.logger.Infof("Got %s command from %s", msg.MessageType, msg.From)
		post(msg)
	})
	if !tok.WaitTimeout(subscribeTimeout) {
		h.logger.Errorf("Subscribe to %s timed out", topic)
		return
	}
	if err := tok.Error(); err != nil {
		h.logger.Errorf("Error on subscribe: %v", err)
		return
	}

	<-ctx.Done()
	h.client.Unsubscribe(topic).WaitTimeout(subscribeTimeout)
}

func (h *Handler) parse(topic string, payload []byte) (types.Message, error) {
	if !strings.HasPrefix(topic, h.prefix) {
		return types.Message{}, errors.Errorf("unexpected topic %s", topic)
	}
	name := strings.TrimPrefix(topic, h.prefix)

	var cmd operatorCommand
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return types.Message{}, errors.Wrapf(err, "%s command body", name)
		}
	}
	if cmd.From == "" {
		cmd.From = groundStation
	}

	var body interface{}
	switch name {
	case types.MessageTypeAbort:
		if cmd.Reason == "" {
			cmd.Reason = "operator request"
		}
		body = types.AbortRequested{Reason: cmd.Reason}
	case types.MessageTypeReset:
		body = types.ResetRequested{}
	case types.MessageTypeSyncPlan:
		body = types.SyncPlan{}
	default:
		return types.Message{}, errors.Errorf("unknown command %q", name)
	}
	return types.CreateMessage(name, cmd.From, h.deviceID, body), nil
}
