package types

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

type logger struct {
	entry *log.Entry
}

// NewLogger returns a bus handler that logs every message except
// high-rate telemetry.
func NewLogger() MessageHandler {
	return &logger{log.WithField("component", "bus")}
}

func (l *logger) Receive(message Message) {
	if message.MessageType == MessageTypeTelemetry {
		return
	}

	b, _ := json.Marshal(message.Message)
	l.entry.WithFields(log.Fields{
		"type": message.MessageType,
		"from": message.From,
		"to":   message.To,
	}).Info(string(b))
}

func (l *logger) Run(ctx context.Context, wg *sync.WaitGroup, post PostFn) {
}
