package types

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type PostFn = func(msg Message)

// MessageHandler is a bus participant. Run starts the handler's own
// goroutines; Receive is called from the bus loop for every message and
// must not block for long.
type MessageHandler interface {
	Run(ctx context.Context, wg *sync.WaitGroup, post PostFn)
	Receive(message Message)
}

type MessageBus struct {
	bus       chan Message
	receivers []MessageHandler
	done      chan struct{}
}

func NewMessageBus(bus chan Message, receivers ...MessageHandler) *MessageBus {
	return &MessageBus{bus: bus, receivers: receivers, done: make(chan struct{})}
}

// Post queues msg for delivery. It gives up when the bus is shutting down.
func (mb *MessageBus) Post(msg Message) {
	busLen := len(mb.bus)
	busCapacity := cap(mb.bus)
	if busLen > busCapacity/2 {
		log.WithField("component", "bus").Warnf("Bus capacity over 50%% [ %d / %d ]", busLen, busCapacity)
	}
	select {
	case mb.bus <- msg:
	case <-mb.done:
	}
}

// Run delivers messages until ctx is cancelled. The caller adds the bus
// itself to wg before starting it.
func (mb *MessageBus) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(mb.done)

	for _, x := range mb.receivers {
		wg.Add(1)
		go func(h MessageHandler) {
			defer wg.Done()
			h.Run(ctx, wg, mb.Post)
		}(x)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-mb.bus:
			for _, x := range mb.receivers {
				x.Receive(msg)
			}
		}
	}
}
