package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried by the MessageBus and serialized to the
// ground station.
type Message struct {
	Timestamp   time.Time   `json:"timestamp"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	ID          string      `json:"id"`
	MessageType string      `json:"message_type"`
	Message     interface{} `json:"message"`
}

// StringMessage is a Message whose payload is still an encoded JSON string,
// as received from the ground station.
type StringMessage struct {
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ID          string    `json:"id"`
	MessageType string    `json:"message_type"`
	Message     string    `json:"message"`
}

// Replace returns a Message with the same envelope and payload v.
func (message *StringMessage) Replace(v interface{}) Message {
	return Message{
		Timestamp:   message.Timestamp,
		From:        message.From,
		To:          message.To,
		ID:          message.ID,
		MessageType: message.MessageType,
		Message:     v,
	}
}

// Marshal encodes the whole message, payload included, as JSON.
func (message *Message) Marshal() ([]byte, error) {
	return json.Marshal(message)
}

func CreateMessage(messageType, from, to string, message interface{}) Message {
	return Message{
		Timestamp:   time.Now().UTC(),
		From:        from,
		To:          to,
		ID:          uuid.New().String(),
		MessageType: messageType,
		Message:     message,
	}
}
