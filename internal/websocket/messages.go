package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
)

// Action is the verb of a supervisor control message
type Action string

const (
	ActionChangeMode        Action = "change_mode"
	ActionRequestSuggestion Action = "request_suggestion"
)

// ControlMessage is sent by a supervisor over the socket
type ControlMessage struct {
	Action Action                `json:"action"`
	Mode   entities.DeliveryMode `json:"mode,omitempty"`
}

// AckMessage confirms a control message
type AckMessage struct {
	Type      string                `json:"type"`
	Action    Action                `json:"action"`
	Mode      entities.DeliveryMode `json:"mode,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// ErrorMessage reports a rejected control message
type ErrorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseControlMessage decodes and validates a control message
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON format: %w", err)
	}
	msg.Action = Action(strings.TrimSpace(string(msg.Action)))

	switch msg.Action {
	case ActionChangeMode:
		mode, err := entities.ParseDeliveryMode(string(msg.Mode))
		if err != nil {
			return msg, err
		}
		msg.Mode = mode
	case ActionRequestSuggestion:
	case "":
		return msg, fmt.Errorf("action is required")
	default:
		return msg, fmt.Errorf("unknown action %q", msg.Action)
	}
	return msg, nil
}

func newAck(action Action, mode entities.DeliveryMode) AckMessage {
	return AckMessage{Type: "ack", Action: action, Mode: mode, Timestamp: time.Now()}
}

func newError(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message, Timestamp: time.Now()}
}
