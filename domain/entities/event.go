package entities

import (
	"fmt"
	"time"
)

// EventKind is the type of a broadcast event
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventSuggestion EventKind = "suggestion"
	EventAlert      EventKind = "alert"
	EventLifecycle  EventKind = "lifecycle"
)

// DeliveryMode is a supervisor's preferred delivery form
type DeliveryMode string

const (
	ModeText   DeliveryMode = "text"
	ModeAudio  DeliveryMode = "audio"
	ModeHybrid DeliveryMode = "hybrid"
)

// ParseDeliveryMode validates a mode string
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch m := DeliveryMode(s); m {
	case ModeText, ModeAudio, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported delivery mode %q", s)
	}
}

// Priority of an event
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Event is the payload fanned out to supervisors
type Event struct {
	CallID    string       `json:"call_id"`
	Kind      EventKind    `json:"type"`
	Mode      DeliveryMode `json:"mode"`
	Priority  Priority     `json:"priority"`
	Text      string       `json:"text,omitempty"`
	AudioURL  string       `json:"audio_url,omitempty"`
	Speaker   Speaker      `json:"speaker,omitempty"`
	State     CallState    `json:"state,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEvent creates an event with normal priority stamped now
func NewEvent(callID string, kind EventKind, text string) Event {
	return Event{
		CallID:    callID,
		Kind:      kind,
		Mode:      ModeText,
		Priority:  PriorityNormal,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// TranscriptEvent builds a transcript event for an utterance
func TranscriptEvent(callID string, u Utterance) Event {
	ev := NewEvent(callID, EventTranscript, u.Text)
	ev.Speaker = u.Speaker
	if !u.StartedAt.IsZero() {
		ev.Timestamp = u.StartedAt
	}
	return ev
}

// AlertEvent builds an alert event
func AlertEvent(callID string, priority Priority, text string) Event {
	ev := NewEvent(callID, EventAlert, text)
	ev.Priority = priority
	return ev
}

// LifecycleEvent builds a state-change event
func LifecycleEvent(callID string, state CallState, reason string) Event {
	ev := NewEvent(callID, EventLifecycle, reason)
	ev.State = state
	return ev
}

// HasAudio reports whether the event carries an audio reference
func (e Event) HasAudio() bool {
	return e.AudioURL != ""
}

// ForMode shapes the event for a subscriber in mode. Text subscribers never
// see audio references; an event left with nothing to show is dropped.
func (e Event) ForMode(mode DeliveryMode) (Event, bool) {
	if mode != ModeText {
		return e, true
	}
	if !e.HasAudio() {
		return e, true
	}
	e.AudioURL = ""
	e.Mode = ModeText
	if e.Text == "" {
		return Event{}, false
	}
	return e, true
}
