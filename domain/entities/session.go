package entities

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satriahrh/callbridge/domain"
)

// CallState represents the lifecycle state of a call session
type CallState string

const (
	CallStateConnecting     CallState = "connecting"
	CallStateStreaming      CallState = "streaming"
	CallStateRoutingPending CallState = "routing_pending"
	CallStateTransferring   CallState = "transferring"
	CallStateEnded          CallState = "ended"
)

// Speaker tags an utterance with who said it
type Speaker string

const (
	SpeakerCaller   Speaker = "caller"
	SpeakerAI       Speaker = "ai"
	SpeakerOperator Speaker = "operator"
)

var transitions = map[CallState][]CallState{
	CallStateConnecting:     {CallStateStreaming, CallStateEnded},
	CallStateStreaming:      {CallStateRoutingPending, CallStateEnded},
	CallStateRoutingPending: {CallStateTransferring, CallStateStreaming, CallStateEnded},
	CallStateTransferring:   {CallStateEnded},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s CallState) CanTransition(next CallState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Utterance is a single transcribed span of speech
type Utterance struct {
	Speaker    Speaker   `json:"speaker" bson:"speaker"`
	Text       string    `json:"text" bson:"text"`
	Confidence float64   `json:"confidence,omitempty" bson:"confidence,omitempty"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
}

// CallSession is the state of one active call. It is owned by the audio
// session; other components reference it through the call ID.
type CallSession struct {
	mu sync.RWMutex

	id             string
	remoteAddr     string
	state          CallState
	transcript     []Utterance
	decision       *RoutingDecision
	endReason      string
	createdAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
}

// CallSnapshot is an immutable copy of a CallSession
type CallSnapshot struct {
	ID             string           `json:"call_id" bson:"_id"`
	RemoteAddr     string           `json:"remote_addr" bson:"remote_addr"`
	State          CallState        `json:"state" bson:"state"`
	Transcript     []Utterance      `json:"transcript" bson:"transcript"`
	Decision       *RoutingDecision `json:"decision,omitempty" bson:"decision,omitempty"`
	EndReason      string           `json:"end_reason,omitempty" bson:"end_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	LastActivityAt time.Time        `json:"last_activity_at" bson:"last_activity_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
}

// NewCallSession creates a session in the connecting state
func NewCallSession(id, remoteAddr string) *CallSession {
	now := time.Now()
	return &CallSession{
		id:             id,
		remoteAddr:     remoteAddr,
		state:          CallStateConnecting,
		transcript:     make([]Utterance, 0),
		createdAt:      now,
		lastActivityAt: now,
	}
}

func (c *CallSession) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// SetID assigns the switch-provided identifier. Only allowed while connecting.
func (c *CallSession) SetID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallStateConnecting {
		return fmt.Errorf("call id is fixed once streaming (state %s)", c.state)
	}
	if id == "" {
		return errors.New("call id cannot be empty")
	}
	c.id = id
	return nil
}

func (c *CallSession) State() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves the session to next, returning the previous state.
func (c *CallSession) Transition(next CallState) (CallState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	if !prev.CanTransition(next) {
		return prev, domain.NewError(domain.CodeInvalidTransition,
			fmt.Sprintf("%s -> %s", prev, next))
	}
	c.state = next
	c.lastActivityAt = time.Now()
	if next == CallStateEnded {
		c.endedAt = c.lastActivityAt
	}
	return prev, nil
}

// End transitions to ended from any live state. It returns false if the
// session had already ended.
func (c *CallSession) End(reason string) (CallState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	if prev == CallStateEnded {
		return prev, false
	}
	now := time.Now()
	c.state = CallStateEnded
	c.endReason = reason
	c.lastActivityAt = now
	c.endedAt = now
	return prev, true
}

// AddUtterance appends to the transcript
func (c *CallSession) AddUtterance(u Utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.StartedAt.IsZero() {
		u.StartedAt = time.Now()
	}
	c.transcript = append(c.transcript, u)
	c.lastActivityAt = time.Now()
}

// History returns a copy of the last n utterances, or all of them if n <= 0.
func (c *CallSession) History(n int) []Utterance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if n > 0 && len(c.transcript) > n {
		start = len(c.transcript) - n
	}
	out := make([]Utterance, len(c.transcript)-start)
	copy(out, c.transcript[start:])
	return out
}

// SetDecision records the last routing decision
func (c *CallSession) SetDecision(d RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decision = &d
}

func (c *CallSession) Decision() (RoutingDecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.decision == nil {
		return RoutingDecision{}, false
	}
	return *c.decision, true
}

// Touch records inbound activity
func (c *CallSession) Touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *CallSession) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivityAt
}

// Snapshot returns a consistent copy of the session
func (c *CallSession) Snapshot() CallSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := CallSnapshot{
		ID:             c.id,
		RemoteAddr:     c.remoteAddr,
		State:          c.state,
		Transcript:     make([]Utterance, len(c.transcript)),
		EndReason:      c.endReason,
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivityAt,
	}
	copy(snap.Transcript, c.transcript)
	if c.decision != nil {
		d := *c.decision
		snap.Decision = &d
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		snap.EndedAt = &t
	}
	return snap
}

// Validate validates the snapshot before persisting it
func (s CallSnapshot) Validate() error {
	if s.ID == "" {
		return errors.New("call_id is required")
	}
	switch s.State {
	case CallStateConnecting, CallStateStreaming, CallStateRoutingPending,
		CallStateTransferring, CallStateEnded:
	default:
		return fmt.Errorf("invalid call state %q", s.State)
	}
	return nil
}
