package entities

import (
	"errors"
	"strings"
	"time"
)

// RoutingRule maps trigger keywords to a destination route. A rule without
// keywords is a catch-all.
type RoutingRule struct {
	ID       string   `json:"id,omitempty" bson:"_id,omitempty" yaml:"id,omitempty"`
	Name     string   `json:"name" bson:"name" yaml:"name"`
	Keywords []string `json:"keywords" bson:"keywords" yaml:"keywords"`
	Intent   string   `json:"intent" bson:"intent" yaml:"intent"`
	RouteTo  string   `json:"route_to" bson:"route_to" yaml:"route_to"`
	Priority int      `json:"priority" bson:"priority" yaml:"priority"`
	Active   bool     `json:"active" bson:"active" yaml:"active"`
}

// IsCatchAll reports whether the rule has no usable keywords
func (r RoutingRule) IsCatchAll() bool {
	for _, kw := range r.Keywords {
		if strings.TrimSpace(kw) != "" {
			return false
		}
	}
	return true
}

// Matches reports whether any keyword occurs in text, ignoring case.
// Catch-all rules never match here; callers select them explicitly.
func (r RoutingRule) Matches(text string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range r.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// Validate validates the rule fields
func (r RoutingRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if strings.TrimSpace(r.RouteTo) == "" {
		return errors.New("route_to is required")
	}
	return nil
}

// DecisionSource records which stage produced a routing decision
type DecisionSource string

const (
	DecisionSourceRule       DecisionSource = "rule"
	DecisionSourceClassifier DecisionSource = "classifier"
	DecisionSourceFallback   DecisionSource = "fallback"
	DecisionSourceEscalation DecisionSource = "escalation"
)

// RoutingDecision is the outcome of evaluating a transcript
type RoutingDecision struct {
	Route      string         `json:"route" bson:"route"`
	Intent     string         `json:"intent,omitempty" bson:"intent,omitempty"`
	Rule       string         `json:"rule,omitempty" bson:"rule,omitempty"`
	Source     DecisionSource `json:"source" bson:"source"`
	Confidence float64        `json:"confidence" bson:"confidence"`
	Reason     string         `json:"reason,omitempty" bson:"reason,omitempty"`
	DecidedAt  time.Time      `json:"decided_at" bson:"decided_at"`
}
