// Package routing decides, per caller utterance, whether the AI keeps the
// call or the call is handed to a department.
package routing

import (
	"sort"
	"strings"

	"github.com/satriahrh/callbridge/domain/entities"
)

// RuleSet is an immutable, ordered snapshot of the active rules. Keyword
// rules come first by ascending priority; catch-all rules follow regardless
// of their priority.
type RuleSet struct {
	keyword  []entities.RoutingRule
	catchAll []entities.RoutingRule
}

// NewRuleSet builds a snapshot from rules. Inactive and invalid rules are
// left out; input order breaks priority ties.
func NewRuleSet(rules []entities.RoutingRule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		if !r.Active || r.Validate() != nil {
			continue
		}
		r.Keywords = append([]string(nil), r.Keywords...)
		if r.IsCatchAll() {
			rs.catchAll = append(rs.catchAll, r)
		} else {
			rs.keyword = append(rs.keyword, r)
		}
	}
	sort.SliceStable(rs.keyword, func(i, j int) bool {
		return rs.keyword[i].Priority < rs.keyword[j].Priority
	})
	sort.SliceStable(rs.catchAll, func(i, j int) bool {
		return rs.catchAll[i].Priority < rs.catchAll[j].Priority
	})
	return rs
}

// Rules returns the evaluation order
func (rs *RuleSet) Rules() []entities.RoutingRule {
	out := make([]entities.RoutingRule, 0, len(rs.keyword)+len(rs.catchAll))
	out = append(out, rs.keyword...)
	return append(out, rs.catchAll...)
}

// Len returns the number of rules in the snapshot
func (rs *RuleSet) Len() int {
	return len(rs.keyword) + len(rs.catchAll)
}

// Match returns the first keyword rule matching text
func (rs *RuleSet) Match(text string) (entities.RoutingRule, bool) {
	for _, r := range rs.keyword {
		if r.Matches(text) {
			return r, true
		}
	}
	return entities.RoutingRule{}, false
}

// CatchAll returns the default rule
func (rs *RuleSet) CatchAll() (entities.RoutingRule, bool) {
	if len(rs.catchAll) == 0 {
		return entities.RoutingRule{}, false
	}
	return rs.catchAll[0], true
}

// ByLabel maps a classifier label to a rule by intent or route name
func (rs *RuleSet) ByLabel(label string) (entities.RoutingRule, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return entities.RoutingRule{}, false
	}
	for _, r := range rs.Rules() {
		if strings.ToLower(r.Intent) == label || strings.ToLower(r.RouteTo) == label {
			return r, true
		}
	}
	return entities.RoutingRule{}, false
}

// Routes lists the distinct destinations, in evaluation order
func (rs *RuleSet) Routes() []string {
	seen := make(map[string]bool)
	var routes []string
	for _, r := range rs.Rules() {
		if !seen[r.RouteTo] {
			seen[r.RouteTo] = true
			routes = append(routes, r.RouteTo)
		}
	}
	return routes
}
