package routing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// Config tunes the router
type Config struct {
	// ContinueRoute is the route that keeps the call with the AI
	ContinueRoute string
	// ClassifierThreshold is the minimum confidence to accept a label
	ClassifierThreshold float64
	ClassifyTimeout     time.Duration
	ReplyTimeout        time.Duration
	RetryBackoff        time.Duration
	// HistoryTurns bounds the transcript window sent upstream
	HistoryTurns int
	// MaxAITurns escalates after this many AI replies; 0 disables
	MaxAITurns      int
	EscalationRoute string
	// Phrases spoken before handing the call over
	TransferPhrase   string
	EscalationPhrase string
}

func (c *Config) applyDefaults(logger *zap.Logger) {
	if c.ContinueRoute == "" {
		c.ContinueRoute = "ai_consultant"
		logger.Info("Using default continue route", zap.String("route", c.ContinueRoute))
	}
	if c.ClassifierThreshold <= 0 {
		c.ClassifierThreshold = 0.7
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 5 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 8 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.EscalationRoute == "" {
		c.EscalationRoute = "support"
	}
	if c.TransferPhrase == "" {
		c.TransferPhrase = "Соединяю вас со специалистом. Один момент."
	}
	if c.EscalationPhrase == "" {
		c.EscalationPhrase = "Я вижу что ваш вопрос требует детального рассмотрения. Переведу вас на оператора."
	}
}

// Directory maps routes to the addresses the switch dials
type Directory map[string]string

// DefaultDirectory returns the stock department extensions
func DefaultDirectory() Directory {
	return Directory{
		"sales":   "PJSIP/101",
		"support": "PJSIP/102",
		"billing": "PJSIP/103",
	}
}

// ParseDirectory parses "route=address" pairs separated by commas
func ParseDirectory(s string) (Directory, error) {
	d := Directory{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		route, addr, ok := strings.Cut(pair, "=")
		route, addr = strings.TrimSpace(route), strings.TrimSpace(addr)
		if !ok || route == "" || addr == "" {
			return nil, fmt.Errorf("invalid directory entry %q", pair)
		}
		d[route] = addr
	}
	return d, nil
}

// Resolve returns the address for route. Unknown routes dial themselves.
func (d Directory) Resolve(route string) string {
	if addr, ok := d[route]; ok && addr != "" {
		return addr
	}
	return route
}

// Transfer is a decision to hand the call over
type Transfer struct {
	Decision    entities.RoutingDecision
	Destination string
	// Announcement is spoken to the caller before the handoff
	Announcement string
}

// Outcome is the router's verdict on one utterance
type Outcome struct {
	// Ignored is set for trivial utterances and utterances after a decision
	Ignored  bool
	Transfer *Transfer
	Reply    string
	// Degraded carries upstream failures that were absorbed
	Degraded []error
}

// Router holds what every conversation shares
type Router struct {
	store      *RuleStore
	classifier repositories.Classifier
	responder  repositories.Responder
	directory  Directory
	config     Config
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewRouter creates a router. classifier may be nil, in which case
// unmatched utterances go to the catch-all route.
func NewRouter(store *RuleStore, classifier repositories.Classifier, responder repositories.Responder,
	directory Directory, config Config, metrics *metrics.Collector, logger *zap.Logger) *Router {
	logger = logger.With(zap.String("component", "router"))
	config.applyDefaults(logger)
	if directory == nil {
		directory = DefaultDirectory()
	}
	return &Router{
		store:      store,
		classifier: classifier,
		responder:  responder,
		directory:  directory,
		config:     config,
		metrics:    metrics,
		logger:     logger,
	}
}

// Config returns the effective configuration
func (r *Router) Config() Config { return r.config }

// NewConversation starts routing state for one call
func (r *Router) NewConversation(callID string) *Conversation {
	return &Conversation{
		router: r,
		callID: callID,
		logger: r.logger.With(zap.String("callID", callID)),
	}
}

// Conversation routes the utterances of one call
type Conversation struct {
	router  *Router
	callID  string
	decided atomic.Bool
	aiTurns atomic.Int32
	logger  *zap.Logger
}

// Decided reports whether a transfer decision was already emitted
func (c *Conversation) Decided() bool { return c.decided.Load() }

// Reopen allows a new decision after a transfer could not be carried out
func (c *Conversation) Reopen() {
	if c.decided.CompareAndSwap(true, false) {
		c.logger.Info("Routing reopened")
	}
}

// AITurns returns the number of replies given so far
func (c *Conversation) AITurns() int { return int(c.aiTurns.Load()) }

// IsTrivial reports whether text is too short to route on: blank, or fewer
// than two letters or digits.
func IsTrivial(text string) bool {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
			if n >= 2 {
				return false
			}
		}
	}
	return true
}

// Handle evaluates one caller utterance
func (c *Conversation) Handle(ctx context.Context, u entities.Utterance, history []entities.Utterance) Outcome {
	text := strings.TrimSpace(u.Text)
	if IsTrivial(text) || c.decided.Load() {
		return Outcome{Ignored: true}
	}

	cfg := c.router.config
	rules := c.router.store.Snapshot()
	history = lastN(history, cfg.HistoryTurns)

	var out Outcome
	if rule, ok := rules.Match(text); ok {
		if rule.RouteTo != cfg.ContinueRoute {
			return c.transfer(entities.RoutingDecision{
				Route:      rule.RouteTo,
				Intent:     rule.Intent,
				Rule:       rule.Name,
				Source:     entities.DecisionSourceRule,
				Confidence: 1,
				Reason:     "keyword match",
				DecidedAt:  time.Now(),
			}, cfg.TransferPhrase)
		}
	} else {
		decision, err := c.classify(ctx, rules, text, history)
		if err != nil {
			out.Degraded = append(out.Degraded, err)
		}
		if decision.Route != cfg.ContinueRoute {
			t := c.transfer(decision, cfg.TransferPhrase)
			t.Degraded = append(out.Degraded, t.Degraded...)
			return t
		}
	}

	if cfg.MaxAITurns > 0 && c.AITurns() >= cfg.MaxAITurns {
		t := c.transfer(entities.RoutingDecision{
			Route:     cfg.EscalationRoute,
			Source:    entities.DecisionSourceEscalation,
			Reason:    fmt.Sprintf("AI turn limit %d reached", cfg.MaxAITurns),
			DecidedAt: time.Now(),
		}, cfg.EscalationPhrase)
		t.Degraded = append(out.Degraded, t.Degraded...)
		return t
	}

	reply, err := c.reply(ctx, text, history)
	if err != nil {
		out.Degraded = append(out.Degraded, err)
		return out
	}
	if reply != "" {
		c.aiTurns.Add(1)
		out.Reply = reply
	}
	return out
}

// classify asks the classifier for a route. Any failure, unknown label or
// low confidence falls back to the catch-all.
func (c *Conversation) classify(ctx context.Context, rules *RuleSet, text string, history []entities.Utterance) (entities.RoutingDecision, error) {
	cfg := c.router.config
	fallback := func(reason string) entities.RoutingDecision {
		d := entities.RoutingDecision{
			Route:     cfg.ContinueRoute,
			Source:    entities.DecisionSourceFallback,
			Reason:    reason,
			DecidedAt: time.Now(),
		}
		if rule, ok := rules.CatchAll(); ok {
			d.Route = rule.RouteTo
			d.Intent = rule.Intent
			d.Rule = rule.Name
		}
		return d
	}

	if c.router.classifier == nil {
		return fallback("no classifier"), nil
	}

	verdict, err := retryUpstream(ctx, c.router, "classify", cfg.ClassifyTimeout,
		func(ctx context.Context) (repositories.Classification, error) {
			return c.router.classifier.Classify(ctx, text, history)
		})
	if err != nil {
		c.logger.Warn("Classification failed, using catch-all", zap.Error(err))
		return fallback("classification failed"), err
	}

	rule, ok := rules.ByLabel(verdict.Label)
	if !ok {
		c.logger.Info("Classifier label maps to no rule", zap.String("label", verdict.Label))
		return fallback("unknown label " + verdict.Label), nil
	}
	if verdict.Confidence < cfg.ClassifierThreshold {
		c.logger.Info("Classifier confidence below threshold",
			zap.String("label", verdict.Label),
			zap.Float64("confidence", verdict.Confidence))
		return fallback("low confidence"), nil
	}
	return entities.RoutingDecision{
		Route:      rule.RouteTo,
		Intent:     rule.Intent,
		Rule:       rule.Name,
		Source:     entities.DecisionSourceClassifier,
		Confidence: verdict.Confidence,
		Reason:     verdict.Reason,
		DecidedAt:  time.Now(),
	}, nil
}

func (c *Conversation) reply(ctx context.Context, text string, history []entities.Utterance) (string, error) {
	if c.router.responder == nil {
		return "", nil
	}
	reply, err := retryUpstream(ctx, c.router, "reply", c.router.config.ReplyTimeout,
		func(ctx context.Context) (string, error) {
			return c.router.responder.Reply(ctx, text, history)
		})
	if err != nil {
		c.logger.Warn("Reply failed, dropping", zap.Error(err))
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// transfer emits the decision at most once per call
func (c *Conversation) transfer(decision entities.RoutingDecision, announcement string) Outcome {
	if !c.decided.CompareAndSwap(false, true) {
		return Outcome{Ignored: true}
	}
	dest := c.router.directory.Resolve(decision.Route)
	c.logger.Info("Transfer decided",
		zap.String("route", decision.Route),
		zap.String("destination", dest),
		zap.String("source", string(decision.Source)),
		zap.String("rule", decision.Rule))
	return Outcome{Transfer: &Transfer{
		Decision:     decision,
		Destination:  dest,
		Announcement: announcement,
	}}
}

// retryUpstream runs fn under a per-attempt timeout with one retry for
// failures. Timeouts are final.
func retryUpstream[T any](ctx context.Context, r *Router, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := fn(attemptCtx)
		if err == nil {
			return v, nil
		}
		classified := domain.Upstream(op, err)
		if !classified.Retryable {
			return v, backoff.Permanent(classified)
		}
		return v, classified
	}, backoff.WithBackOff(backoff.NewConstantBackOff(r.config.RetryBackoff)), backoff.WithMaxTries(2))
	r.metrics.ObserveUpstream("llm_"+op, time.Since(start), string(domain.CodeOf(err)))
	return v, err
}

func lastN(history []entities.Utterance, n int) []entities.Utterance {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
