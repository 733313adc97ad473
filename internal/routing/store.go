package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// RuleStore publishes the current RuleSet. Readers always see a complete
// snapshot.
type RuleStore struct {
	current atomic.Pointer[RuleSet]
}

// NewRuleStore creates a store holding rules
func NewRuleStore(rules []entities.RoutingRule) *RuleStore {
	s := &RuleStore{}
	s.Replace(rules)
	return s
}

// Snapshot returns the current rule set
func (s *RuleStore) Snapshot() *RuleSet {
	return s.current.Load()
}

// Replace swaps in a new rule set built from rules
func (s *RuleStore) Replace(rules []entities.RoutingRule) *RuleSet {
	rs := NewRuleSet(rules)
	s.current.Store(rs)
	return rs
}

// Load replaces the rules with the repository's active set
func (s *RuleStore) Load(ctx context.Context, repo repositories.RuleRepository) (*RuleSet, error) {
	rules, err := repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	rs := NewRuleSet(rules)
	if rs.Len() == 0 {
		return nil, errors.New("rule source returned no usable rules")
	}
	s.current.Store(rs)
	return rs, nil
}

// Refresher reloads the rule store on an interval
type Refresher struct {
	store    *RuleStore
	repo     repositories.RuleRepository
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRefresher creates a refresher
func NewRefresher(store *RuleStore, repo repositories.RuleRepository, interval time.Duration, logger *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
		logger.Info("Using default rule refresh interval", zap.Duration("interval", interval))
	}
	return &Refresher{
		store:    store,
		repo:     repo,
		interval: interval,
		logger:   logger.With(zap.String("component", "rule_refresher")),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background refresh
func (r *Refresher) Start() {
	go r.refreshLoop()
	r.logger.Info("Rule refresher started", zap.Duration("interval", r.interval))
}

// Stop stops the refresher and waits for the loop to exit
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.done
	r.logger.Info("Rule refresher stopped")
}

func (r *Refresher) refreshLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// Refresh loads the rules once. On failure the previous snapshot stays.
func (r *Refresher) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	rs, err := r.store.Load(ctx, r.repo)
	if err != nil {
		r.logger.Error("Failed to refresh routing rules, keeping previous set", zap.Error(err))
		return
	}
	r.logger.Debug("Routing rules refreshed", zap.Int("rules", rs.Len()))
}
