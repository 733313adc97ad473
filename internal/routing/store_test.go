package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
)

type fakeRuleRepo struct {
	mu    sync.Mutex
	rules []entities.RoutingRule
	err   error
	calls int
}

func (f *fakeRuleRepo) ListActive(ctx context.Context) ([]entities.RoutingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func (f *fakeRuleRepo) set(rules []entities.RoutingRule, err error) {
	f.mu.Lock()
	f.rules, f.err = rules, err
	f.mu.Unlock()
}

func TestRuleStore_LoadKeepsPreviousOnError(t *testing.T) {
	store := NewRuleStore(seedRules())
	before := store.Snapshot()

	repo := &fakeRuleRepo{err: errors.New("mongo down")}
	_, err := store.Load(context.Background(), repo)
	require.Error(t, err)
	assert.Same(t, before, store.Snapshot())

	repo.set(nil, nil)
	_, err = store.Load(context.Background(), repo)
	require.Error(t, err, "an empty rule set is refused")
	assert.Same(t, before, store.Snapshot())
}

func TestRefresher_SwapsSnapshot(t *testing.T) {
	store := NewRuleStore(seedRules())
	repo := &fakeRuleRepo{rules: []entities.RoutingRule{
		{Name: "vip", RouteTo: "vip", Keywords: []string{"вип"}, Priority: 1, Active: true},
	}}

	r := NewRefresher(store, repo, 20*time.Millisecond, zap.NewNop())
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		rule, ok := store.Snapshot().Match("я вип клиент")
		return ok && rule.RouteTo == "vip"
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := store.Snapshot().CatchAll()
	assert.False(t, ok)
}

func TestRuleStore_ReadersSeeWholeSnapshots(t *testing.T) {
	a := seedRules()
	b := []entities.RoutingRule{
		{Name: "only", RouteTo: "support", Keywords: []string{"x"}, Priority: 1, Active: true},
		{Name: "fallback", RouteTo: "ai_consultant", Active: true},
	}
	store := NewRuleStore(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				store.Replace(a)
			} else {
				store.Replace(b)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		n := store.Snapshot().Len()
		if n != 4 && n != 2 {
			t.Fatalf("observed partial snapshot with %d rules", n)
		}
	}
	close(stop)
	wg.Wait()
}
