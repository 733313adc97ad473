package whisper

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type clip struct {
	data      []byte
	createdAt time.Time
}

// ClipStore keeps rendered suggestion audio in memory until it expires
type ClipStore struct {
	mu    sync.RWMutex
	clips map[string]clip
	ttl   time.Duration
	now   func() time.Time

	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewClipStore creates a store whose clips live for ttl
func NewClipStore(ttl time.Duration, logger *zap.Logger) *ClipStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
		logger.Info("Using default clip TTL", zap.Duration("ttl", ttl))
	}
	return &ClipStore{
		clips:    make(map[string]clip),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "clip_store")),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Put stores data and returns its id
func (s *ClipStore) Put(data []byte) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.clips[id] = clip{data: data, createdAt: s.now()}
	s.mu.Unlock()
	return id
}

// Get returns the clip unless it is unknown or expired
func (s *ClipStore) Get(id string) ([]byte, bool) {
	s.mu.RLock()
	c, ok := s.clips[id]
	s.mu.RUnlock()
	if !ok || s.now().Sub(c.createdAt) > s.ttl {
		return nil, false
	}
	return c.data, true
}

// Len returns the number of stored clips, expired ones included
func (s *ClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// Expire removes expired clips and returns how many were removed
func (s *ClipStore) Expire() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.clips {
		if c.createdAt.Before(cutoff) {
			delete(s.clips, id)
			n++
		}
	}
	return n
}

// Start begins the background janitor
func (s *ClipStore) Start() {
	go s.cleanupLoop()
	s.logger.Info("Clip janitor started", zap.Duration("ttl", s.ttl))
}

// Stop stops the janitor and waits for it to exit
func (s *ClipStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.logger.Info("Clip janitor stopped")
}

func (s *ClipStore) cleanupLoop() {
	defer close(s.done)

	// Sweep twice per TTL
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.Expire(); n > 0 {
				s.logger.Debug("Expired clips", zap.Int("count", n))
			}
		}
	}
}
