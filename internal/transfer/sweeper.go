package transfer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// LostTransferFunc is told about markers the switch never consumed
type LostTransferFunc func(callID string)

// Sweeper periodically removes stale markers
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	onLost      LostTransferFunc
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewSweeper creates a sweeper. onLost may be nil.
func NewSweeper(coordinator *Coordinator, interval time.Duration, onLost LostTransferFunc, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = coordinator.StaleAfter() / 2
	}
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		onLost:      onLost,
		logger:      logger.With(zap.String("component", "transfer_sweeper")),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background sweep
func (s *Sweeper) Start() {
	go s.sweepLoop()
	s.logger.Info("Marker sweeper started", zap.Duration("interval", s.interval))
}

// Stop stops the sweeper and waits for the loop to exit
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.logger.Info("Marker sweeper stopped")
}

func (s *Sweeper) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// leftovers from a previous run
	s.runSweep()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runSweep()
		}
	}
}

func (s *Sweeper) runSweep() {
	result, err := s.coordinator.Sweep()
	if err != nil {
		s.logger.Error("Failed to sweep spool directory", zap.Error(err))
		return
	}
	if len(result.StaleMarkers) > 0 || result.TempFiles > 0 {
		s.logger.Info("Spool sweep completed",
			zap.Int("staleMarkers", len(result.StaleMarkers)),
			zap.Int("tempFiles", result.TempFiles))
	}
	if s.onLost != nil {
		for _, callID := range result.StaleMarkers {
			s.onLost(callID)
		}
	}
}
