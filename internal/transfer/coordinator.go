// Package transfer hands calls over to the switch through marker files. The
// switch's routing script polls {spool}/transfer_{callID}, dials the address
// written inside and deletes the file. There is no acknowledgement channel.
package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
)

const (
	markerPrefix = "transfer_"
	tempPrefix   = ".transfer_"
	tempSuffix   = ".tmp"

	defaultStaleAfter = 60 * time.Second
)

// Config configures the coordinator
type Config struct {
	SpoolDir   string
	StaleAfter time.Duration
}

// Coordinator writes and removes transfer markers
type Coordinator struct {
	dir        string
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	// serializes writers for the same process; the switch is not a writer
	mu sync.Mutex
}

// NewCoordinator creates the spool directory if needed
func NewCoordinator(config Config, logger *zap.Logger) (*Coordinator, error) {
	if strings.TrimSpace(config.SpoolDir) == "" {
		return nil, errors.New("spool directory is required")
	}
	staleAfter := config.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
		logger.Info("Using default marker staleness", zap.Duration("staleAfter", staleAfter))
	}
	if err := os.MkdirAll(config.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Coordinator{
		dir:        config.SpoolDir,
		staleAfter: staleAfter,
		logger:     logger.With(zap.String("component", "transfer")),
		now:        time.Now,
	}, nil
}

// MarkerPath returns the marker location for callID
func (c *Coordinator) MarkerPath(callID string) string {
	return filepath.Join(c.dir, markerPrefix+callID)
}

// StaleAfter returns the marker staleness threshold
func (c *Coordinator) StaleAfter() time.Duration {
	return c.staleAfter
}

func validateCallID(callID string) error {
	if callID == "" {
		return errors.New("call id is required")
	}
	if strings.ContainsAny(callID, `/\`) || strings.Contains(callID, "..") || strings.ContainsRune(callID, 0) {
		return fmt.Errorf("call id %q is not a safe file name", callID)
	}
	return nil
}

// RequestTransfer publishes destination for callID. The marker appears
// atomically; a second request for the same call replaces the first.
func (c *Coordinator) RequestTransfer(callID, destination string) error {
	if err := validateCallID(callID); err != nil {
		return err
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return errors.New("destination is required")
	}
	if strings.ContainsAny(destination, "\r\n") {
		return fmt.Errorf("destination %q must be a single line", destination)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.CreateTemp(c.dir, tempPrefix+callID+"-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp marker: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.WriteString(destination); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp marker: %w", err)
	}
	// CreateTemp uses 0600; the switch runs as another user
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp marker: %w", err)
	}
	if err := os.Rename(tmpName, c.MarkerPath(callID)); err != nil {
		cleanup()
		return fmt.Errorf("failed to publish marker: %w", err)
	}

	c.logger.Info("Transfer marker written",
		zap.String("callID", callID),
		zap.String("destination", destination))
	return nil
}

// Cancel removes the marker for callID. A missing marker is not an error:
// the switch may already have consumed it.
func (c *Coordinator) Cancel(callID string) error {
	if err := validateCallID(callID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.MarkerPath(callID))
	if err == nil {
		c.logger.Info("Transfer marker cancelled", zap.String("callID", callID))
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("No transfer marker to cancel",
			zap.String("callID", callID),
			zap.Error(domain.ErrTransferRace))
		return nil
	}
	return fmt.Errorf("failed to remove marker: %w", err)
}

// Pending returns the destination of a live marker. Stale markers are
// reported as absent.
func (c *Coordinator) Pending(callID string) (string, bool, error) {
	if err := validateCallID(callID); err != nil {
		return "", false, err
	}
	path := c.MarkerPath(callID)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if c.isStale(info) {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (c *Coordinator) isStale(info fs.FileInfo) bool {
	return c.now().Sub(info.ModTime()) > c.staleAfter
}

// SweepResult summarizes one sweep
type SweepResult struct {
	StaleMarkers []string
	TempFiles    int
}

// Sweep deletes markers older than the staleness threshold and abandoned
// temp files. The call IDs of stale markers are returned.
func (c *Coordinator) Sweep() (SweepResult, error) {
	var result SweepResult

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return result, fmt.Errorf("failed to read spool directory: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		isMarker := strings.HasPrefix(name, markerPrefix)
		isTemp := strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
		if entry.IsDir() || (!isMarker && !isTemp) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !c.isStale(info) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Failed to remove stale spool entry", zap.String("file", name), zap.Error(err))
			continue
		}
		if isMarker {
			callID := strings.TrimPrefix(name, markerPrefix)
			result.StaleMarkers = append(result.StaleMarkers, callID)
			c.logger.Warn("Removed stale transfer marker", zap.String("callID", callID))
		} else {
			result.TempFiles++
		}
	}
	return result, nil
}
