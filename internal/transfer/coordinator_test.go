package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{SpoolDir: t.TempDir(), StaleAfter: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func spoolEntries(t *testing.T, c *Coordinator) []string {
	t.Helper()
	entries, err := os.ReadDir(c.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRequestTransfer_WritesMarker(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.RequestTransfer("call-1", "PJSIP/101"))

	data, err := os.ReadFile(filepath.Join(c.dir, "transfer_call-1"))
	require.NoError(t, err)
	assert.Equal(t, "PJSIP/101", string(data))

	info, err := os.Stat(c.MarkerPath("call-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.Equal(t, []string{"transfer_call-1"}, spoolEntries(t, c))
}

func TestRequestTransfer_OverwritesInsteadOfDuplicating(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.RequestTransfer("call-1", "PJSIP/101"))
	require.NoError(t, c.RequestTransfer("call-1", "PJSIP/103"))

	dest, ok, err := c.Pending("call-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "PJSIP/103", dest)
	assert.Equal(t, []string{"transfer_call-1"}, spoolEntries(t, c))
}

func TestRequestThenCancel_LeavesNoMarker(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.RequestTransfer("call-1", "PJSIP/102"))
	require.NoError(t, c.Cancel("call-1"))

	_, err := os.Stat(c.MarkerPath("call-1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, spoolEntries(t, c))
}

func TestCancel_MissingMarkerIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	assert.NoError(t, c.Cancel("never-requested"))
	assert.NoError(t, c.Cancel("never-requested"))
}

func TestRequestTransfer_RejectsUnsafeInput(t *testing.T) {
	c := newTestCoordinator(t)

	assert.Error(t, c.RequestTransfer("../etc/passwd", "PJSIP/101"))
	assert.Error(t, c.RequestTransfer("a/b", "PJSIP/101"))
	assert.Error(t, c.RequestTransfer("", "PJSIP/101"))
	assert.Error(t, c.RequestTransfer("call-1", "  "))
	assert.Error(t, c.RequestTransfer("call-1", "PJSIP/101\nPJSIP/102"))
	assert.Empty(t, spoolEntries(t, c))
}

func TestRequestTransfer_ConcurrentReadersSeeWholeMarker(t *testing.T) {
	c := newTestCoordinator(t)
	destinations := []string{"PJSIP/101", "PJSIP/102", "PJSIP/103"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	bad := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(c.MarkerPath("call-1"))
			if err != nil {
				continue
			}
			got := string(data)
			valid := false
			for _, d := range destinations {
				if got == d {
					valid = true
				}
			}
			if !valid {
				select {
				case bad <- got:
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, c.RequestTransfer("call-1", destinations[i%len(destinations)]))
	}
	close(stop)
	wg.Wait()

	select {
	case got := <-bad:
		t.Fatalf("reader observed partial marker %q", got)
	default:
	}
	assert.Len(t, spoolEntries(t, c), 1)
}

func TestPending_IgnoresStaleMarker(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.RequestTransfer("call-1", "PJSIP/101"))

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err := c.Pending("call-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweep_RemovesStaleEntries(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.RequestTransfer("old-call", "PJSIP/101"))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, ".transfer_crashed-123.tmp"), []byte("PJSIP"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "unrelated.txt"), []byte("keep"), 0o600))

	old := time.Now().Add(-5 * time.Minute)
	for _, name := range []string{"transfer_old-call", ".transfer_crashed-123.tmp", "unrelated.txt"} {
		require.NoError(t, os.Chtimes(filepath.Join(c.dir, name), old, old))
	}
	require.NoError(t, c.RequestTransfer("fresh-call", "PJSIP/102"))

	result, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []string{"old-call"}, result.StaleMarkers)
	assert.Equal(t, 1, result.TempFiles)
	assert.ElementsMatch(t, []string{"transfer_fresh-call", "unrelated.txt"}, spoolEntries(t, c))
}

func TestSweeper_ReportsLostTransfers(t *testing.T) {
	c, err := NewCoordinator(Config{SpoolDir: t.TempDir(), StaleAfter: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.RequestTransfer("lost-call", "PJSIP/101"))

	var mu sync.Mutex
	var lost []string
	s := NewSweeper(c, 20*time.Millisecond, func(callID string) {
		mu.Lock()
		lost = append(lost, callID)
		mu.Unlock()
	}, zap.NewNop())
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1 && lost[0] == "lost-call"
	}, 2*time.Second, 10*time.Millisecond)

	_, statErr := os.Stat(c.MarkerPath("lost-call"))
	assert.True(t, os.IsNotExist(statErr), fmt.Sprintf("marker should be swept: %v", statErr))
	assert.False(t, strings.Contains(strings.Join(spoolEntries(t, c), ","), "lost-call"))
}
