package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "{}\n")

	var calls atomic.Int32
	w, err := NewWatcher(path, func() { calls.Add(1) }, nil)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Unrelated files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	for i := range 3 {
		require.NoError(t, os.WriteFile(path, []byte("service:\n  name: v"+string(rune('0'+i))+"\n"), 0o600))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "burst should coalesce into one reload")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRelevantConfigFile(t *testing.T) {
	for name, want := range map[string]bool{
		"/etc/fd/config.yaml": true,
		"/etc/fd/farm.YML":    true,
		"/etc/fd/.checksums":  true,
		"/etc/fd/config.swp":  false,
		"/etc/fd/notes.txt":   false,
	} {
		assert.Equal(t, want, relevantConfigFile(name), name)
	}
}
