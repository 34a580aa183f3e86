package notify_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kserverd/kserver/internal/notify"
)

func newManager(t *testing.T) *notify.Manager {
	t.Helper()
	m, err := notify.NewManager(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestWatchReceivesCreateUnderWatchedDirectory(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)

	root, err := m.AddRoot(dir)
	require.NoError(t, err)

	w := &notify.Watch{Filter: notify.FilterFileName | notify.FilterDirName}
	notify.AttachWatch(root, w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))

	deadline := time.After(2 * time.Second)
	for len(w.Drain()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for create event")
		default:
			m.Run()
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchFilterMismatchIsNotDelivered(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)

	root, err := m.AddRoot(dir)
	require.NoError(t, err)

	// Only interested in attribute changes, not file creation.
	w := &notify.Watch{Filter: notify.FilterAttributes}
	notify.AttachWatch(root, w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))
	time.Sleep(50 * time.Millisecond)
	m.Run()

	require.Empty(t, w.Drain())
}

func TestSigioFallbackDrainResetsCounters(t *testing.T) {
	s := notify.NewSigioFallback()
	s.RegisterWatch(1)
	s.RegisterWatch(2)

	s.HandlerIncrement(1)
	s.HandlerIncrement(1)
	s.HandlerIncrement(2)

	fired := s.Drain()
	require.ElementsMatch(t, []int{1, 2}, fired)

	require.Empty(t, s.Drain(), "second drain must see no pending events")
}

func TestSigioFallbackUnregisteredWatchIgnored(t *testing.T) {
	s := notify.NewSigioFallback()
	s.HandlerIncrement(99) // never registered
	require.Empty(t, s.Drain())
}
