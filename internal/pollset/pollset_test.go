package pollset

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPollBackendLevelTriggered exercises the level-triggered
// invariant of spec §4.5 directly against the portable fallback
// backend, which every platform can fall back to.
func TestPollBackendLevelTriggered(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	b := newPollBackend()
	require.NoError(t, b.Register(int(r.Fd()), Readable))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	evs, err := b.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, int(r.Fd()), evs[0].Fd)

	// Level-triggered: a second Wait must still report readiness
	// since the byte has not been consumed.
	evs2, err := b.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs2, 1)

	require.NoError(t, b.Deregister(int(r.Fd())))
	var buf [1]byte
	r.Read(buf[:])
}

func TestPollBackendMaskTransitionZeroToNonzero(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	b := newPollBackend()
	require.NoError(t, b.Register(int(r.Fd()), 0))
	w.Write([]byte("y"))

	evs, _ := b.Wait(50)
	require.Len(t, evs, 0, "masked-out fd must not be reported")

	require.NoError(t, b.Modify(int(r.Fd()), Readable))
	evs, err = b.Wait(1000)
	require.NoError(t, err)
	require.Len(t, evs, 1, "enabling the mask on an already-ready fd must be observed on the next Wait")
}
