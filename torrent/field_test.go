package torrent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPieceFieldClaimReleaseComplete(t *testing.T) {
	f := NewPieceField(3)

	idx, ok := f.ClaimNext()
	require.True(t, ok)
	require.Equal(t, 0, idx)

	// claimed piece is not claimable again until released
	idx2, ok := f.ClaimNext()
	require.True(t, ok)
	require.Equal(t, 1, idx2)

	f.Release(idx)
	require.False(t, f.IsComplete(idx))

	idx3, ok := f.ClaimNext()
	require.True(t, ok)
	require.Equal(t, 0, idx3)

	f.Complete(idx3)
	require.True(t, f.IsComplete(idx3))

	// completing is final: releasing a COMPLETE piece is a no-op
	f.Release(idx3)
	require.True(t, f.IsComplete(idx3))
}

func TestPieceFieldIsFullAndCompletedCount(t *testing.T) {
	f := NewPieceField(2)
	require.False(t, f.IsFull())
	require.Equal(t, 0, f.CompletedCount())

	f.Complete(0)
	require.False(t, f.IsFull())
	require.Equal(t, 1, f.CompletedCount())

	f.Complete(1)
	require.True(t, f.IsFull())
	require.Equal(t, 2, f.CompletedCount())
}

func TestPieceFieldAwaitChangeWakesOnRelease(t *testing.T) {
	f := NewPieceField(1)
	_, ok := f.ClaimNext()
	require.True(t, ok)

	// field is fully claimed (IN_PROGRESS); a second claimer must block
	// in AwaitChange until Release wakes it.
	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan bool, 1)
	go func() {
		defer wg.Done()
		woke <- f.AwaitChange()
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine reach Wait()
	f.Release(0)
	wg.Wait()

	require.True(t, <-woke)
}

func TestPieceFieldShutdownWakesWaiters(t *testing.T) {
	f := NewPieceField(1)
	_, _ = f.ClaimNext()

	done := make(chan bool, 1)
	go func() {
		done <- f.AwaitChange()
	}()

	time.Sleep(20 * time.Millisecond)
	f.Shutdown()

	require.False(t, <-done)

	_, ok := f.ClaimNext()
	require.False(t, ok, "shutdown does not itself revert in-progress pieces")
}

func TestPieceFieldSnapshotIsIndependentCopy(t *testing.T) {
	f := NewPieceField(2)
	f.Complete(0)
	snap := f.Snapshot()
	require.Equal(t, []int{PieceComplete, PieceEmpty}, snap)

	f.Complete(1)
	require.Equal(t, []int{PieceComplete, PieceEmpty}, snap, "snapshot must not alias live state")
}
