package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T, tor *Torrent) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	me := &Peer{ID: "11111111111111111111", IP: "127.0.0.1", Port: 6881}
	c, err := NewCoordinator(tor, dir, nil, me, 60*time.Second, ProgressHooks{})
	require.NoError(t, err)
	t.Cleanup(func() { c.files.Close() })
	return c
}

func TestCoordinatorDownloadAndSeedCompleteRequiresBothDownloadAndServe(t *testing.T) {
	content := make([]byte, 32*1024)
	tor := testTorrentForHashing(16*1024, content)
	c := testCoordinator(t, tor)

	require.False(t, c.downloadAndSeedComplete(), "nothing downloaded yet")

	c.field.Complete(0)
	c.field.Complete(1)
	require.False(t, c.downloadAndSeedComplete(), "downloaded but never served")

	c.seededSubp = uint64(tor.NumSubpiecesPerPiece() * tor.NumPieces())
	require.True(t, c.downloadAndSeedComplete())
}

func TestCoordinatorMaybeDialDedupsSameAddress(t *testing.T) {
	content := make([]byte, 16*1024)
	tor := testTorrentForHashing(16*1024, content)
	c := testCoordinator(t, tor)
	c.listenPort = 6881 // pretend we're already listening, for self-connect filtering

	p := &Peer{IP: "203.0.113.5", Port: 51413}
	c.maybeDial(p)
	c.maybeDial(p)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	require.Len(t, c.dialed, 1, "the same peer address must only be dialed once per run")

	c.sessWG.Wait()
}

func TestCoordinatorMaybeDialSkipsUnroutableAddresses(t *testing.T) {
	content := make([]byte, 16*1024)
	tor := testTorrentForHashing(16*1024, content)
	c := testCoordinator(t, tor)

	c.maybeDial(&Peer{IP: "0.0.0.0", Port: 51413})
	c.maybeDial(&Peer{IP: "", Port: 51413})

	c.connMu.Lock()
	defer c.connMu.Unlock()
	require.Empty(t, c.dialed)
}

func TestCoordinatorReportFieldStateOnlyReportsChanges(t *testing.T) {
	content := make([]byte, 16*1024)
	tor := testTorrentForHashing(16*1024, content)
	var calls []int
	dir := t.TempDir()
	me := &Peer{ID: "11111111111111111111"}
	c, err := NewCoordinator(tor, dir, nil, me, time.Second, ProgressHooks{
		OnPieceState: func(index int, state int) { calls = append(calls, index) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.files.Close() })

	c.reportFieldState()
	require.Equal(t, []int{0}, calls, "first call reports every piece's initial state once")

	c.field.Complete(0)
	c.reportFieldState()
	require.Equal(t, []int{0, 0}, calls)

	c.reportFieldState()
	require.Equal(t, []int{0, 0}, calls, "unchanged state must not be re-reported")
}
