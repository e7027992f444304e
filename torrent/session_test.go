package torrent

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestSession wires up everything a Session needs against an
// in-memory FileMapper/PieceField pair, using its own small parser and
// hasher pool exactly as the coordinator would.
func newTestSession(t *testing.T, conn net.Conn, tor *Torrent, field *PieceField, dir string, seeded *uint64) *Session {
	t.Helper()
	files, err := OpenFileMapper(tor, dir)
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	hasher := NewHasherPool(2, tor, field, files)
	t.Cleanup(hasher.Shutdown)
	parser := NewParserPool(4)
	t.Cleanup(parser.Shutdown)

	var peerID [20]byte
	rand.Read(peerID[:])
	return NewSession(conn, tor, field, files, hasher, parser, peerID, 0, seeded)
}

// loopbackPair returns both ends of a TCP connection over 127.0.0.1.
// net.Pipe has no buffering, so two sessions that each write their
// handshake before reading would block each other until the deadline.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	connA, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	connB := <-accepted
	require.NotNil(t, connB)
	return connA, connB
}

func TestSessionFetcherDownloadsFromSeeder(t *testing.T) {
	content := make([]byte, 32*1024) // two 16 KiB pieces
	for i := range content {
		content[i] = byte(i)
	}
	tor := testTorrentForHashing(16*1024, content)

	seederDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seederDir, "data.bin"), content, 0644))
	seederField := NewPieceField(tor.NumPieces())
	for i := 0; i < tor.NumPieces(); i++ {
		seederField.Complete(i)
	}

	fetcherDir := t.TempDir()
	fetcherField := NewPieceField(tor.NumPieces())

	connA, connB := loopbackPair(t)
	var seededA, seededB uint64

	seederSess := newTestSession(t, connA, tor, seederField, seederDir, &seededA)
	fetcherSess := newTestSession(t, connB, tor, fetcherField, fetcherDir, &seededB)

	go seederSess.Run()
	go fetcherSess.Run()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	waitForCondition(t, 5*time.Second, fetcherField.IsFull)
}

// TestSessionFetcherHandlesShortFinalPiece drives a torrent whose final
// piece is shorter than piece_length and spans fewer subpiece slots
// than NumSubpiecesPerPiece() would suggest, exercising the spec's
// "last piece shorter than piece_length" boundary end to end.
func TestSessionFetcherHandlesShortFinalPiece(t *testing.T) {
	const pieceLength = 4 * SubpieceLen // 4 subpieces per full piece
	const tailLength = 40000            // needs only 3 subpieces, not 4
	content := make([]byte, 2*pieceLength+tailLength)
	for i := range content {
		content[i] = byte(i)
	}
	tor := testTorrentForHashing(pieceLength, content)
	require.Equal(t, 3, tor.NumPieces())
	lastPieceLen := tor.PieceLen(tor.NumPieces() - 1)
	require.Equal(t, int64(tailLength), lastPieceLen)
	require.Less(t, lastPieceLen, int64(tor.NumSubpiecesPerPiece())*SubpieceLen,
		"test is only meaningful if the last piece needs fewer subpieces than a full piece")

	seederDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seederDir, "data.bin"), content, 0644))
	seederField := NewPieceField(tor.NumPieces())
	for i := 0; i < tor.NumPieces(); i++ {
		seederField.Complete(i)
	}

	fetcherDir := t.TempDir()
	fetcherField := NewPieceField(tor.NumPieces())

	connA, connB := loopbackPair(t)
	var seededA, seededB uint64

	seederSess := newTestSession(t, connA, tor, seederField, seederDir, &seededA)
	fetcherSess := newTestSession(t, connB, tor, fetcherField, fetcherDir, &seededB)

	go seederSess.Run()
	go fetcherSess.Run()
	t.Cleanup(func() { connA.Close(); connB.Close() })

	waitForCondition(t, 5*time.Second, fetcherField.IsFull)

	got, err := os.ReadFile(filepath.Join(fetcherDir, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got, "short final piece must be fetched in full, without zero-padding or truncation")
}
