package torrent

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTorrentForHashing(pieceLength int64, content []byte) *Torrent {
	tor := NewTorrent()
	tor.PieceLength = pieceLength
	tor.Length = int64(len(content))
	tor.FileList = append(tor.FileList, &File{Length: int64(len(content)), Path: "data.bin"})
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end])
		tor.PieceHashes = append(tor.PieceHashes, sum)
	}
	return tor
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.FailNow(t, "condition never became true within timeout")
}

func TestHasherPoolVerifiesCorrectPiece(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdef") // 16 bytes, one piece
	tor := testTorrentForHashing(16, content)
	field := NewPieceField(1)
	files, err := OpenFileMapper(tor, dir)
	require.NoError(t, err)
	defer files.Close()

	h := NewHasherPool(2, tor, field, files)
	defer h.Shutdown()

	h.Push(AssembledPiece{Index: 0, Subpieces: []Subpiece{{Index: 0, Begin: 0, Data: content}}})
	h.WaitEmpty()

	waitForCondition(t, time.Second, func() bool { return field.IsComplete(0) })

	got, err := files.ReadSubpiece(0, 0, int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestHasherPoolReleasesCorruptPiece(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789abcdef")
	tor := testTorrentForHashing(16, content)
	field := NewPieceField(1)
	files, err := OpenFileMapper(tor, dir)
	require.NoError(t, err)
	defer files.Close()

	h := NewHasherPool(2, tor, field, files)
	defer h.Shutdown()

	corrupt := []byte("XXXXXXXXXXXXXXXX")
	h.Push(AssembledPiece{Index: 0, Subpieces: []Subpiece{{Index: 0, Begin: 0, Data: corrupt}}})
	h.WaitEmpty()

	require.False(t, field.IsComplete(0))
	idx, ok := field.ClaimNext()
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestHasherPoolAssemblesOutOfOrderSubpieces(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i)
	}
	tor := testTorrentForHashing(32, content)
	field := NewPieceField(1)
	files, err := OpenFileMapper(tor, dir)
	require.NoError(t, err)
	defer files.Close()

	h := NewHasherPool(1, tor, field, files)
	defer h.Shutdown()

	// subpieces arrive reversed; verifyAndWrite must sort by Begin
	// before concatenating and hashing.
	h.Push(AssembledPiece{Index: 0, Subpieces: []Subpiece{
		{Index: 0, Begin: 16, Data: content[16:]},
		{Index: 0, Begin: 0, Data: content[:16]},
	}})
	h.WaitEmpty()

	waitForCondition(t, time.Second, func() bool { return field.IsComplete(0) })
}
