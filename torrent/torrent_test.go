package torrent

import (
	"crypto/sha1"
	"gtorrent/bencode"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildTorrentBytes constructs a minimal, self-contained single-file
// .torrent blob so tests never depend on fixture files checked into
// the repo.
func buildTorrentBytes(t *testing.T, name string, content []byte, pieceLength int64) []byte {
	t.Helper()

	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]interface{}{
		"name":         name,
		"length":       int64(len(content)),
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	root := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
		"comment":  "test fixture",
	}
	return bencode.NewData(root).ToBytes()
}

func buildMultiFileTorrentBytes(t *testing.T, dirName string, files map[string][]byte, pieceLength int64) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// stable order regardless of map iteration
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	var all []byte
	fileList := make([]interface{}, 0, len(names))
	for _, name := range names {
		all = append(all, files[name]...)
		fileList = append(fileList, map[string]interface{}{
			"length": int64(len(files[name])),
			"path":   []interface{}{name},
		})
	}

	var pieces []byte
	for off := int64(0); off < int64(len(all)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(all)) {
			end = int64(len(all))
		}
		sum := sha1.Sum(all[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := map[string]interface{}{
		"name":         dirName,
		"files":        fileList,
		"piece length": pieceLength,
		"pieces":       pieces,
	}
	root := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	return bencode.NewData(root).ToBytes()
}

func TestTorrentFromBytesSingleFile(t *testing.T) {
	content := make([]byte, 50_000)
	for i := range content {
		content[i] = byte(i)
	}
	raw := buildTorrentBytes(t, "book.txt", content, 16*1024)

	tor, err := TorrentFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, "book.txt", tor.Name)
	require.Equal(t, int64(len(content)), tor.Length)
	require.Equal(t, []string{"http://tracker.example/announce"}, tor.AnnounceList)
	require.Len(t, tor.FileList, 1)
	require.Equal(t, int64(len(content)), tor.FileList[0].Length)

	wantPieces := (len(content) + 16*1024 - 1) / (16 * 1024)
	require.Equal(t, wantPieces, tor.NumPieces())
	require.Len(t, tor.PieceHashes, wantPieces)

	// last piece is shorter than piece length
	require.Less(t, tor.PieceLen(tor.NumPieces()-1), tor.PieceLength)
}

func TestTorrentFromBytesMultiFile(t *testing.T) {
	files := map[string][]byte{
		"a.txt": make([]byte, 20_000),
		"b.txt": make([]byte, 5_000),
	}
	raw := buildMultiFileTorrentBytes(t, "bundle", files, 16*1024)

	tor, err := TorrentFromBytes(raw)
	require.NoError(t, err)
	require.Len(t, tor.FileList, 2)
	require.Equal(t, int64(25_000), tor.Length)

	// a.txt covers bytes [0, 20000) = pieces 0-1; b.txt starts inside
	// piece 1, which straddles the boundary and belongs to both files
	require.Equal(t, 0, tor.FileList[0].FirstPieceIndex)
	require.Equal(t, tor.FileList[1].FirstPieceIndex, tor.FileList[0].LastPieceIndex)
}

func TestVerifyTorrentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 40_000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	raw := buildTorrentBytes(t, "data.bin", content, 16*1024)

	torrentPath := filepath.Join(dir, "data.torrent")
	require.NoError(t, os.WriteFile(torrentPath, raw, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), content, 0644))

	require.NoError(t, VerifyTorrent(torrentPath, dir))
}

func TestVerifyTorrentDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 40_000)
	for i := range content {
		content[i] = byte(i * 3)
	}
	raw := buildTorrentBytes(t, "data.bin", content, 16*1024)

	torrentPath := filepath.Join(dir, "data.torrent")
	require.NoError(t, os.WriteFile(torrentPath, raw, 0644))

	corrupted := append([]byte(nil), content...)
	corrupted[0] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), corrupted, 0644))

	err := VerifyTorrent(torrentPath, dir)
	require.Error(t, err)
}
