package torrent

import (
	"io"
	"os"
	"path/filepath"
	"sync"
)

// OpenFile is a single on-disk file backing part of the torrent's byte
// range, with its own lock serializing seek+read/write pairs so
// concurrent sessions touching different files never block each
// other.
type OpenFile struct {
	mu   sync.Mutex
	f    *os.File
	Path string
	Len  int64
}

// FileMapper translates (piece_index, offset, length) ranges onto one
// or more on-disk files, opened read+write and never truncated so
// resumed downloads keep existing content.
type FileMapper struct {
	tor   *Torrent
	files []*OpenFile
}

// OpenFileMapper creates (or reuses) every file described by tor
// rooted at downloadDir, creating directories as needed. Existing
// files are opened without truncation.
func OpenFileMapper(tor *Torrent, downloadDir string) (*FileMapper, error) {
	files := make([]*OpenFile, 0, len(tor.FileList))
	for _, file := range tor.FileList {
		fullPath := filepath.Join(downloadDir, file.Path)
		if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, err
		}
		files = append(files, &OpenFile{f: f, Path: fullPath, Len: file.Length})
	}
	return &FileMapper{tor: tor, files: files}, nil
}

// Close closes every underlying file handle.
func (m *FileMapper) Close() error {
	var firstErr error
	for _, of := range m.files {
		if err := of.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// span is one (file, file_offset, length) slice of a conceptual byte
// range.
type span struct {
	of     *OpenFile
	offset int64
	length int64
}

// spans walks the file list in declaration order, splitting
// [start, end) into per-file pieces exactly as spec.md §4.2 describes:
// skip files entirely below start, take the overlap with the first
// hit file, and spill into subsequent files if the range continues
// past it.
func (m *FileMapper) spans(start, end int64) []span {
	var out []span
	for _, of := range m.files {
		if start >= of.Len {
			start -= of.Len
			end -= of.Len
			continue
		}
		if end <= 0 {
			break
		}
		segEnd := end
		if segEnd > of.Len {
			segEnd = of.Len
		}
		if segEnd > start {
			out = append(out, span{of: of, offset: start, length: segEnd - start})
		}
		start -= of.Len
		end -= of.Len
		if start < 0 {
			start = 0
		}
	}
	return out
}

// WriteSubpiece writes data at the byte offset
// piece_index*piece_length + begin, splitting across file boundaries
// as necessary. Each file touched is locked only for its own
// seek+write.
func (m *FileMapper) WriteSubpiece(pieceIndex int, begin int64, data []byte) error {
	start := int64(pieceIndex)*m.tor.PieceLength + begin
	end := start + int64(len(data))
	consumed := int64(0)
	for _, sp := range m.spans(start, end) {
		chunk := data[consumed : consumed+sp.length]
		if err := sp.of.writeAt(sp.offset, chunk); err != nil {
			return err
		}
		consumed += sp.length
	}
	return nil
}

// ReadSubpiece reads up to length bytes at the byte offset
// piece_index*piece_length + begin. A short read at the final file's
// tail is not an error: the returned slice is simply shorter, and
// callers treat an empty slice as "nothing on disk yet".
func (m *FileMapper) ReadSubpiece(pieceIndex int, begin int64, length int64) ([]byte, error) {
	start := int64(pieceIndex)*m.tor.PieceLength + begin
	end := start + length
	out := make([]byte, 0, length)
	for _, sp := range m.spans(start, end) {
		buf := make([]byte, sp.length)
		n, err := sp.of.readAt(sp.offset, buf)
		out = append(out, buf[:n]...)
		if err != nil && err != io.EOF {
			return out, err
		}
		if int64(n) < sp.length {
			// short read: stop assembling, return what we have.
			break
		}
	}
	return out, nil
}

func (of *OpenFile) writeAt(offset int64, data []byte) error {
	of.mu.Lock()
	defer of.mu.Unlock()
	_, err := of.f.WriteAt(data, offset)
	return err
}

func (of *OpenFile) readAt(offset int64, buf []byte) (int, error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	n, err := of.f.ReadAt(buf, offset)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}
