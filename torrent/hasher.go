package torrent

import (
	"crypto/sha1"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Subpiece is one received block awaiting assembly into a full piece.
type Subpiece struct {
	Index int
	Begin int64
	Data  []byte
}

// AssembledPiece is the complete set of subpieces for one piece index,
// ready for hashing. Membership is "all subpieces for Index received";
// it is destroyed (handed off) the moment it reaches the hasher queue.
type AssembledPiece struct {
	Index     int
	Subpieces []Subpiece
}

// HasherPool assembles completed pieces, verifies them against the
// torrent's SHA-1 digests, and writes verified pieces to disk. One
// worker per CPU core (spec.md §4.5).
type HasherPool struct {
	mu        sync.Mutex
	queue     []AssembledPiece
	workCond  *sync.Cond
	emptyCond *sync.Cond
	shutdown  bool

	tor   *Torrent
	field *PieceField
	files *FileMapper

	wg sync.WaitGroup
}

// NewHasherPool starts workers immediately bound to tor/field/files.
func NewHasherPool(workers int, tor *Torrent, field *PieceField, files *FileMapper) *HasherPool {
	h := &HasherPool{tor: tor, field: field, files: files}
	h.workCond = sync.NewCond(&h.mu)
	h.emptyCond = sync.NewCond(&h.mu)
	if workers <= 0 {
		workers = 1
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	return h
}

// Push enqueues an assembled piece for hashing and wakes one worker.
func (h *HasherPool) Push(p AssembledPiece) {
	h.mu.Lock()
	h.queue = append(h.queue, p)
	h.mu.Unlock()
	h.workCond.Signal()
}

// WaitEmpty blocks until the queue has fully drained — used by the
// resume scan to implement a synchronous barrier before the rest of
// the coordinator starts.
func (h *HasherPool) WaitEmpty() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.queue) > 0 {
		h.emptyCond.Wait()
	}
}

// Shutdown signals every worker to exit once the queue drains and
// wakes any parked worker so it can observe the flag.
func (h *HasherPool) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	h.workCond.Broadcast()
	h.wg.Wait()
}

func (h *HasherPool) worker() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.shutdown {
			h.workCond.Wait()
		}
		if len(h.queue) == 0 && h.shutdown {
			h.mu.Unlock()
			return
		}
		piece := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		h.emptyCond.Broadcast()

		h.verifyAndWrite(piece)
	}
}

func (h *HasherPool) verifyAndWrite(piece AssembledPiece) {
	sort.Slice(piece.Subpieces, func(i, j int) bool {
		return piece.Subpieces[i].Begin < piece.Subpieces[j].Begin
	})

	flat := make([]byte, 0, h.tor.PieceLen(piece.Index))
	for _, s := range piece.Subpieces {
		flat = append(flat, s.Data...)
	}

	sum := sha1.Sum(flat)
	if sum != h.tor.PieceHashes[piece.Index] {
		log.Debug().Int("piece", piece.Index).Msg("piece hash mismatch, releasing")
		h.field.Release(piece.Index)
		return
	}

	for _, s := range piece.Subpieces {
		if err := h.files.WriteSubpiece(piece.Index, s.Begin, s.Data); err != nil {
			log.Error().Err(err).Int("piece", piece.Index).Msg("failed to write verified piece")
			h.field.Release(piece.Index)
			return
		}
	}
	h.field.Complete(piece.Index)
}
