package torrent

import "sync"

// Piece states, in the BEP-3 core's three-value lifecycle.
const (
	PieceEmpty = iota
	PieceInProgress
	PieceComplete
)

// PieceField is the per-piece state map shared by every session, the
// hasher pool, and the coordinator. All mutation happens under one
// lock; every release or completion broadcasts so fetchers blocked in
// AwaitChange wake and re-check.
type PieceField struct {
	mu       sync.Mutex
	cond     *sync.Cond
	arr      []int
	shutdown bool
}

// NewPieceField builds a field with every piece EMPTY.
func NewPieceField(numPieces int) *PieceField {
	f := &PieceField{arr: make([]int, numPieces)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// ClaimNext returns the first EMPTY piece index, marking it
// IN_PROGRESS, or ok=false if none remain.
func (f *PieceField) ClaimNext() (index int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.arr {
		if s == PieceEmpty {
			f.arr[i] = PieceInProgress
			return i, true
		}
	}
	return 0, false
}

// Release reverts an IN_PROGRESS piece back to EMPTY and wakes any
// fetcher blocked in AwaitChange. Releasing a piece that is not
// IN_PROGRESS (already COMPLETE, or already EMPTY) is a no-op: callers
// revert only pieces they themselves claimed.
func (f *PieceField) Release(index int) {
	f.mu.Lock()
	if f.arr[index] == PieceInProgress {
		f.arr[index] = PieceEmpty
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Complete marks a piece COMPLETE regardless of its prior state and
// wakes every waiter, since a fetcher blocked in AwaitChange because
// the field looked full (no EMPTY, nothing left to claim) needs to be
// woken to notice IsFull has now become true. Only the hasher pool
// calls this.
func (f *PieceField) Complete(index int) {
	f.mu.Lock()
	f.arr[index] = PieceComplete
	f.mu.Unlock()
	f.cond.Broadcast()
}

// IsComplete reports whether the given piece is COMPLETE.
func (f *PieceField) IsComplete(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arr[index] == PieceComplete
}

// IsFull reports whether every piece is COMPLETE.
func (f *PieceField) IsFull() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.arr {
		if s != PieceComplete {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every piece's current state, for callers
// that need to diff against a previous snapshot (the coordinator's
// progress-persistence hook) without holding the field locked while
// they do it.
func (f *PieceField) Snapshot() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.arr))
	copy(out, f.arr)
	return out
}

// CompletedCount returns how many pieces are currently COMPLETE.
func (f *PieceField) CompletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.arr {
		if s == PieceComplete {
			n++
		}
	}
	return n
}

// Shutdown marks the field shut down and wakes every waiter so
// AwaitChange callers can observe shutdown and return.
func (f *PieceField) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// AwaitChange blocks for one state change (a Release, a Complete, or
// Shutdown) and returns false iff the field is now shut down. Fetchers
// call this when ClaimNext finds nothing to claim and IsFull is still
// false, then re-try ClaimNext/IsFull on return. It returns at once,
// without waiting, if a piece is already EMPTY or every piece is
// already COMPLETE, so a change that lands between the caller's check
// and this call (including the field going straight from "nothing
// claimable, not full" to "full") is not missed.
func (f *PieceField) AwaitChange() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return false
	}
	full := true
	for _, s := range f.arr {
		if s == PieceEmpty {
			return true
		}
		if s != PieceComplete {
			full = false
		}
	}
	if full {
		return true
	}
	f.cond.Wait()
	return !f.shutdown
}
