package torrent

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultParserWorkers is the fixed worker count spec.md §4.4 calls
// for.
const DefaultParserWorkers = 50

// MessageHandler receives decoded wire messages for one peer
// connection. Sessions implement this to react to Choke/Unchoke/Have/
// Bitfield/Piece/Request/Cancel without the parser pool knowing
// anything about fetch/seed roles.
type MessageHandler interface {
	HandleMessage(Message) error
}

// ParseJob feeds one peer connection's raw byte chunks through the
// wire codec and dispatches decoded messages to Handle. Jobs end when
// ByteRx closes or the pool shuts down.
type ParseJob struct {
	ByteRx <-chan []byte
	Handle MessageHandler
}

// ParserPool multiplexes many peer byte-streams through a bounded
// worker set, decoupling socket I/O from decoding (spec.md §4.4).
type ParserPool struct {
	jobs chan ParseJob
	wg   sync.WaitGroup
}

// NewParserPool spawns workers immediately; Submit blocks once the job
// queue backs up, naturally throttling how many sessions can be
// in-flight for decode.
func NewParserPool(workers int) *ParserPool {
	if workers <= 0 {
		workers = DefaultParserWorkers
	}
	p := &ParserPool{jobs: make(chan ParseJob, workers*4)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a connection's parse job. Submit after Shutdown is a
// no-op: the job channel is closed and nothing will ever run it.
func (p *ParserPool) Submit(job ParseJob) {
	defer func() { recover() }() // guard against send-on-closed-channel at shutdown
	p.jobs <- job
}

// Shutdown closes the job queue and waits for in-flight workers to
// drain any already-submitted jobs. Submitted byte channels that never
// close will keep their worker parked; callers are responsible for
// closing ByteRx (socket teardown) before calling Shutdown.
func (p *ParserPool) Shutdown() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *ParserPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		runParseJob(job)
	}
}

func runParseJob(job ParseJob) {
	var buf []byte
	for chunk := range job.ByteRx {
		buf = append(buf, chunk...)
		remainder, messages, _, err := PartialParse(buf)
		if err != nil {
			log.Warn().Err(err).Msg("wire codec: fatal decode error, ending session")
			return
		}
		buf = remainder
		for _, m := range messages {
			if err := job.Handle.HandleMessage(m); err != nil {
				log.Debug().Err(err).Msg("session ended while handling message")
				return
			}
		}
	}
}
