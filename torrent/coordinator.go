package torrent

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ProgressHooks lets a caller (download.go) persist state transitions
// without the coordinator importing the db package — torrent must stay
// free of db, which already imports torrent. Every hook is optional.
type ProgressHooks struct {
	OnPieceState      func(index int, state int)
	OnSeededSubpieces func(count uint64)
	OnTick            func(completedPieces, totalPieces int)
}

// Coordinator is the top-level per-torrent loop: it owns the piece
// field, hasher pool, parser pool, listener, and every outbound/inbound
// peer session, and announces to trackers on a fixed interval until
// every piece has been downloaded and at least one full copy's worth of
// subpieces has been served.
type Coordinator struct {
	tor      *Torrent
	field    *PieceField
	files    *FileMapper
	hasher   *HasherPool
	parser   *ParserPool
	listener *Listener

	trackers         []ITracker
	announceInterval time.Duration
	me               *Peer
	listenPort       uint16

	seededSubp uint64 // atomic

	hooks ProgressHooks

	connMu sync.Mutex
	dialed map[string]bool
	sessWG sync.WaitGroup

	lastReported []int
}

// NewCoordinator opens the on-disk file mapping and piece field for
// tor, ready for Run. downloadDir is the destination directory; it
// must already exist.
func NewCoordinator(tor *Torrent, downloadDir string, trackers []ITracker, me *Peer, announceInterval time.Duration, hooks ProgressHooks) (*Coordinator, error) {
	files, err := OpenFileMapper(tor, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open files: %w", err)
	}
	field := NewPieceField(tor.NumPieces())

	return &Coordinator{
		tor:              tor,
		field:            field,
		files:            files,
		trackers:         trackers,
		announceInterval: announceInterval,
		me:               me,
		hooks:            hooks,
		dialed:           make(map[string]bool),
	}, nil
}

// Run drives the download/seed loop until ctx is canceled or every
// piece has been downloaded and the served subpieces add up to at least
// one full copy (the seeded_pieces >= num_pieces share-ratio-1.0
// termination rule).
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.files.Close()

	c.hasher = NewHasherPool(runtime.NumCPU(), c.tor, c.field, c.files)
	defer c.hasher.Shutdown()

	log.Info().Msg("scanning existing files for already-complete pieces")
	ResumeScan(c.tor, c.files, c.hasher)
	log.Info().Msgf("resume scan complete: %d/%d pieces already verified", c.field.CompletedCount(), c.tor.NumPieces())
	c.reportFieldState()

	c.parser = NewParserPool(DefaultParserWorkers)
	defer c.parser.Shutdown()

	listener, port, err := NewListener(0, c.newInboundSession)
	if err != nil {
		return fmt.Errorf("failed to bind listener: %w", err)
	}
	c.listener = listener
	c.listenPort = port
	c.me.Port = port
	log.Info().Uint16("port", port).Msg("listening for peers")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		c.listener.Run()
		return nil
	})
	eg.Go(func() error {
		return c.announceLoop(egCtx)
	})

	err = eg.Wait()
	c.field.Shutdown()
	c.sessWG.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// announceLoop re-announces to every tracker on announceInterval,
// dials any newly discovered peer, and checks the termination
// condition once per second.
func (c *Coordinator) announceLoop(ctx context.Context) error {
	// Whatever ends this loop — context cancellation or the
	// seeded_pieces >= num_pieces rule — also unblocks the listener's
	// Accept() so the errgroup can actually finish.
	defer c.listener.Shutdown()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastAnnounce := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if now.Sub(lastAnnounce) >= c.announceInterval {
				lastAnnounce = now
				c.announceAndConnect(c.me)
			}
			c.reportTick()
			if c.downloadAndSeedComplete() {
				return nil
			}
		}
	}
}

func (c *Coordinator) announceAndConnect(me *Peer) {
	var wg sync.WaitGroup
	peerCh := make(chan *Peer, 64)
	for _, tr := range c.trackers {
		wg.Add(1)
		go func(tr ITracker) {
			defer wg.Done()
			peers, err := tr.GetPeers(c.tor, me)
			if err != nil {
				log.Warn().Err(err).Str("tracker", tr.Announce()).Msg("announce failed")
				return
			}
			for _, p := range peers {
				peerCh <- p
			}
		}(tr)
	}
	go func() {
		wg.Wait()
		close(peerCh)
	}()

	for p := range peerCh {
		c.maybeDial(p)
	}
}

// maybeDial skips peers already connected this run and any peer that
// looks like our own listening socket.
func (c *Coordinator) maybeDial(p *Peer) {
	if p.IP == "" || p.IP == "0.0.0.0" {
		return
	}
	if p.Port == c.listenPort {
		if ips, err := net.InterfaceAddrs(); err == nil {
			for _, a := range ips {
				if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == p.IP {
					return
				}
			}
		}
	}

	addr := p.String()
	c.connMu.Lock()
	if c.dialed[addr] {
		c.connMu.Unlock()
		return
	}
	c.dialed[addr] = true
	c.connMu.Unlock()

	c.sessWG.Add(1)
	go func() {
		defer c.sessWG.Done()
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			log.Debug().Err(err).Str("peer", addr).Msg("dial failed")
			return
		}
		sess := c.newSession(conn)
		sess.Run()
	}()
}

func (c *Coordinator) newInboundSession(conn net.Conn) *Session {
	return c.newSession(conn)
}

func (c *Coordinator) newSession(conn net.Conn) *Session {
	return NewSession(conn, c.tor, c.field, c.files, c.hasher, c.parser, c.me.IDArray(), c.listenPort, &c.seededSubp)
}

// downloadAndSeedComplete implements the seeded_pieces >= num_pieces
// rule: every piece must be downloaded (or already on disk) AND
// ceil(subpieces served this run / subpieces per piece) must reach the
// piece count. The count is global, so which pieces were served does
// not matter.
func (c *Coordinator) downloadAndSeedComplete() bool {
	if !c.field.IsFull() {
		return false
	}
	subp := atomic.LoadUint64(&c.seededSubp)
	seededPieces := subp / uint64(c.tor.NumSubpiecesPerPiece())
	if subp%uint64(c.tor.NumSubpiecesPerPiece()) != 0 {
		seededPieces++
	}
	return seededPieces >= uint64(c.tor.NumPieces())
}

func (c *Coordinator) reportTick() {
	if c.hooks.OnTick != nil {
		c.hooks.OnTick(c.field.CompletedCount(), c.tor.NumPieces())
	}
	if c.hooks.OnSeededSubpieces != nil {
		c.hooks.OnSeededSubpieces(atomic.LoadUint64(&c.seededSubp))
	}
	c.reportFieldState()
}

// reportFieldState diffs the field's current snapshot against the
// last reported one and fires OnPieceState only for indices that
// actually changed, so a long-running download doesn't re-persist
// every piece's state every second.
func (c *Coordinator) reportFieldState() {
	if c.hooks.OnPieceState == nil {
		return
	}
	snap := c.field.Snapshot()
	if c.lastReported == nil {
		c.lastReported = make([]int, len(snap))
		for i := range c.lastReported {
			c.lastReported[i] = -1
		}
	}
	for i, state := range snap {
		if state != c.lastReported[i] {
			c.hooks.OnPieceState(i, state)
			c.lastReported[i] = state
		}
	}
}
