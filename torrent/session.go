package torrent

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// sessionRole is decided once, in Run right after the handshake, from
// whether the field was already full. A Fetcher becomes a Seeder in place once it drains
// the field; a Seeder never becomes a Fetcher.
type sessionRole int

const (
	roleFetcher sessionRole = iota
	roleSeeder
)

// Session is one peer connection's persistent state machine. It owns
// the socket end to end: handshake, role selection, message loop, and
// teardown. HandleMessage is called by a ParserPool worker decoding
// this connection's byte stream; it only ever pushes onto msgCh, so
// the actual state machine runs sequentially on Run's goroutine.
type Session struct {
	conn   net.Conn
	tor    *Torrent
	field  *PieceField
	files  *FileMapper
	hasher *HasherPool
	parser *ParserPool

	selfPeerID [20]byte
	remotePeer [20]byte
	seededSubp *uint64
	listenPort uint16

	msgCh chan Message

	peerChokingUs bool // peer has not unchoked us; we may not request
	weChokingPeer bool // we have not unchoked peer; we won't serve requests

	assembling map[int][]Subpiece
}

// NewSession wraps an already-connected socket (inbound or outbound).
// seededSubp is a process-wide counter of subpieces served, which the
// coordinator watches to decide when a full copy's worth has been
// served this run.
func NewSession(conn net.Conn, tor *Torrent, field *PieceField, files *FileMapper, hasher *HasherPool, parser *ParserPool, selfPeerID [20]byte, listenPort uint16, seededSubp *uint64) *Session {
	return &Session{
		conn:          conn,
		tor:           tor,
		field:         field,
		files:         files,
		hasher:        hasher,
		parser:        parser,
		selfPeerID:    selfPeerID,
		listenPort:    listenPort,
		seededSubp:    seededSubp,
		msgCh:         make(chan Message, 64),
		peerChokingUs: true,
		weChokingPeer: true,
		assembling:    make(map[int][]Subpiece),
	}
}

// HandleMessage implements MessageHandler for the parser pool. It never
// blocks on anything but msgCh's buffer; if the session has already
// torn down, the send is dropped.
func (s *Session) HandleMessage(m Message) error {
	select {
	case s.msgCh <- m:
		return nil
	default:
		// msgCh full: the session loop has fallen behind or exited.
		// Block briefly rather than drop a piece/request silently.
		select {
		case s.msgCh <- m:
			return nil
		case <-time.After(5 * time.Second):
			return fmt.Errorf("session message queue stalled")
		}
	}
}

// Run performs the handshake, then drives this connection until the
// peer disconnects, a protocol error occurs, or shutdown is signaled.
// It always returns after fully reverting any piece this session had
// claimed but not finished.
func (s *Session) Run() {
	defer s.conn.Close()

	if err := s.handshake(); err != nil {
		log.Debug().Err(err).Str("peer", s.conn.RemoteAddr().String()).Msg("handshake failed")
		return
	}

	reader := newByteReader(s.conn)
	s.parser.Submit(ParseJob{ByteRx: reader.out, Handle: s})
	defer reader.stop()

	role := roleSeeder
	if !s.field.IsFull() {
		role = roleFetcher
	}

	if role == roleFetcher {
		if !s.runFetcher() {
			return
		}
	}
	s.runSeeder()
}

// handshake exchanges and validates the 68-byte preamble, then sends
// Interested and Bitfield so the peer knows our state without a
// further round trip.
func (s *Session) handshake() error {
	hs, err := PerformHandshake(s.conn, s.tor.InfoHash, s.selfPeerID)
	if err != nil {
		return err
	}
	s.remotePeer = hs.PeerID

	bf := BitfieldFromField(s.field, s.tor.NumPieces())
	bitfieldMsg := Message{Type: MsgBitfield, Payload: bf}
	interestedMsg := Message{Type: MsgInterested}
	if _, err := s.conn.Write(append(bitfieldMsg.Serialize(), interestedMsg.Serialize()...)); err != nil {
		return fmt.Errorf("failed to send bitfield/interested: %w", err)
	}
	return nil
}

// runFetcher claims pieces and pipelines Request messages until the
// field is full (global download complete), at which point it returns
// true so Run proceeds to seed on the same connection. It returns
// false on a dead connection or a shutdown signal, either of which
// ends the session.
func (s *Session) runFetcher() bool {
	for {
		index, ok := s.field.ClaimNext()
		if !ok {
			if s.field.IsFull() {
				return true
			}
			if !s.field.AwaitChange() {
				return false
			}
			continue
		}
		if !s.fetchPiece(index) {
			s.field.Release(index)
			return false
		}
	}
}

// fetchPiece requests every subpiece of index, pipelined up to
// MaxBacklog in flight, and hands the assembled piece to the hasher
// once every subpiece has arrived. Returns false on any I/O or
// protocol failure, leaving the piece for the caller to release.
func (s *Session) fetchPiece(index int) bool {
	if !s.awaitUnchoke() {
		return false
	}

	pieceLen := s.tor.PieceLen(index)
	// The final piece is usually shorter than piece_length, so it needs
	// fewer subpieces than NumSubpiecesPerPiece(); using that count
	// unconditionally would demand subpieces past pieceLen that the
	// peer can never supply. Mirrors the clamp in resume.go.
	subCount := int((pieceLen + SubpieceLen - 1) / SubpieceLen)
	requested := 0
	received := 0
	backlog := 0

	for received < subCount {
		for backlog < MaxBacklog && requested < subCount {
			begin := int64(requested) * SubpieceLen
			if begin >= pieceLen {
				break
			}
			want := int64(SubpieceLen)
			if begin+want > pieceLen {
				want = pieceLen - begin
			}
			req := Message{Type: MsgRequest, Payload: FormatRequest(uint32(index), uint32(begin), uint32(want))}
			if _, err := s.conn.Write(req.Serialize()); err != nil {
				return false
			}
			requested++
			backlog++
		}

		m, ok := s.recvFetcherMessage()
		if !ok {
			return false
		}
		switch m.Type {
		case MsgPiece:
			idx, begin, data, err := ParsePiece(m.Payload)
			if err != nil || int(idx) != index {
				continue
			}
			s.assembling[index] = append(s.assembling[index], Subpiece{Index: index, Begin: int64(begin), Data: append([]byte(nil), data...)})
			received++
			backlog--
		case MsgChoke:
			s.peerChokingUs = true
			if !s.awaitUnchoke() {
				return false
			}
		case MsgHave, MsgNotInterested:
			// no-op for the fetcher state machine
		}
	}

	pieces := s.assembling[index]
	delete(s.assembling, index)
	s.hasher.Push(AssembledPiece{Index: index, Subpieces: pieces})
	return true
}

// awaitUnchoke blocks on incoming messages until the peer unchokes us,
// servicing any interleaved Request messages from the peer in the
// meantime since a connection fetches and seeds simultaneously.
func (s *Session) awaitUnchoke() bool {
	for s.peerChokingUs {
		m, ok := s.recvFetcherMessage()
		if !ok {
			return false
		}
		if m.Type == MsgUnchoke {
			s.peerChokingUs = false
		}
	}
	return true
}

// recvFetcherMessage reads the next message, transparently servicing
// Request messages from the peer (a connection seeds and fetches at
// once) before returning control to the fetcher state machine.
func (s *Session) recvFetcherMessage() (Message, bool) {
	for {
		select {
		case m, open := <-s.msgCh:
			if !open {
				return Message{}, false
			}
			if m.Type == MsgRequest {
				s.serveRequest(m)
				continue
			}
			if m.Type == MsgInterested {
				s.weChokingPeer = false
				continue
			}
			return m, true
		case <-time.After(2 * time.Minute):
			return Message{}, false
		}
	}
}

// runSeeder answers Request messages until the connection drops. A
// session that reaches here from the fetcher path already owns every
// piece; an inbound connection to an already-complete field starts
// here directly.
func (s *Session) runSeeder() {
	for {
		select {
		case m, open := <-s.msgCh:
			if !open {
				return
			}
			switch m.Type {
			case MsgRequest:
				s.serveRequest(m)
			case MsgInterested:
				s.weChokingPeer = false
				unchoke := Message{Type: MsgUnchoke}
				if _, err := s.conn.Write(unchoke.Serialize()); err != nil {
					return
				}
			case MsgNotInterested:
				s.weChokingPeer = true
			}
		case <-time.After(10 * time.Minute):
			return
		}
	}
}

func (s *Session) serveRequest(m Message) {
	index, begin, length, err := ParseRequest(m.Payload)
	if err != nil || !s.field.IsComplete(int(index)) || s.weChokingPeer {
		return
	}
	data, err := s.files.ReadSubpiece(int(index), int64(begin), int64(length))
	if err != nil || len(data) == 0 {
		return
	}
	resp := Message{Type: MsgPiece, Payload: FormatPiece(index, begin, data)}
	if _, err := s.conn.Write(resp.Serialize()); err != nil {
		return
	}
	atomic.AddUint64(s.seededSubp, 1)
}

// byteReader pumps raw socket reads into a channel the parser pool
// consumes, decoupling the blocking read syscall from decode.
type byteReader struct {
	out  chan []byte
	done chan struct{}
}

func newByteReader(conn net.Conn) *byteReader {
	r := &byteReader{out: make(chan []byte, 8), done: make(chan struct{})}
	go r.loop(conn)
	return r
}

func (r *byteReader) loop(conn net.Conn) {
	defer close(r.out)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-r.done:
			return
		default:
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.out <- chunk:
			case <-r.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *byteReader) stop() {
	close(r.done)
}
