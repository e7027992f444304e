package torrent

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener accepts inbound peer connections for one torrent and spawns
// a Session per accepted socket. It never terminates existing sessions
// when it stops accepting; Shutdown only closes the listening socket.
type Listener struct {
	ln     net.Listener
	newSes func(net.Conn) *Session
	wg     sync.WaitGroup
}

// NewListener binds 0.0.0.0:port (port 0 lets the OS choose an
// ephemeral port) and returns a Listener plus the port actually bound,
// so the coordinator can report it to trackers and filter out
// self-connections.
func NewListener(port uint16, newSes func(net.Conn) *Session) (*Listener, uint16, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, 0, err
	}
	boundPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	l := &Listener{ln: ln, newSes: newSes}
	return l, boundPort, nil
}

// Run accepts connections until the listener is closed by Shutdown.
func (l *Listener) Run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			log.Debug().Err(err).Msg("listener stopped accepting")
			return
		}
		l.wg.Add(1)
		sess := l.newSes(conn)
		go func() {
			defer l.wg.Done()
			sess.Run()
		}()
	}
}

// Shutdown closes the listening socket. In-flight sessions are left
// running; callers wait on their own WaitGroup/errgroup for those.
func (l *Listener) Shutdown() {
	l.ln.Close()
}
