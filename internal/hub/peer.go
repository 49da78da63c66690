package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peer is one connected client.
type peer struct {
	id      string
	session string
	conn    *websocket.Conn
	send    chan []byte

	// Guarded by Hub.mu.
	channels map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func newPeer(id, session string, conn *websocket.Conn, buffer int) *peer {
	if buffer < 1 {
		buffer = 1
	}
	return &peer{
		id:       id,
		session:  session,
		conn:     conn,
		send:     make(chan []byte, buffer),
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It returns false when the queue
// is full or the peer is gone.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// stop ends both pumps. When code is non-zero a close frame is attempted
// first; zero drops the TCP connection without one.
func (p *peer) stop(code int, reason string) {
	p.stopOnce.Do(func() {
		close(p.done)
		if code != 0 {
			p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second),
			)
		}
		p.conn.Close()
	})
}
