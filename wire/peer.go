// Package wire provides the sync-peer transport: the framed, full-duplex
// JSON connection a server client rides on, plus a concrete implementation
// over gorilla/websocket with the read/write pump shape used throughout the
// rest of the codebase.
package wire

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logux/logux-server/errors"
	"github.com/logux/logux-server/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Message is a single logux wire frame: a JSON array whose first element is
// the command name ("connected", "sync", "ping", ...).
type Message []interface{}

// Peer is the transport contract a server client talks over. It is
// transport-agnostic so tests can swap in an in-memory Peer without
// standing up a real socket.
type Peer interface {
	// Send enqueues a message for delivery; it never blocks the caller
	// past a full outbound buffer, matching the drop-on-backpressure
	// policy used everywhere else a client channel is written to.
	Send(Message) error

	// Receive blocks until the next message arrives, the peer closes, or
	// an error occurs.
	Receive() (Message, error)

	// RemoteAddr reports the peer's network address, used for the
	// bruteforce guard and logging.
	RemoteAddr() string

	// Close closes the underlying transport. Safe to call more than once.
	Close() error
}

// WSPeer is the default Peer: a gorilla/websocket connection with ping/pong
// keepalive and a buffered, non-blocking send path.
type WSPeer struct {
	conn *websocket.Conn
	addr string

	send      chan Message
	closeOnce sync.Once
	closed    chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a WSPeer and starts its write pump.
// The caller is responsible for calling Receive in a loop on the returned
// peer until it returns an error.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSPeer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrade websocket connection")
	}
	p := &WSPeer{
		conn:   conn,
		addr:   r.RemoteAddr,
		send:   make(chan Message, sendBuffer),
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go p.writePump()
	return p, nil
}

func (p *WSPeer) Send(msg Message) error {
	select {
	case p.send <- msg:
		return nil
	case <-p.closed:
		return errors.New("wire: send on closed peer")
	default:
		logger.Warnw("wire: outbound buffer full, dropping message", "addr", p.addr)
		return errors.New("wire: outbound buffer full")
	}
}

func (p *WSPeer) Receive() (Message, error) {
	var msg Message
	if err := p.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *WSPeer) RemoteAddr() string { return p.addr }

func (p *WSPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// writePump serializes every write onto a single goroutine, as
// gorilla/websocket connections are not safe for concurrent writers. It
// also sends periodic pings and enforces writeWait on every frame.
func (p *WSPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.Close()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}

// MarshalCommand is a small helper for building a Message from a command
// name and its already-JSON-shaped arguments.
func MarshalCommand(cmd string, args ...interface{}) Message {
	msg := make(Message, 0, len(args)+1)
	msg = append(msg, cmd)
	msg = append(msg, args...)
	return msg
}

// DecodeArg re-marshals a single message argument into dst, since
// json.Unmarshal into a top-level []interface{} leaves nested values as
// map[string]interface{}/float64.
func DecodeArg(arg interface{}, dst interface{}) error {
	raw, err := json.Marshal(arg)
	if err != nil {
		return errors.Wrap(err, "re-marshal wire argument")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrap(err, "decode wire argument")
	}
	return nil
}
