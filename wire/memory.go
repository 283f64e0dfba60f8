package wire

import (
	"sync"

	"github.com/logux/logux-server/errors"
)

// MemoryPeer is an in-process Peer used by tests: messages sent by one end
// are received by the other via a pair of channels.
type MemoryPeer struct {
	addr string
	out  chan Message
	in   chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryPeerPair returns two MemoryPeers wired to each other, so a test
// can drive one side as the "client" and the other as the server client
// under test.
func NewMemoryPeerPair(addr string) (a, b *MemoryPeer) {
	ab := make(chan Message, sendBuffer)
	ba := make(chan Message, sendBuffer)
	a = &MemoryPeer{addr: addr, out: ab, in: ba, closed: make(chan struct{})}
	b = &MemoryPeer{addr: addr, out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *MemoryPeer) Send(msg Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errors.New("wire: send on closed peer")
	}
}

func (p *MemoryPeer) Receive() (Message, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, errors.New("wire: peer closed")
		}
		return msg, nil
	case <-p.closed:
		return nil, errors.New("wire: peer closed")
	}
}

func (p *MemoryPeer) RemoteAddr() string { return p.addr }

func (p *MemoryPeer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
