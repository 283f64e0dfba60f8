package server

import (
	"context"
	"sync"
	"time"

	"github.com/logux/logux-server/store"
	"github.com/logux/logux-server/wire"
)

const (
	assertTimeout = time.Second
	assertTick    = time.Millisecond
)

func contextBG() context.Context { return context.Background() }

func allEntries(st store.Store) ([]store.Entry, error) {
	var out []store.Entry
	err := st.Each(contextBG(), func(e store.Entry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// recordingPeer is a wire.Peer double that never blocks and records every
// command sent to it, for assertions that don't need a real transport pair.
type recordingPeer struct {
	mu       sync.Mutex
	commands []string
}

func newRecordingPeer() *recordingPeer { return &recordingPeer{} }

func (p *recordingPeer) Send(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msg) > 0 {
		if cmd, ok := msg[0].(string); ok {
			p.commands = append(p.commands, cmd)
		}
	}
	return nil
}

func (p *recordingPeer) Receive() (wire.Message, error) {
	select {}
}

func (p *recordingPeer) RemoteAddr() string { return "127.0.0.1:0" }

func (p *recordingPeer) Close() error { return nil }

func (p *recordingPeer) sentCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.commands))
	copy(out, p.commands)
	return out
}
