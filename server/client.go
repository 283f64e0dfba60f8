package server

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/errors"
	"github.com/logux/logux-server/logger"
	"github.com/logux/logux-server/wire"
)

// State is a client connection's position in the sync handshake/lifecycle,
// following the same new -> connected -> authenticating -> authenticated ->
// synchronizing <-> idle -> destroyed shape a Logux node goes through.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateRejected
	StateSynchronizing
	StateIdle
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateSynchronizing:
		return "synchronizing"
	case StateIdle:
		return "idle"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Client is one connection's worth of sync state: its peer transport, its
// position in the handshake, and the channels it has subscribed to.
type Client struct {
	id     string // opaque connection id, unique even across reconnects
	server *Server
	peer   wire.Peer

	mu        sync.Mutex
	state     State
	nodeKey   string // full node id once assigned
	clientKey string // "<user:>clientRand" once the handshake names it
	userID    string
	channels  map[string]bool
	zombie    bool // one-shot flag: evicted by a reconnect, suppress the disconnect report

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(srv *Server, p wire.Peer) *Client {
	return &Client{
		id:       uuid.NewString(),
		server:   srv,
		peer:     p,
		state:    StateNew,
		channels: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// run drives the client's read loop until the peer closes or an
// unrecoverable protocol error occurs. It is meant to be called in its own
// goroutine by the server's accept path.
func (c *Client) run() {
	defer c.destroy("connection closed")

	c.server.metrics.clientsConnected.Inc()
	defer c.server.metrics.clientsConnected.Dec()

	for {
		msg, err := c.peer.Receive()
		if err != nil {
			return
		}
		if err := c.handle(msg); err != nil {
			logger.Warnw("client protocol error",
				"client", c.id, "addr", c.peer.RemoteAddr(), "error", err.Error(), "kind", string(KindOf(err)))
			c.sendError(err)
			if isFatal(err) {
				return
			}
		}
	}
}

// handle dispatches a single inbound wire message by its command name.
func (c *Client) handle(msg wire.Message) error {
	if len(msg) == 0 {
		return WithKind(errors.New("empty message"), KindWrongFormat)
	}
	cmd, ok := msg[0].(string)
	if !ok {
		return WithKind(errors.New("message command is not a string"), KindWrongFormat)
	}

	switch cmd {
	case "connect":
		return c.handleConnect(msg[1:])
	case "ping":
		return c.handlePing(msg[1:])
	case "pong":
		return nil
	case "sync":
		return c.handleSync(msg[1:])
	case "synced":
		return nil
	case "debug":
		return nil
	default:
		return WithKind(errors.Newf("unknown command %q", cmd), KindWrongFormat)
	}
}

// connectArgs mirrors the arguments a "connect" message carries:
// [protocolVersion, nodeId, synced, {subprotocol, credentials}].
type connectArgs struct {
	Subprotocol string                 `json:"subprotocol"`
	Credentials map[string]interface{} `json:"credentials"`
}

func (c *Client) handleConnect(args []interface{}) error {
	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return WithKind(errors.New("unexpected connect on established connection"), KindWrongFormat)
	}
	c.state = StateConnected
	c.mu.Unlock()

	if len(args) < 2 {
		return WithKind(errors.New("connect message missing node id"), KindWrongFormat)
	}
	nodeIDRaw, _ := args[1].(string)
	node, err := action.ParseNodeID(nodeIDRaw)
	if err != nil {
		return WithKind(err, KindWrongFormat)
	}
	if node.UserID == "server" {
		return WithKind(errors.New(`userId "server" is reserved`), KindDenied)
	}

	var opts connectArgs
	if len(args) >= 4 {
		if err := wire.DecodeArg(args[3], &opts); err != nil {
			return WithKind(err, KindWrongFormat)
		}
	}

	if !c.server.supportsSubprotocol(opts.Subprotocol) {
		return WithKind(errors.Newf("unsupported subprotocol %q", opts.Subprotocol), KindWrongSubprotocol)
	}

	c.mu.Lock()
	c.nodeKey = node.String()
	c.clientKey = node.ClientKey()
	c.userID = node.UserID
	c.state = StateAuthenticating
	c.mu.Unlock()

	if !c.server.checkBruteforce(c.peer.RemoteAddr()) {
		c.mu.Lock()
		c.state = StateRejected
		c.mu.Unlock()
		return WithKind(ErrBruteforce, KindBruteforce)
	}

	authed, err := c.server.authenticate(node.UserID, opts.Credentials, c.peer.RemoteAddr())
	if err != nil {
		return WithKind(errors.Wrap(err, "authenticate"), KindDenied)
	}
	if !authed {
		c.server.recordAuthFailure(c.peer.RemoteAddr())
		c.mu.Lock()
		c.state = StateRejected
		c.mu.Unlock()
		c.server.metrics.authFailures.Inc()
		return WithKind(ErrUnauthorized, KindDenied)
	}

	// A reconnect from the same node id evicts the stale connection
	// (zombie eviction) rather than letting two live peers share one id.
	if zombie, ok := c.server.registry.byNodeID(node.String()); ok && zombie != c {
		zombie.markZombie()
		if logger.ShouldOutput(logger.Verbosity, logger.OutputConnections) {
			logger.Infow("zombie", "node_id", node.String(), "client", zombie.id)
		}
		zombie.destroy("replaced by reconnect")
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.mu.Unlock()
	c.server.registry.add(c)

	if logger.ShouldOutput(logger.Verbosity, logger.OutputConnections) {
		logger.Infow("client connected", "node_id", node.String(), "client", c.id, "addr", c.peer.RemoteAddr())
	}

	return c.peer.Send(wire.MarshalCommand("connected",
		protocolVersion, c.server.nodeName(), []int64{time.Now().UnixMilli(), time.Now().UnixMilli()}))
}

func (c *Client) handlePing(args []interface{}) error {
	return c.peer.Send(wire.MarshalCommand("pong", time.Now().UnixMilli()))
}

// handleSync processes one or more [action, meta] pairs sent by the
// client, feeding each through the add pipeline.
func (c *Client) handleSync(args []interface{}) error {
	c.mu.Lock()
	authenticated := c.state == StateAuthenticated || c.state == StateSynchronizing || c.state == StateIdle
	c.mu.Unlock()
	if !authenticated {
		return WithKind(errors.New("sync before authentication"), KindDenied)
	}

	c.mu.Lock()
	c.state = StateSynchronizing
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.state == StateSynchronizing {
			c.state = StateIdle
		}
		c.mu.Unlock()
	}()

	if len(args) < 2 || len(args)%2 != 0 {
		return WithKind(errors.New("malformed sync message"), KindWrongFormat)
	}

	for i := 0; i+1 < len(args); i += 2 {
		var a action.Action
		if err := wire.DecodeArg(args[i], &a); err != nil {
			return WithKind(err, KindWrongFormat)
		}

		var rawMeta map[string]interface{}
		if err := wire.DecodeArg(args[i+1], &rawMeta); err != nil {
			return WithKind(err, KindWrongFormat)
		}
		var metaFields struct {
			ID          string `json:"id"`
			Time        int64  `json:"time"`
			Subprotocol string `json:"subprotocol"`
		}
		if err := wire.DecodeArg(args[i+1], &metaFields); err != nil {
			return WithKind(err, KindWrongFormat)
		}

		meta := &action.Meta{ID: metaFields.ID, Time: metaFields.Time, Subprotocol: metaFields.Subprotocol}
		if meta.ID == "" {
			clientRand := strings.TrimPrefix(c.clientKey, c.userID+":")
			meta.ID = action.ID{Time: action.NewTime(), Node: action.NodeID{UserID: c.userID, ClientID: clientRand}}.String()
		}

		// Inbound filter (spec 4.6): the id's node must be this client's own
		// node or share its clientId, and no meta field beyond id/time/
		// subprotocol is client-controlled — anything else is forged trust
		// and gets denied before it ever reaches the log.
		if !c.ownsMetaID(meta.ID) {
			c.server.undo(c, meta.ID, WithKind(errors.Newf("action id %q does not belong to this client", meta.ID), KindDenied))
			continue
		}
		if field := firstDisallowedMetaField(rawMeta); field != "" {
			c.server.undo(c, meta.ID, WithKind(errors.Newf("meta field %q is not allowed from a client", field), KindDenied))
			continue
		}

		if err := c.server.pipeline.preadd(c, a, meta); err != nil {
			c.server.undo(c, meta.ID, err)
		}
	}
	return nil
}

// ownsMetaID reports whether a client-supplied action id's embedded node
// belongs to this connection: either the authenticated node itself, or
// another node of the same client (shared clientId, e.g. a second tab).
func (c *Client) ownsMetaID(metaID string) bool {
	id, err := action.ParseID(metaID)
	if err != nil {
		return false
	}
	if id.Node.String() == c.nodeKey {
		return true
	}
	return id.Node.ClientKey() == c.clientKey
}

// allowedSyncMetaFields is the whitelist of meta keys a client may set on
// an outbound sync message; everything else is server-assigned.
var allowedSyncMetaFields = map[string]bool{"id": true, "time": true, "subprotocol": true}

// firstDisallowedMetaField returns the first key in raw that isn't in the
// client-settable whitelist, or "" if every key is allowed.
func firstDisallowedMetaField(raw map[string]interface{}) string {
	for key := range raw {
		if !allowedSyncMetaFields[key] {
			return key
		}
	}
	return ""
}

func (c *Client) sendError(err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindProcessorError
	}
	_ = c.peer.Send(wire.MarshalCommand("error", string(kind), err.Error()))
}

// send delivers an action/meta pair to this client as a "sync" message,
// used by the pipeline's resend fan-out.
func (c *Client) send(a action.Action, meta *action.Meta) error {
	return c.peer.Send(wire.MarshalCommand("sync", map[string]interface{}(a), meta))
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
	c.server.registry.subscribe(c, channel)
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
	c.server.registry.unsubscribe(c, channel)
}

// markZombie flags this connection as replaced by a reconnect under the
// same node id, so destroy skips its "disconnect" report (the eviction is
// already logged as "zombie" by the connect handler).
func (c *Client) markZombie() {
	c.mu.Lock()
	c.zombie = true
	c.mu.Unlock()
}

// destroy tears the connection down exactly once, releasing it from every
// registry index, pruning channel subscriptions (cleaning up any channel
// whose last subscriber just left), and closing its transport.
func (c *Client) destroy(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDestroyed
		zombie := c.zombie
		channels := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			channels = append(channels, ch)
		}
		c.mu.Unlock()

		c.server.registry.remove(c)
		for _, ch := range channels {
			if len(c.server.registry.clientsForChannel(ch)) == 0 {
				c.server.cleanChannelReason(ch)
			}
		}
		_ = c.peer.Close()
		close(c.done)

		if zombie {
			// Eviction was already reported as "zombie" at the point the
			// replacing connection took over; no separate disconnect.
			return
		}
		if logger.ShouldOutput(logger.Verbosity, logger.OutputConnections) {
			logger.Infow("client disconnected", "client", c.id, "reason", reason)
		} else {
			logger.Debugw("client destroyed", "client", c.id, "reason", reason)
		}
	})
}

func isFatal(err error) bool {
	switch KindOf(err) {
	case KindWrongFormat, KindWrongSubprotocol, KindDenied, KindBruteforce:
		return true
	default:
		return false
	}
}
