// Package server implements the Logux-style sync node: it terminates
// client websocket connections, runs every inbound action through the
// preadd/add/resend/dispatch/process pipeline, serves the channel
// subscription engine, proxies actions to an optional backend, and exposes
// a control HTTP endpoint for the processes that sit alongside it.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/config"
	"github.com/logux/logux-server/errors"
	"github.com/logux/logux-server/internal/httpclient"
	"github.com/logux/logux-server/logger"
	"github.com/logux/logux-server/store"
	"github.com/logux/logux-server/version"
	"github.com/logux/logux-server/wire"
)

const protocolVersion = 4

// AuthFunc decides whether credentials are valid for userID, given the
// connecting address for bruteforce bookkeeping.
type AuthFunc func(userID string, credentials map[string]interface{}, addr string) (bool, error)

// Server is the top-level sync node: it owns the HTTP listener, the client
// registry, the action pipeline, the channel engine, and the optional
// backend proxy.
type Server struct {
	cfg *config.Config

	registry *registry
	pipeline *pipeline
	channels *channels
	backend  *backendProxy
	bf       *bruteforceGuard
	metrics  *controlMetrics

	store store.Store

	authFunc    AuthFunc
	constraints *semver.Constraints

	httpServer *http.Server

	mu    sync.Mutex
	state string // "new" | "running" | "destroyed"

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server from cfg. The returned Server does not listen until
// Listen is called, so callers can register types/channels first.
func New(cfg *config.Config) (*Server, error) {
	var constraints *semver.Constraints
	if cfg.Supports != "" {
		var err error
		constraints, err = semver.NewConstraint(cfg.Supports)
		if err != nil {
			return nil, errors.Wrapf(err, "parse supports range %q", cfg.Supports)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		cfg:         cfg,
		constraints: constraints,
		store:       store.NewMemory(),
		bf:          newBruteforceGuard(),
		metrics:     newControlMetrics(),
		state:       "new",
		ctx:         ctx,
		cancel:      cancel,
	}
	srv.registry = newRegistry()
	srv.pipeline = newPipeline(srv)
	srv.channels = newChannels(srv)

	if cfg.Backend != "" {
		client := httpclient.NewSaferClient(cfg.Timeout)
		srv.backend = newBackendProxy(client, cfg.Backend, cfg.ControlSecret)
	}

	if cfg.Store.Path != "" {
		sqliteStore, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "open configured store")
		}
		srv.store = sqliteStore
	}

	return srv, nil
}

// SetStore overrides the default in-memory log, e.g. with store.NewSQLite.
func (s *Server) SetStore(st store.Store) { s.store = st }

// SetAuth installs the callback used to validate "connect" credentials.
// Without one, every connection is accepted (suitable for local dev only).
func (s *Server) SetAuth(fn AuthFunc) { s.authFunc = fn }

// Type registers an exact action type handler.
func (s *Server) Type(name string, h TypeHandler) { s.pipeline.registerType(name, &h) }

// OtherType registers the fallback handler for action types with no exact
// or regexp match.
func (s *Server) OtherType(h TypeHandler) { s.pipeline.registerOtherType(&h) }

// Channel registers a channel pattern, where ":name" or "{name}" path segments bind
// named parameters (see channels.registerPattern).
func (s *Server) Channel(pattern string, h ChannelHandler) { s.channels.registerPattern(pattern, &h) }

// nodeName identifies this server instance in the "connected" handshake
// reply and in Meta.Server.
func (s *Server) nodeName() string {
	if s.cfg.NodeName != "" {
		return s.cfg.NodeName
	}
	return "logux-server-" + version.Get().Short()
}

func (s *Server) supportsSubprotocol(v string) bool {
	if s.constraints == nil {
		return true
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return s.constraints.Check(parsed)
}

func (s *Server) checkBruteforce(addr string) bool {
	return s.bf.allow(addr)
}

func (s *Server) recordAuthFailure(addr string) {
	s.bf.fail(addr)
}

func (s *Server) authenticate(userID string, credentials map[string]interface{}, addr string) (bool, error) {
	if s.authFunc == nil {
		return true, nil
	}
	return s.authFunc(userID, credentials, addr)
}

// markAsProcessed implements the log pipeline's markAsProcessed step: it
// sets the stored entry's status to processed via changeMeta and, for
// client-originated actions, appends a logux/processed action to the log
// addressed back to the originating client.
func (s *Server) markAsProcessed(c *Client, id string) {
	ctx := context.Background()
	if err := s.store.ChangeMeta(ctx, id, func(m *action.Meta) { m.Status = action.StatusProcessed }); err != nil {
		logger.Debugw("markAsProcessed: change meta failed", "id", id, "error", err.Error())
	}

	if c == nil {
		return
	}
	_ = c.peer.Send(wire.MarshalCommand("processed", id))

	processedMeta := &action.Meta{
		ID:      action.ID{Time: action.NewTime(), Node: action.NodeID{ClientID: c.id}}.String(),
		Time:    action.NewTime(),
		Reasons: []string{"processed"},
		Clients: []string{c.clientKey},
		Status:  action.StatusProcessed,
	}
	processedAction := action.Action{"type": "logux/processed", "id": id}
	if _, err := s.store.Add(ctx, processedAction, processedMeta); err != nil {
		logger.Debugw("markAsProcessed: log append failed", "id", id, "error", err.Error())
	}
}

// undo reports a rejected or failed action back to its origin: it sends
// the wire undo frame, appends a logux/undo entry to the log with the
// frozen reason vocabulary (UndoReasonFor), and — in development — sends a
// debug frame describing the failure to the originating client.
func (s *Server) undo(c *Client, id string, cause error) {
	reason := UndoReasonFor(KindOf(cause))

	if c != nil {
		_ = c.peer.Send(wire.MarshalCommand("undo", id, string(reason)))
	}

	ctx := context.Background()
	undoMeta := &action.Meta{
		Time:    action.NewTime(),
		Reasons: []string{"undo"},
		Status:  action.StatusProcessed,
	}
	if c != nil {
		undoMeta.ID = action.ID{Time: action.NewTime(), Node: action.NodeID{ClientID: c.id}}.String()
		undoMeta.Clients = []string{c.clientKey}
	} else {
		undoMeta.ID = action.ID{Time: action.NewTime(), Node: action.NodeID{ClientID: "server"}}.String()
	}
	undoAction := action.Action{"type": "logux/undo", "id": id, "reason": string(reason)}
	if _, err := s.store.Add(ctx, undoAction, undoMeta); err != nil {
		logger.Debugw("undo: log append failed", "id", id, "error", err.Error())
	}

	if c != nil && s.isDevelopment() {
		_ = c.peer.Send(wire.MarshalCommand("debug", "error", cause.Error()))
	}
}

// isDevelopment reports whether the server runs in development mode,
// gating debug frames per spec (suppressed in production).
func (s *Server) isDevelopment() bool {
	return s.cfg.Env != "production"
}

// HandleWebSocket upgrades an incoming HTTP request to a sync connection
// and runs its client loop until the peer disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peer, err := wire.Upgrade(w, r)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "addr", r.RemoteAddr, "error", err.Error())
		return
	}
	c := newClient(s, peer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run()
	}()
}

// Listen starts the HTTP server and blocks until Destroy shuts it down or
// serving fails with an unrecoverable error.
func (s *Server) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWebSocket)
	s.setupControlRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}

	s.mu.Lock()
	s.state = "running"
	s.mu.Unlock()

	logger.Infow("server listening", "addr", addr, "subprotocol_range", s.cfg.Supports)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return WithKind(errors.Wrapf(err, "listen on %s", addr), KindAddrInUse)
		}
		return errors.Wrapf(err, "listen on %s", addr)
	}

	err = s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM triggers a graceful
// Destroy. SIGHUP is logged only; config reload is not implemented.
func (s *Server) Run() error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen() }()

	for {
		select {
		case err := <-errCh:
			return err
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Infow("received SIGHUP; config reload is not implemented, ignoring")
				continue
			}
			logger.Infow("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.Destroy(ctx)
		}
	}
}

// Destroy gracefully shuts the server down: it stops accepting new
// connections, waits (bounded by ctx) for in-flight client goroutines to
// finish, and closes the log store.
func (s *Server) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.state == "destroyed" {
		s.mu.Unlock()
		return nil
	}
	s.state = "destroyed"
	s.mu.Unlock()

	s.cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Warnw("http server shutdown error", "error", err.Error())
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnw("destroy timed out waiting for clients to drain")
	}

	return s.store.Close()
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}
