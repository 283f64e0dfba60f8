package server

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/errors"
	"github.com/logux/logux-server/logger"
)

// AccessFunc decides whether a client may submit an action of a given type.
type AccessFunc func(ctx action.Context, a action.Action) (bool, error)

// ProcessFunc runs an action's side effects once it has been accepted and
// persisted. A returned error triggers an "undo" sent back to the origin.
type ProcessFunc func(ctx action.Context, a action.Action) error

// ResendFunc decides which other connections should receive an accepted
// action, beyond whatever addressing the client itself supplied. Its
// return value is merged into the action's meta before fan-out.
type ResendFunc func(ctx action.Context, a action.Action) (ResendTargets, error)

// FinallyFunc runs after Process settles, successfully or not, so a
// processor can release resources acquired during access/process. Errors
// are swallowed into an "error" report; they never override the primary
// outcome.
type FinallyFunc func(ctx action.Context, a action.Action) error

// ResendTargets is what a Resend hook returns: node/client/user/channel
// addressing to merge into the action's meta. The singular fields are
// shortcuts for the common case of naming exactly one target, e.g.
// ResendTargets{Channel: "room/1"}.
type ResendTargets struct {
	Nodes    []string
	Clients  []string
	Users    []string
	Channels []string

	Node    string
	Client  string
	User    string
	Channel string
}

func (r ResendTargets) empty() bool {
	return len(r.Nodes) == 0 && len(r.Clients) == 0 && len(r.Users) == 0 && len(r.Channels) == 0 &&
		r.Node == "" && r.Client == "" && r.User == "" && r.Channel == ""
}

// normalize folds the singular shortcuts into their plural slices.
func (r ResendTargets) normalize() (nodes, clients, users, channels []string) {
	nodes = appendIfSet(r.Nodes, r.Node)
	clients = appendIfSet(r.Clients, r.Client)
	users = appendIfSet(r.Users, r.User)
	channels = appendIfSet(r.Channels, r.Channel)
	return
}

func appendIfSet(plural []string, singular string) []string {
	if singular == "" {
		return plural
	}
	return append(append([]string(nil), plural...), singular)
}

// TypeHandler is everything the server knows about one action type: how to
// authorize it and, optionally, how to resend/process/finalize it.
type TypeHandler struct {
	Access  AccessFunc
	Resend  ResendFunc
	Process ProcessFunc
	Finally FinallyFunc
}

const builtinReason = "server"

// pipeline runs every accepted action through preadd -> add -> resend ->
// dispatch -> process -> processed/undo, matching the stage names the
// action lifecycle is specified by.
type pipeline struct {
	srv *Server

	mu         sync.RWMutex
	types      map[string]*TypeHandler
	typeRegexp []regexpType
	otherType  *TypeHandler
}

type regexpType struct {
	re      *regexp.Regexp
	handler *TypeHandler
}

func newPipeline(srv *Server) *pipeline {
	return &pipeline{srv: srv, types: make(map[string]*TypeHandler)}
}

// registerType binds handler to an exact action type name.
func (p *pipeline) registerType(name string, h *TypeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types[name] = h
}

// registerTypeRegexp binds handler to every action type matching re,
// checked only after no exact match is found.
func (p *pipeline) registerTypeRegexp(re *regexp.Regexp, h *TypeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typeRegexp = append(p.typeRegexp, regexpType{re: re, handler: h})
}

// registerOtherType binds a fallback handler used when no exact or regexp
// type matches, so unknown-but-allowed actions still have somewhere to go.
func (p *pipeline) registerOtherType(h *TypeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.otherType = h
}

func (p *pipeline) handlerFor(actionType string) (*TypeHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.types[actionType]; ok {
		return h, true
	}
	for _, rt := range p.typeRegexp {
		if rt.re.MatchString(actionType) {
			return rt.handler, true
		}
	}
	if p.otherType != nil {
		return p.otherType, true
	}
	return nil, false
}

// preadd is the pipeline entry point for an action arriving from a client:
// it resolves the type handler, runs the access check, then hands off to
// add.
func (p *pipeline) preadd(c *Client, a action.Action, meta *action.Meta) error {
	actionType := a.Type()

	if actionType == subscribeType || actionType == unsubscribeType {
		return p.srv.channels.handleSubscription(c, a, meta)
	}

	handler, ok := p.handlerFor(actionType)
	if !ok {
		return WithKind(errors.Newf("Action with unknown type %s", actionType), KindUnknownType)
	}

	ctx := p.contextFor(c, a)
	if handler.Access != nil {
		allowed, err := handler.Access(ctx, a)
		if err != nil {
			return WithKind(errors.Wrap(err, "access check"), KindProcessorError)
		}
		if !allowed {
			return WithKind(ErrForbidden, KindDenied)
		}
	}

	return p.add(c, handler, a, meta)
}

// add persists the action, awaits the processor's resend hook (merging its
// targets into meta), fans it out to other interested connections, then
// runs it through dispatch/process.
func (p *pipeline) add(c *Client, handler *TypeHandler, a action.Action, meta *action.Meta) error {
	if len(meta.Reasons) == 0 {
		meta.Reasons = []string{builtinReason}
	}
	meta.Server = p.srv.nodeName()
	if meta.Status == "" {
		meta.Status = action.StatusWaiting
	}

	added, err := p.srv.store.Add(context.Background(), a, meta)
	if err != nil {
		return WithKind(errors.Wrap(err, "append to log"), KindProcessorError)
	}
	if !added {
		// Duplicate id: resend already happened the first time it was
		// added, so treat the retry as already processed.
		p.srv.markAsProcessed(c, meta.ID)
		return nil
	}

	if handler != nil && handler.Resend != nil {
		ctx := p.contextFor(c, a)
		targets, rerr := handler.Resend(ctx, a)
		if rerr != nil {
			logger.Warnw("resend hook failed", "action", a.Type(), "id", meta.ID, "error", rerr.Error())
			_ = p.srv.store.ChangeMeta(context.Background(), meta.ID, func(m *action.Meta) { m.Status = action.StatusError })
			p.srv.undo(c, meta.ID, WithKind(errors.Wrap(rerr, "resend action"), KindProcessorError))
			return nil
		}
		if !targets.empty() {
			nodes, clients, users, channels := targets.normalize()
			_ = p.srv.store.ChangeMeta(context.Background(), meta.ID, func(m *action.Meta) {
				m.Nodes = append(m.Nodes, nodes...)
				m.Clients = append(m.Clients, clients...)
				m.Users = append(m.Users, users...)
				m.Channels = append(m.Channels, channels...)
			})
			meta.Nodes = append(meta.Nodes, nodes...)
			meta.Clients = append(meta.Clients, clients...)
			meta.Users = append(meta.Users, users...)
			meta.Channels = append(meta.Channels, channels...)
		}
	}

	p.resend(c, a, meta)
	p.dispatch(c, handler, a, meta)
	return nil
}

// resend fans an accepted action out to every other connection the meta
// envelope names (by node, client, user, or channel), skipping the origin
// and anyone listed in Excluding.
func (p *pipeline) resend(origin *Client, a action.Action, meta *action.Meta) {
	targets := make(map[*Client]bool)

	add := func(clients []*Client) {
		for _, cl := range clients {
			if cl == origin {
				continue
			}
			targets[cl] = true
		}
	}

	for _, n := range meta.Nodes {
		if cl, ok := p.srv.registry.byNodeID(n); ok {
			add([]*Client{cl})
		}
	}
	for _, cid := range meta.Clients {
		add(p.srv.registry.clientsForClient(cid))
	}
	for _, uid := range meta.Users {
		add(p.srv.registry.clientsForUser(uid))
	}
	channelTargets := make(map[*Client][]string)
	for _, channelName := range meta.Channels {
		for _, cl := range p.srv.registry.clientsForChannel(channelName) {
			if cl == origin {
				continue
			}
			targets[cl] = true
			channelTargets[cl] = append(channelTargets[cl], channelName)
		}
	}

	for _, excluded := range meta.Excluding {
		if cl, ok := p.srv.registry.byNodeID(excluded); ok {
			delete(targets, cl)
		}
	}

	for cl := range targets {
		if channels, viaChannel := channelTargets[cl]; viaChannel && !anyChannelAllows(p.srv.channels, cl, channels, a) {
			continue
		}
		if err := cl.send(a, meta); err != nil {
			logger.Debugw("resend failed", "client", cl.id, "error", err.Error())
		}
	}
}

// dispatch runs the action's Process hook, if any, and reports the outcome
// back to the origin client as processed/undo. Processing never blocks the
// client's read loop. Finally, when present, always runs after Process
// settles, win or lose.
func (p *pipeline) dispatch(c *Client, handler *TypeHandler, a action.Action, meta *action.Meta) {
	if handler.Process == nil {
		p.srv.markAsProcessed(c, meta.ID)
		return
	}

	p.srv.metrics.processing.Inc()
	go func() {
		defer p.srv.metrics.processing.Dec()
		ctx := p.contextFor(c, a)
		procErr := handler.Process(ctx, a)

		if handler.Finally != nil {
			if ferr := handler.Finally(ctx, a); ferr != nil {
				logger.Warnw("finally hook failed", "action", a.Type(), "id", meta.ID, "error", ferr.Error())
			}
		}

		if procErr != nil {
			logger.Warnw("action processor failed", "action", a.Type(), "id", meta.ID, "error", procErr.Error())
			_ = p.srv.store.ChangeMeta(context.Background(), meta.ID, func(m *action.Meta) { m.Status = action.StatusError })
			p.srv.undo(c, meta.ID, WithKind(errors.Wrap(procErr, "process action"), KindProcessorError))
			return
		}
		p.srv.markAsProcessed(c, meta.ID)
	}()
}

func (p *pipeline) contextFor(c *Client, a action.Action) action.Context {
	ctx := action.Context{IsServer: c == nil}
	if c != nil {
		ctx.NodeID = action.NodeID{}
		if c.nodeKey != "" {
			if n, err := action.ParseNodeID(c.nodeKey); err == nil {
				ctx.NodeID = n
			}
		}
		ctx.UserID = c.userID
		ctx.ClientID = c.clientKey
		ctx.SendBack = func(reply action.Action, meta *action.Meta) error {
			return c.send(reply, meta)
		}
	}
	return ctx
}

// markAsProcessed and undo are defined on Server (server.go) since they
// need access to the store and registry when dispatch runs on a goroutine
// detached from the original request.
