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

const (
	subscribeType   = "logux/subscribe"
	unsubscribeType = "logux/unsubscribe"
)

// ChannelAccessFunc decides whether a client may subscribe to a channel.
type ChannelAccessFunc func(ctx action.Context, channel string, params map[string]string) (bool, error)

// ChannelLoadFunc returns the initial state for a freshly subscribed
// client: zero or more actions replayed to it alone.
type ChannelLoadFunc func(ctx action.Context, channel string, params map[string]string) ([]action.Action, error)

// ChannelFilterFunc decides whether a given action should be resent to a
// subscriber of this channel, beyond the node/client/user/channel routing
// already applied by meta.
type ChannelFilterFunc func(ctx action.Context, channel string, a action.Action) bool

// ChannelHandler is everything the server knows about one channel pattern.
type ChannelHandler struct {
	Access ChannelAccessFunc
	Load   ChannelLoadFunc
	Filter ChannelFilterFunc
}

type channelPattern struct {
	re      *regexp.Regexp
	names   []string
	handler *ChannelHandler
}

// channels owns channel-pattern registration and the subscribe/unsubscribe
// handling for the two built-in action types that drive it.
type channels struct {
	srv *Server

	mu       sync.RWMutex
	exact    map[string]*ChannelHandler
	patterns []channelPattern
	other    *ChannelHandler
}

func newChannels(srv *Server) *channels {
	return &channels{srv: srv, exact: make(map[string]*ChannelHandler)}
}

// register binds handler to an exact channel name.
func (ch *channels) register(name string, handler *ChannelHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.exact[name] = handler
}

// registerPattern binds handler to channel names matching pattern, where
// ":name" or "{name}" segments become named capture groups available in
// params, e.g. "user/:id" (or "user/{id}") matches "user/42" with
// params{"id": "42"}.
func (ch *channels) registerPattern(pattern string, handler *ChannelHandler) {
	var names []string
	reSrc := "^"
	for _, segment := range strings.Split(pattern, "/") {
		colonParam := len(segment) > 1 && segment[0] == ':'
		if colonParam || (strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")) {
			name := segment[1:]
			if !colonParam {
				name = segment[1 : len(segment)-1]
			}
			names = append(names, name)
			reSrc += "/([^/]+)"
		} else {
			reSrc += "/" + regexp.QuoteMeta(segment)
		}
	}
	reSrc = strings.Replace(reSrc, "^/", "^", 1) + "$"

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.patterns = append(ch.patterns, channelPattern{re: regexp.MustCompile(reSrc), names: names, handler: handler})
}

// registerOther binds a fallback handler used when no exact or pattern
// channel matches, so the server can still reject (or allow) arbitrary
// channel names with custom logic rather than always failing closed.
func (ch *channels) registerOther(handler *ChannelHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.other = handler
}

func (ch *channels) resolve(name string) (*ChannelHandler, map[string]string, bool) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if h, ok := ch.exact[name]; ok {
		return h, nil, true
	}
	for _, p := range ch.patterns {
		m := p.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(p.names))
		for i, n := range p.names {
			params[n] = m[i+1]
		}
		return p.handler, params, true
	}
	if ch.other != nil {
		return ch.other, nil, true
	}
	return nil, nil, false
}

// handleSubscription processes a logux/subscribe or logux/unsubscribe
// action: the channel engine's equivalent of preadd/add for ordinary
// actions, since subscriptions never reach the store.
func (ch *channels) handleSubscription(c *Client, a action.Action, meta *action.Meta) error {
	name, _ := a["channel"].(string)
	if name == "" {
		return WithKind(errors.New("subscribe action missing channel"), KindWrongFormat)
	}

	if a.Type() == unsubscribeType {
		c.unsubscribe(name)
		if logger.ShouldOutput(logger.Verbosity, logger.OutputSubscriptions) {
			logger.Infow("client unsubscribed", "channel", name, "client", c.id)
		}
		if len(ch.srv.registry.clientsForChannel(name)) == 0 {
			ch.srv.cleanChannelReason(name)
		}
		ch.srv.markAsProcessed(c, meta.ID)
		return nil
	}

	handler, params, ok := ch.resolve(name)
	if !ok {
		return WithKind(errors.Newf("unknown channel %q", name), KindUnknownChannel)
	}

	ctx := ch.srv.pipeline.contextFor(c, a)
	ctx.IsSubscribing = true

	if handler.Access != nil {
		allowed, err := handler.Access(ctx, name, params)
		if err != nil {
			return WithKind(errors.Wrap(err, "channel access check"), KindProcessorError)
		}
		if !allowed {
			return WithKind(ErrForbidden, KindDenied)
		}
	}

	c.subscribe(name)

	if logger.ShouldOutput(logger.Verbosity, logger.OutputSubscriptions) {
		logger.Infow("client subscribed", "channel", name, "client", c.id)
	}

	if handler.Load != nil {
		initial, err := handler.Load(ctx, name, params)
		if err != nil {
			logger.Warnw("channel load failed", "channel", name, "error", err.Error())
			ch.srv.undo(c, meta.ID, WithKind(errors.Wrap(err, "channel load"), KindProcessorError))
			return nil
		}
		for _, ia := range initial {
			loadMeta := &action.Meta{
				ID:      action.ID{Time: action.NewTime(), Node: action.NodeID{ClientID: c.id}}.String(),
				Time:    action.NewTime(),
				Reasons: []string{"channel/" + name},
				Clients: []string{c.clientKey},
			}
			if _, err := ch.srv.store.Add(context.Background(), ia, loadMeta); err != nil {
				logger.Debugw("channel load: log append failed", "channel", name, "error", err.Error())
			}
			_ = c.send(ia, loadMeta)
		}
	}

	ch.srv.markAsProcessed(c, meta.ID)
	return nil
}

// cleanChannelReason garbage-collects log entries whose only reason was
// replaying this channel's initial state to a subscriber, once the last
// subscriber leaves and nothing can request that replay again.
func (s *Server) cleanChannelReason(channel string) {
	reason := "channel/" + channel
	if err := s.store.RemoveReason(context.Background(), reason, nil); err != nil {
		logger.Debugw("clean: remove reason failed", "channel", channel, "error", err.Error())
		return
	}
	logger.Debugw("clean", "reason", reason)
}

// filter reports whether an action should be resent to a subscriber of
// channel, consulting the channel's Filter hook if one is registered.
func (ch *channels) filter(c *Client, channel string, a action.Action) bool {
	handler, _, ok := ch.resolve(channel)
	if !ok || handler.Filter == nil {
		return true
	}
	ctx := ch.srv.pipeline.contextFor(c, a)
	return handler.Filter(ctx, channel, a)
}

// anyChannelAllows reports whether at least one of the channels that
// brought cl into the resend target set still wants this action, so a
// client subscribed to several channels isn't dropped entirely because one
// of its filters rejected the action.
func anyChannelAllows(ch *channels, cl *Client, channelNames []string, a action.Action) bool {
	for _, name := range channelNames {
		if ch.filter(cl, name, a) {
			return true
		}
	}
	return false
}
