// Package action defines the wire-level units the server exchanges with
// clients: actions, their metadata envelope, and the node identifiers used
// to route them back to the connection that produced them.
package action

import (
	"strconv"
	"strings"
	"time"

	"github.com/logux/logux-server/errors"
)

// Action is an arbitrary, application-defined event. The only field the
// server itself interprets is Type; everything else is opaque payload that
// gets round-tripped between log, processors, and subscribers.
type Action map[string]interface{}

// Type returns the action's "type" field, or "" if it is missing or not a
// string.
func (a Action) Type() string {
	t, _ := a["type"].(string)
	return t
}

// Clone returns a shallow copy so callers can mutate fields (e.g. a
// processor rewriting a payload before resend) without touching the
// original map shared with other subscribers.
func (a Action) Clone() Action {
	clone := make(Action, len(a))
	for k, v := range a {
		clone[k] = v
	}
	return clone
}

// Status records where an action currently sits in the pipeline: waiting
// for a processor, processed, or failed. logux/* control actions carry no
// status at all.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

// Meta is the envelope the server attaches to every action: routing,
// ordering, and access-control information that never travels inside the
// action payload itself.
type Meta struct {
	ID    string `json:"id"`
	Time  int64  `json:"time"`
	Added int64  `json:"added,omitempty"`

	Reasons []string `json:"reasons,omitempty"`

	Subprotocol string `json:"subprotocol,omitempty"`
	Server      string `json:"server,omitempty"`
	Status      Status `json:"status,omitempty"`

	// Nodes/Clients/Users/Channels restrict fan-out: when non-empty, the
	// action is only resent to matching connections.
	Nodes    []string `json:"nodes,omitempty"`
	Clients  []string `json:"clients,omitempty"`
	Users    []string `json:"users,omitempty"`
	Channels []string `json:"channels,omitempty"`

	// Excluding the origin node keeps a client from re-receiving its own
	// write; see spec invariant on resend loops.
	Excluding []string `json:"excluding,omitempty"`
}

// HasReason reports whether reason is present in Meta.Reasons.
func (m *Meta) HasReason(reason string) bool {
	for _, r := range m.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// RemoveReason drops reason from Meta.Reasons, reporting whether the slice
// is now empty (signalling the log entry should be removed by the store).
func (m *Meta) RemoveReason(reason string) (empty bool) {
	out := m.Reasons[:0]
	for _, r := range m.Reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	m.Reasons = out
	return len(m.Reasons) == 0
}

// NodeID identifies the connection an action originated from. The wire
// format is "<user:>clientRand<:nodeRand>" — the user segment is present
// only for authenticated connections, and the node segment only once a
// specific tab/process within a client has been assigned one.
type NodeID struct {
	UserID     string
	ClientID   string
	NodeRandID string
}

// String renders the NodeID back to its wire form.
func (n NodeID) String() string {
	client := n.ClientID
	if n.UserID != "" {
		client = n.UserID + ":" + client
	}
	if n.NodeRandID != "" {
		return client + ":" + n.NodeRandID
	}
	return client
}

// ClientKey returns the "<user:>clientRand" prefix shared by every node
// belonging to the same client.
func (n NodeID) ClientKey() string {
	if n.UserID != "" {
		return n.UserID + ":" + n.ClientID
	}
	return n.ClientID
}

// ParseNodeID parses the node-id segment of a full action id
// ("<user:>clientRand<:nodeRand>").
func ParseNodeID(raw string) (NodeID, error) {
	if raw == "" {
		return NodeID{}, errors.New("empty node id")
	}
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		return NodeID{ClientID: parts[0]}, nil
	case 2:
		return NodeID{UserID: parts[0], ClientID: parts[1]}, nil
	case 3:
		return NodeID{UserID: parts[0], ClientID: parts[1], NodeRandID: parts[2]}, nil
	default:
		return NodeID{}, errors.Newf("malformed node id %q", raw)
	}
}

// ID is a full action identifier: "<counter> <nodeId>" as added by the log,
// or "<counter> <nodeId> <seq>" once a client has assigned it a local
// sequence number.
type ID struct {
	Time   int64
	Node   NodeID
	Seq    int64
	hasSeq bool
}

// ParseID parses a full action id string into its time/node/seq parts.
func ParseID(raw string) (ID, error) {
	parts := strings.SplitN(raw, " ", 3)
	if len(parts) < 2 {
		return ID{}, errors.Newf("malformed action id %q", raw)
	}
	t, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ID{}, errors.Wrapf(err, "malformed action id time %q", raw)
	}
	node, err := ParseNodeID(parts[1])
	if err != nil {
		return ID{}, errors.Wrapf(err, "malformed action id %q", raw)
	}
	id := ID{Time: t, Node: node}
	if len(parts) == 3 {
		seq, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return ID{}, errors.Wrapf(err, "malformed action id seq %q", raw)
		}
		id.Seq = seq
		id.hasSeq = true
	}
	return id, nil
}

// String renders the ID back to its wire form.
func (id ID) String() string {
	base := strconv.FormatInt(id.Time, 10) + " " + id.Node.String()
	if id.hasSeq {
		base += " " + strconv.FormatInt(id.Seq, 10)
	}
	return base
}

// NewTime returns the current time in the millisecond resolution used for
// action ids, so callers never reach for time.Now() with mismatched units.
func NewTime() int64 {
	return time.Now().UnixMilli()
}

// Context carries everything a processor or channel callback needs to know
// about the connection and action it is handling, independent of transport.
type Context struct {
	NodeID        NodeID
	UserID        string
	ClientID      string
	IsServer      bool
	IsSubscribing bool

	SendBack func(Action, *Meta) error
}
