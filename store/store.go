// Package store defines the log persistence contract the server uses to
// append, inspect, and garbage-collect actions, plus a default in-memory
// implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/errors"
)

// Entry pairs a logged action with its metadata, the unit iterated by Each.
type Entry struct {
	Action action.Action
	Meta   *action.Meta
}

// Store is the log abstraction the server builds on: every accepted action
// is appended here, processors can rewrite its meta, and reason-counted
// garbage collection removes it once no reason still claims it.
type Store interface {
	// Add appends an action if Meta.ID isn't already present. It returns
	// false without error when the id is a duplicate (idempotent resend).
	Add(ctx context.Context, a action.Action, meta *action.Meta) (added bool, err error)

	// Get returns the entry for an action id, or ok=false if absent.
	Get(ctx context.Context, id string) (Entry, bool, error)

	// ChangeMeta merges fields into the stored meta for id.
	ChangeMeta(ctx context.Context, id string, change func(*action.Meta)) error

	// RemoveReason drops reason from every matching entry's Meta.Reasons,
	// deleting entries left with no reason. filter narrows which entries
	// are considered; nil matches everything with the reason.
	RemoveReason(ctx context.Context, reason string, filter func(action.Action, *action.Meta) bool) error

	// Each iterates entries ordered by Meta.Added ascending, stopping early
	// if fn returns false.
	Each(ctx context.Context, fn func(Entry) bool) error

	// Close releases any underlying resources (file handles, connections).
	Close() error
}

// ErrNotFound is returned by operations addressed at a missing action id.
var ErrNotFound = errors.New("store: action not found")

// Memory is the default Store: an in-process, mutex-protected log used for
// tests and single-node deployments that don't need persistence across
// restarts.
type Memory struct {
	mu      sync.Mutex
	byID    map[string]*Entry
	counter int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*Entry)}
}

func (m *Memory) Add(_ context.Context, a action.Action, meta *action.Meta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[meta.ID]; exists {
		return false, nil
	}
	m.counter++
	meta.Added = m.counter
	m.byID[meta.ID] = &Entry{Action: a.Clone(), Meta: cloneMeta(meta)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, id string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Action: e.Action.Clone(), Meta: cloneMeta(e.Meta)}, true, nil
}

func (m *Memory) ChangeMeta(_ context.Context, id string, change func(*action.Meta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "change meta %q", id)
	}
	change(e.Meta)
	return nil
}

func (m *Memory) RemoveReason(_ context.Context, reason string, filter func(action.Action, *action.Meta) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.byID {
		if filter != nil && !filter(e.Action, e.Meta) {
			continue
		}
		if !e.Meta.HasReason(reason) {
			continue
		}
		if empty := e.Meta.RemoveReason(reason); empty {
			delete(m.byID, id)
		}
	}
	return nil
}

func (m *Memory) Each(_ context.Context, fn func(Entry) bool) error {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Meta.Added < entries[j].Meta.Added })
	for _, e := range entries {
		if !fn(Entry{Action: e.Action.Clone(), Meta: cloneMeta(e.Meta)}) {
			break
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// cloneMeta returns a deep-enough copy of Meta for safe storage/retrieval
// across goroutines; slices are copied, not shared.
func cloneMeta(m *action.Meta) *action.Meta {
	cp := *m
	cp.Reasons = append([]string(nil), m.Reasons...)
	cp.Nodes = append([]string(nil), m.Nodes...)
	cp.Clients = append([]string(nil), m.Clients...)
	cp.Users = append([]string(nil), m.Users...)
	cp.Channels = append([]string(nil), m.Channels...)
	cp.Excluding = append([]string(nil), m.Excluding...)
	return &cp
}
