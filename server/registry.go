package server

import "sync"

// registry indexes connected clients by the handles other parts of the
// pipeline need to look them up by: full node id, client id (shared by
// every tab/process of one client), user id, and subscribed channel. It
// keeps a clients-map-plus-mutex shape, generalized to the several
// independent indexes a sync server needs.
type registry struct {
	mu sync.RWMutex

	byNode    map[string]*Client
	byClient  map[string]map[*Client]bool
	byUser    map[string]map[*Client]bool
	byChannel map[string]map[*Client]bool
}

func newRegistry() *registry {
	return &registry{
		byNode:    make(map[string]*Client),
		byClient:  make(map[string]map[*Client]bool),
		byUser:    make(map[string]map[*Client]bool),
		byChannel: make(map[string]map[*Client]bool),
	}
}

// add registers a client under its node and client-key indexes. Call once
// the client's NodeID has been established (post-handshake).
func (r *registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNode[c.nodeKey] = c
	addToSet(r.byClient, c.clientKey, c)
	if c.userID != "" {
		addToSet(r.byUser, c.userID, c)
	}
}

// remove drops c from every index, including its channel subscriptions.
func (r *registry) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byNode, c.nodeKey)
	removeFromSet(r.byClient, c.clientKey, c)
	if c.userID != "" {
		removeFromSet(r.byUser, c.userID, c)
	}
	for ch := range c.channels {
		removeFromSet(r.byChannel, ch, c)
	}
}

// byNodeID returns the single client registered for a full node id, used to
// evict a zombie connection on reconnect.
func (r *registry) byNodeID(nodeKey string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byNode[nodeKey]
	return c, ok
}

func (r *registry) clientsForClient(clientKey string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byClient[clientKey])
}

func (r *registry) clientsForUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byUser[userID])
}

func (r *registry) clientsForChannel(channel string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return setToSlice(r.byChannel[channel])
}

func (r *registry) subscribe(c *Client, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addToSet(r.byChannel, channel, c)
}

func (r *registry) unsubscribe(c *Client, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeFromSet(r.byChannel, channel, c)
}

// all returns a snapshot of every registered client, used for broadcasts
// with no narrower filter (server-wide actions).
func (r *registry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byNode))
	for _, c := range r.byNode {
		out = append(out, c)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}

func addToSet(m map[string]map[*Client]bool, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		set = make(map[*Client]bool)
		m[key] = set
	}
	set[c] = true
}

func removeFromSet(m map[string]map[*Client]bool, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

func setToSlice(set map[*Client]bool) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
