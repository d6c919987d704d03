package hub

import (
	"sync"
	"time"

	"github.com/wolfeidau/simstream/internal/models"
)

// Sender queues pushes for one transport connection.
type Sender interface {
	// Enqueue queues msg without blocking. It returns false when the message was
	// dropped because the buffer is full or the sender is closed.
	Enqueue(msg Message) bool
	// Close stops delivery. It must be safe to call more than once.
	Close()
}

// Connection is an authenticated channel. Identity is fixed at open.
type Connection struct {
	ID       string
	Identity models.Identity
	OpenedAt time.Time

	sender Sender
}

type connSet map[string]struct{}

// Registry holds live connections, topic membership and the connected user index
// behind a single lock. Membership is stored by connection id in both directions.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Connection
	topics map[models.TopicKey]connSet
	joined map[string]map[models.TopicKey]struct{}
	byUser map[int64]connSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		topics: make(map[models.TopicKey]connSet),
		joined: make(map[string]map[models.TopicKey]struct{}),
		byUser: make(map[int64]connSet),
	}
}

// Add registers conn and joins it to its user topic. It reports whether this is the
// identity's first live connection.
func (r *Registry) Add(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID] = conn
	r.joined[conn.ID] = make(map[models.TopicKey]struct{})
	r.joinLocked(conn.ID, models.UserTopic(conn.Identity.UserID))

	users, ok := r.byUser[conn.Identity.UserID]
	if !ok {
		users = make(connSet)
		r.byUser[conn.Identity.UserID] = users
	}
	users[conn.ID] = struct{}{}

	return !ok
}

// Remove drops a connection and every membership it held. It reports the removed
// connection and whether it was the identity's last one.
func (r *Registry) Remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}

	for topic := range r.joined[connID] {
		r.leaveLocked(connID, topic)
	}
	delete(r.joined, connID)
	delete(r.conns, connID)

	last := false
	if users, ok := r.byUser[conn.Identity.UserID]; ok {
		delete(users, connID)
		if len(users) == 0 {
			delete(r.byUser, conn.Identity.UserID)
			last = true
		}
	}

	return conn, last
}

// Get returns a live connection.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// Join adds connID to topic. It returns false if the connection is gone.
func (r *Registry) Join(connID string, topic models.TopicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.joinLocked(connID, topic)
	return true
}

// Leave removes connID from topic and reports whether a membership was removed.
func (r *Registry) Leave(connID string, topic models.TopicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(connID, topic)
}

func (r *Registry) joinLocked(connID string, topic models.TopicKey) {
	members, ok := r.topics[topic]
	if !ok {
		members = make(connSet)
		r.topics[topic] = members
	}
	members[connID] = struct{}{}
	r.joined[connID][topic] = struct{}{}
}

func (r *Registry) leaveLocked(connID string, topic models.TopicKey) bool {
	members, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
	if joined, ok := r.joined[connID]; ok {
		delete(joined, topic)
	}
	return true
}

// Members returns the connections joined to any of topics, each at most once.
func (r *Registry) Members(topics ...models.TopicKey) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var out []*Connection
	for _, topic := range topics {
		for connID := range r.topics[topic] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			out = append(out, r.conns[connID])
		}
	}
	return out
}

// IsMember reports whether connID is joined to topic.
func (r *Registry) IsMember(connID string, topic models.TopicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.topics[topic][connID]
	return ok
}

// Topics returns the topics connID is joined to.
func (r *Registry) Topics(connID string) []models.TopicKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.TopicKey, 0, len(r.joined[connID]))
	for topic := range r.joined[connID] {
		out = append(out, topic)
	}
	return out
}

// IsConnected reports whether the identity has at least one live connection.
func (r *Registry) IsConnected(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byUser[userID]
	return ok
}

// Counts returns the number of connected identities and live connections.
func (r *Registry) Counts() (users, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byUser), len(r.conns)
}
