package room

import (
	"sort"
	"sync"
)

// Peer is one live socket of an authenticated user.
type Peer interface {
	ID() string
	UserID() int64
	// Send queues a frame without blocking. It reports false when the peer's
	// queue is full or the peer is gone.
	Send(frame []byte) bool
}

// Manager tracks live peers per user and the members of each conversation.
// A user may hold several sockets at once; every one of them receives the
// conversation frames.
type Manager struct {
	mu      sync.RWMutex
	peers   map[int64]map[string]Peer
	members map[int64]map[int64]struct{}
	conns   int
}

func NewManager() *Manager {
	return &Manager{
		peers:   make(map[int64]map[string]Peer),
		members: make(map[int64]map[int64]struct{}),
	}
}

func (m *Manager) Register(p Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.peers[p.UserID()]
	if !ok {
		byID = make(map[string]Peer)
		m.peers[p.UserID()] = byID
	}
	if _, dup := byID[p.ID()]; !dup {
		m.conns++
	}
	byID[p.ID()] = p
}

// Unregister removes p and reports whether it was registered.
func (m *Manager) Unregister(p Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.peers[p.UserID()]
	if !ok {
		return false
	}
	if _, ok := byID[p.ID()]; !ok {
		return false
	}
	delete(byID, p.ID())
	m.conns--
	if len(byID) == 0 {
		delete(m.peers, p.UserID())
	}
	return true
}

// SetMembers replaces the member list of a conversation. An empty list
// forgets the conversation.
func (m *Manager) SetMembers(conversationID int64, userIDs []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(userIDs) == 0 {
		delete(m.members, conversationID)
		return
	}
	set := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	m.members[conversationID] = set
}

func (m *Manager) Members(conversationID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int64, 0, len(m.members[conversationID]))
	for id := range m.members[conversationID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) IsMember(conversationID, userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[conversationID][userID]
	return ok
}

// Broadcast queues frame on every socket of every member of the
// conversation, including the originator. It returns the number of sockets
// that accepted the frame.
func (m *Manager) Broadcast(conversationID int64, frame []byte) int {
	m.mu.RLock()
	var targets []Peer
	for userID := range m.members[conversationID] {
		for _, p := range m.peers[userID] {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if p.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Connections returns the number of registered sockets.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns
}

// Online returns the number of users with at least one socket.
func (m *Manager) Online() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
