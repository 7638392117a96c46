// Package presence tracks which connections have joined which boards and
// whether each member is active or idle.
package presence

import (
	"sort"
	"sync"
	"time"

	"board-hub/domain"
)

// ActivityState is a member's self-reported attention on a board.
type ActivityState string

const (
	Active ActivityState = "active"
	Idle   ActivityState = "idle"
)

// ParseActivity validates a client-supplied state.
func ParseActivity(s string) (ActivityState, error) {
	switch ActivityState(s) {
	case Active, Idle:
		return ActivityState(s), nil
	}
	return "", domain.ErrInvalidActivityState
}

// Manager is the many-to-many connection/board registry.
type Manager struct {
	boardExists func(boardID string) bool
	now         func() time.Time

	mu      sync.RWMutex
	byBoard map[string]map[string]*domain.Member
	byConn  map[string]map[string]struct{}
}

// NewManager creates a manager; boardExists guards Join.
func NewManager(boardExists func(boardID string) bool) *Manager {
	return &Manager{
		boardExists: boardExists,
		now:         time.Now,
		byBoard:     make(map[string]map[string]*domain.Member),
		byConn:      make(map[string]map[string]struct{}),
	}
}

// Join adds conn to board. It returns false if the board is unknown; joining
// twice is a no-op that still reports true.
func (m *Manager) Join(connID, actor, boardID string) bool {
	if m.boardExists != nil && !m.boardExists(boardID) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.byBoard[boardID]
	if !ok {
		members = make(map[string]*domain.Member)
		m.byBoard[boardID] = members
	}
	if _, joined := members[connID]; !joined {
		members[connID] = &domain.Member{ConnectionID: connID, Actor: actor, Activity: string(Active), Since: m.now().UTC()}
	}
	boards, ok := m.byConn[connID]
	if !ok {
		boards = make(map[string]struct{})
		m.byConn[connID] = boards
	}
	boards[boardID] = struct{}{}
	return true
}

// Leave removes conn from board and reports whether it was a member.
func (m *Manager) Leave(connID, boardID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(connID, boardID)
}

func (m *Manager) leaveLocked(connID, boardID string) bool {
	members, ok := m.byBoard[boardID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.byBoard, boardID)
	}
	if boards, ok := m.byConn[connID]; ok {
		delete(boards, boardID)
		if len(boards) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// Disconnect leaves every board and returns the boards that were left.
func (m *Manager) Disconnect(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for boardID := range m.byConn[connID] {
		left = append(left, boardID)
	}
	sort.Strings(left)
	for _, boardID := range left {
		m.leaveLocked(connID, boardID)
	}
	return left
}

// SetActivity records state, and when it was reported, for a joined connection.
func (m *Manager) SetActivity(connID, boardID string, state ActivityState) error {
	if state != Active && state != Idle {
		return domain.ErrInvalidActivityState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.byBoard[boardID][connID]
	if !ok {
		return domain.ErrNotJoined
	}
	member.Activity = string(state)
	member.Since = m.now().UTC()
	return nil
}

// IsMember reports whether conn has joined board.
func (m *Manager) IsMember(connID, boardID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byBoard[boardID][connID]
	return ok
}

// MembersOf lists the connections joined to board.
func (m *Manager) MembersOf(boardID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byBoard[boardID]))
	for id := range m.byBoard[boardID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members lists the members of board with their activity, ordered by
// connection id.
func (m *Manager) Members(boardID string) []domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Member, 0, len(m.byBoard[boardID]))
	for _, member := range m.byBoard[boardID] {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}
