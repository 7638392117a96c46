package domain

import (
	"time"

	"board-hub/ordering"
)

// EventType tags every message pushed to a client.
type EventType string

const (
	EventMoveCommitted    EventType = "moveCommitted"
	EventMoveRejected     EventType = "moveRejected"
	EventDragStateChanged EventType = "dragStateChanged"
	EventBoardSnapshot    EventType = "boardSnapshot"
	EventTaskPlaced       EventType = "taskPlaced"
	EventTaskRemoved      EventType = "taskRemoved"
	EventPresenceChanged  EventType = "presenceChanged"
	EventResyncRequired   EventType = "resyncRequired"
)

// Transient reports whether events of this type may be dropped under
// backpressure. Committed state changes never are.
func (t EventType) Transient() bool {
	return t == EventDragStateChanged || t == EventPresenceChanged
}

// Envelope is the unit of fan-out: one event for one board.
type Envelope struct {
	Type    EventType `json:"type"`
	BoardID string    `json:"board,omitempty"`
	Payload any       `json:"payload"`
}

// MoveCommitted announces a durable position change.
type MoveCommitted struct {
	TaskID     string       `json:"task"`
	BoardID    string       `json:"board"`
	ColumnID   string       `json:"column"`
	OrderKey   ordering.Key `json:"orderKey"`
	Swimlane   *string      `json:"swimlane"`
	Version    int64        `json:"version"`
	FromColumn string       `json:"fromColumn,omitempty"`
	Actor      string       `json:"actor"`
}

// NewMoveCommitted builds the broadcast for a committed row.
func NewMoveCommitted(p TaskPosition, fromColumn string) MoveCommitted {
	return MoveCommitted{
		TaskID:     p.TaskID,
		BoardID:    p.BoardID,
		ColumnID:   p.ColumnID,
		OrderKey:   p.OrderKey,
		Swimlane:   p.Swimlane,
		Version:    p.Version,
		FromColumn: fromColumn,
		Actor:      p.UpdatedBy,
	}
}

// MoveRejected tells the caller why its move did not commit.
type MoveRejected struct {
	TaskID       string        `json:"task"`
	BoardID      string        `json:"board"`
	Reason       string        `json:"reason"`
	Details      string        `json:"details"`
	Limit        int           `json:"limit,omitempty"`
	CurrentCount int           `json:"current,omitempty"`
	Current      *TaskPosition `json:"currentPosition,omitempty"`
}

// DragState is the phase of a drag gesture.
type DragState string

const (
	DragStarted DragState = "start"
	DragUpdated DragState = "update"
	DragEnded   DragState = "end"
)

// DragStateChanged relays a drag gesture; it is never persisted.
type DragStateChanged struct {
	TaskID   string    `json:"task"`
	BoardID  string    `json:"board"`
	ColumnID string    `json:"column"`
	State    DragState `json:"state"`
	ByActor  string    `json:"byActor"`
}

// BoardSnapshot is the authoritative state of one board. Members is filled
// only for snapshots sent over a live connection.
type BoardSnapshot struct {
	BoardID string         `json:"board"`
	Columns []Column       `json:"columns"`
	Tasks   []TaskPosition `json:"tasks"`
	Members []Member       `json:"members,omitempty"`
}

// Member is one joined connection with its last reported activity.
type Member struct {
	ConnectionID string    `json:"connection"`
	Actor        string    `json:"actor"`
	Activity     string    `json:"activity"`
	Since        time.Time `json:"since"`
}

// TaskRemoved announces that a task left a board.
type TaskRemoved struct {
	TaskID  string `json:"task"`
	BoardID string `json:"board"`
	Actor   string `json:"actor,omitempty"`
}

// PresenceChanged announces joins, leaves and activity changes.
type PresenceChanged struct {
	BoardID      string    `json:"board"`
	ConnectionID string    `json:"connection"`
	Actor        string    `json:"actor"`
	Status       string    `json:"status"`
	At           time.Time `json:"at"`
}

// Presence statuses.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
	PresenceActive = "active"
	PresenceIdle   = "idle"
)

// ResyncRequired is the last message a connection gets before it is dropped
// for falling behind on committed events.
type ResyncRequired struct {
	Reason string `json:"reason"`
}
