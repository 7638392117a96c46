package domain

import (
	"sort"
	"time"

	"board-hub/ordering"
)

// SwimlaneMode names the task attribute a board groups its rows by.
type SwimlaneMode string

// SwimlaneNone disables swimlane grouping.
const SwimlaneNone SwimlaneMode = "none"

// Column is a board column as served by the board configuration store.
type Column struct {
	ID           string       `json:"id"`
	Position     int          `json:"position"`
	WIPLimit     int          `json:"wipLimit,omitempty"`
	SwimlaneMode SwimlaneMode `json:"swimlaneMode"`
}

// HasWIPLimit reports whether the column caps its occupancy.
func (c Column) HasWIPLimit() bool { return c.WIPLimit > 0 }

// BoardConfig is the read-only view of a board used for a single request.
type BoardConfig struct {
	ID           string
	SwimlaneMode SwimlaneMode
	Columns      []Column
}

// Column looks up a column by id.
func (b BoardConfig) Column(id string) (Column, bool) {
	for _, c := range b.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Grouped reports whether the board uses swimlanes.
func (b BoardConfig) Grouped() bool {
	return b.SwimlaneMode != "" && b.SwimlaneMode != SwimlaneNone
}

// TaskPosition places one task on one board.
type TaskPosition struct {
	TaskID    string       `json:"taskId"`
	BoardID   string       `json:"boardId"`
	ColumnID  string       `json:"columnId"`
	OrderKey  ordering.Key `json:"orderKey"`
	Swimlane  *string      `json:"swimlane"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
	UpdatedBy string       `json:"updatedBy"`
}

// InGroup reports whether p lives in the given (column, swimlane) group.
func (p TaskPosition) InGroup(column string, swimlane *string) bool {
	return p.ColumnID == column && SameSwimlane(p.Swimlane, swimlane)
}

// SameSwimlane compares two optional swimlane values.
func SameSwimlane(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SortPositions orders rows by swimlane (ungrouped first) and then order key.
func SortPositions(rows []TaskPosition) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !SameSwimlane(a.Swimlane, b.Swimlane) {
			if a.Swimlane == nil {
				return true
			}
			if b.Swimlane == nil {
				return false
			}
			return *a.Swimlane < *b.Swimlane
		}
		return a.OrderKey.Less(b.OrderKey)
	})
}

// Neighbors names the tasks a moved task should land between. AfterTaskID
// will sit directly above the task (lower key) and BeforeTaskID directly
// below it (higher key).
type Neighbors struct {
	BeforeTaskID string `json:"beforeTask,omitempty"`
	AfterTaskID  string `json:"afterTask,omitempty"`
}

// MoveRequest is a client's proposal to move a task.
type MoveRequest struct {
	TaskID          string
	BoardID         string
	ColumnID        string
	Swimlane        *string
	Neighbors       Neighbors
	ExpectedVersion int64
	Actor           string
}

// MoveResult is a committed move plus what a broadcast needs.
type MoveResult struct {
	Position TaskPosition
	From     TaskPosition
	// Rebalanced holds other rows whose keys were rewritten to make room.
	Rebalanced []TaskPosition
}

// PlaceResult is a new placement plus the rows rebalanced to make room for it.
type PlaceResult struct {
	Position   TaskPosition
	Rebalanced []TaskPosition
}

// PlaceRequest puts a task on a board for the first time.
type PlaceRequest struct {
	TaskID    string
	BoardID   string
	ColumnID  string
	Swimlane  *string
	Neighbors Neighbors
	Actor     string
}

// StorePlace is the row a store creates on Place.
type StorePlace struct {
	TaskID   string
	BoardID  string
	ColumnID string
	OrderKey ordering.Key
	Swimlane *string
	Actor    string
	WIPLimit int
}

// CommitRequest is a conditional write of a new position.
type CommitRequest struct {
	TaskID          string
	BoardID         string
	ColumnID        string
	OrderKey        ordering.Key
	Swimlane        *string
	ExpectedVersion int64
	Actor           string
	WIPLimit        int
}

// RebalanceRequest rewrites every key of one (column, swimlane) group.
type RebalanceRequest struct {
	BoardID  string
	ColumnID string
	Swimlane *string
	Actor    string
}
