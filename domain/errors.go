package domain

import (
	"context"
	"errors"
	"fmt"
)

// Validation errors. They are caller mistakes and are never retried.
var (
	ErrUnknownBoard         = errors.New("unknown board")
	ErrUnknownColumn        = errors.New("unknown column")
	ErrInvalidActivityState = errors.New("invalid activity state")
	ErrNeighborNotFound     = errors.New("neighbor task is not in the target group")
	ErrNotJoined            = errors.New("connection has not joined the board")
	ErrUnauthorized         = errors.New("unauthorized")
)

// Store outcomes.
var (
	ErrAlreadyPlaced = errors.New("task already placed on board")
	ErrNotPlaced     = errors.New("task is not placed on board")
	ErrOrderKeyTaken = errors.New("order key already taken in group")
)

// Transient infrastructure errors. Stores wrap backend failures with these.
var (
	ErrUnavailable = errors.New("position store unavailable")
	ErrContention  = errors.New("position store contention")
)

// VersionConflictError is returned when the stored version differs from the
// version the caller last saw. Current is the authoritative row.
type VersionConflictError struct {
	Expected int64
	Current  TaskPosition
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on task %s: expected %d, current %d", e.Current.TaskID, e.Expected, e.Current.Version)
}

// WipLimitExceededError is returned when a column is already at its limit.
type WipLimitExceededError struct {
	ColumnID string
	Limit    int
	Current  int
}

func (e *WipLimitExceededError) Error() string {
	return fmt.Sprintf("wip limit exceeded in column %s: limit %d, current %d", e.ColumnID, e.Limit, e.Current)
}

// IsTransient reports whether err is an infrastructure failure worth one retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrContention) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Reject reasons reported to clients.
const (
	ReasonWipLimitExceeded = "WipLimitExceeded"
	ReasonVersionConflict  = "VersionConflict"
	ReasonUnknownColumn    = "UnknownColumn"
	ReasonUnknownBoard     = "UnknownBoard"
	ReasonNeighborNotFound = "NeighborNotFound"
	ReasonNotPlaced        = "NotPlaced"
	ReasonAlreadyPlaced    = "AlreadyPlaced"
	ReasonUnavailable      = "Unavailable"
	ReasonInternal         = "Internal"
)

// Rejection converts an error from the move path into a client-facing rejection.
func Rejection(taskID, boardID string, err error) MoveRejected {
	rej := MoveRejected{TaskID: taskID, BoardID: boardID, Details: err.Error()}
	var conflict *VersionConflictError
	var wip *WipLimitExceededError
	switch {
	case errors.As(err, &conflict):
		rej.Reason = ReasonVersionConflict
		cur := conflict.Current
		rej.Current = &cur
	case errors.As(err, &wip):
		rej.Reason = ReasonWipLimitExceeded
		rej.Limit = wip.Limit
		rej.CurrentCount = wip.Current
	case errors.Is(err, ErrUnknownColumn):
		rej.Reason = ReasonUnknownColumn
	case errors.Is(err, ErrUnknownBoard):
		rej.Reason = ReasonUnknownBoard
	case errors.Is(err, ErrNeighborNotFound):
		rej.Reason = ReasonNeighborNotFound
	case errors.Is(err, ErrNotPlaced):
		rej.Reason = ReasonNotPlaced
	case errors.Is(err, ErrAlreadyPlaced):
		rej.Reason = ReasonAlreadyPlaced
	case IsTransient(err):
		rej.Reason = ReasonUnavailable
	default:
		rej.Reason = ReasonInternal
	}
	return rej
}
