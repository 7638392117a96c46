// Package storage holds the position store backends and the snapshot cache.
package storage

import (
	"board-hub/domain"
	"board-hub/ordering"
)

// admit checks a row about to land in columnID against the rows already in
// that column: the key must be unused in its swimlane and the column, not
// counting taskID itself, must have room under wipLimit.
func admit(column []domain.TaskPosition, columnID, taskID string, swimlane *string, key ordering.Key, wipLimit int) error {
	others, taken := 0, false
	for _, p := range column {
		if p.TaskID == taskID {
			continue
		}
		others++
		if domain.SameSwimlane(p.Swimlane, swimlane) && p.OrderKey.Equal(key) {
			taken = true
		}
	}
	if wipLimit > 0 && others >= wipLimit {
		return &domain.WipLimitExceededError{ColumnID: columnID, Limit: wipLimit, Current: others}
	}
	if taken {
		return domain.ErrOrderKeyTaken
	}
	return nil
}

// lane returns the rows of column that share swimlane, in key order.
func lane(column []domain.TaskPosition, swimlane *string) []domain.TaskPosition {
	rows := []domain.TaskPosition{}
	for _, p := range column {
		if domain.SameSwimlane(p.Swimlane, swimlane) {
			rows = append(rows, p)
		}
	}
	domain.SortPositions(rows)
	return rows
}

func cloneLane(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
