package domain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"board-hub/ordering"

	log "github.com/sirupsen/logrus"
)

const defaultKeyAttempts = 3

// MoveService validates and commits position changes. It holds no position
// state of its own; the store's conditional write is the commit point and
// every check made here is repeated by the store atomically.
type MoveService struct {
	store       PositionStore
	boards      BoardCatalog
	cache       SnapshotCache
	keyAttempts int
	// writes counts local evictions so a snapshot read across a write is
	// not cached.
	writes atomic.Uint64
}

// NewMoveService wires a store and a board catalog.
func NewMoveService(store PositionStore, boards BoardCatalog) *MoveService {
	return &MoveService{store: store, boards: boards, keyAttempts: defaultKeyAttempts}
}

// WithSnapshotCache makes CachedSnapshot serve from c and evicts it on every write.
func (s *MoveService) WithSnapshotCache(c SnapshotCache) *MoveService {
	s.cache = c
	return s
}

func (s *MoveService) column(ctx context.Context, boardID, columnID string) (Column, error) {
	cols, err := s.boards.GetBoardColumns(ctx, boardID)
	if err != nil {
		return Column{}, err
	}
	cfg := BoardConfig{ID: boardID, Columns: cols}
	col, ok := cfg.Column(columnID)
	if !ok {
		return Column{}, fmt.Errorf("%w: %s on board %s", ErrUnknownColumn, columnID, boardID)
	}
	return col, nil
}

// ProposeMove validates req against the current board state and commits it.
// It does not wait or retry on a version mismatch: the caller's view is stale
// and the error carries the authoritative row.
func (s *MoveService) ProposeMove(ctx context.Context, req MoveRequest) (MoveResult, error) {
	col, err := s.column(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return MoveResult{}, err
	}
	cur, err := s.store.Get(ctx, req.TaskID, req.BoardID)
	if err != nil {
		return MoveResult{}, err
	}
	if cur.Version != req.ExpectedVersion {
		return MoveResult{}, &VersionConflictError{Expected: req.ExpectedVersion, Current: cur}
	}
	swimlane := resolveSwimlane(col, req.Swimlane, cur.Swimlane)
	expected := req.ExpectedVersion

	var rebalanced []TaskPosition
	rebalancedOnce := false
	for attempt := 0; attempt < s.keyAttempts; {
		occupants, err := s.store.ListByColumn(ctx, req.BoardID, col.ID)
		if err != nil {
			return MoveResult{Rebalanced: rebalanced}, err
		}
		if err := checkWIP(col, occupants, req.TaskID); err != nil {
			return MoveResult{Rebalanced: rebalanced}, err
		}
		key, err := allocateKey(groupOf(occupants, swimlane, req.TaskID), req.Neighbors)
		if errors.Is(err, ordering.ErrPrecisionExhausted) && !rebalancedOnce {
			rebalancedOnce = true
			rows, err := s.store.Rebalance(ctx, RebalanceRequest{BoardID: req.BoardID, ColumnID: col.ID, Swimlane: swimlane, Actor: req.Actor})
			if err != nil {
				return MoveResult{}, err
			}
			s.evict(ctx, req.BoardID)
			for _, r := range rows {
				if r.TaskID == req.TaskID && r.Version == expected+1 {
					expected = r.Version
					continue
				}
				rebalanced = mergeRow(rebalanced, r)
			}
			log.WithFields(log.Fields{"board": req.BoardID, "column": col.ID, "rows": len(rows)}).Info("Rebalanced order keys")
			continue
		}
		if err != nil {
			return MoveResult{Rebalanced: rebalanced}, err
		}

		pos, err := s.store.CommitMove(ctx, CommitRequest{
			TaskID:          req.TaskID,
			BoardID:         req.BoardID,
			ColumnID:        col.ID,
			OrderKey:        key,
			Swimlane:        swimlane,
			ExpectedVersion: expected,
			Actor:           req.Actor,
			WIPLimit:        col.WIPLimit,
		})
		if errors.Is(err, ErrOrderKeyTaken) {
			attempt++
			log.Debugf("Order key %s taken in %s/%s, reallocating", key, req.BoardID, col.ID)
			continue
		}
		if err != nil {
			var conflict *VersionConflictError
			if errors.As(err, &conflict) {
				conflict.Expected = req.ExpectedVersion
			}
			return MoveResult{Rebalanced: rebalanced}, err
		}
		s.evict(ctx, req.BoardID)
		return MoveResult{Position: pos, From: cur, Rebalanced: rebalanced}, nil
	}
	return MoveResult{Rebalanced: rebalanced}, fmt.Errorf("allocate order key for task %s: %w", req.TaskID, ErrContention)
}

// Place puts a task that is not yet on the board into a column.
func (s *MoveService) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	col, err := s.column(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return PlaceResult{}, err
	}
	swimlane := resolveSwimlane(col, req.Swimlane, nil)
	var rebalanced []TaskPosition
	rebalancedOnce := false
	for attempt := 0; attempt < s.keyAttempts; {
		occupants, err := s.store.ListByColumn(ctx, req.BoardID, col.ID)
		if err != nil {
			return PlaceResult{Rebalanced: rebalanced}, err
		}
		if err := checkWIP(col, occupants, req.TaskID); err != nil {
			return PlaceResult{Rebalanced: rebalanced}, err
		}
		key, err := allocateKey(groupOf(occupants, swimlane, req.TaskID), req.Neighbors)
		if errors.Is(err, ordering.ErrPrecisionExhausted) && !rebalancedOnce {
			rebalancedOnce = true
			rows, err := s.store.Rebalance(ctx, RebalanceRequest{BoardID: req.BoardID, ColumnID: col.ID, Swimlane: swimlane, Actor: req.Actor})
			if err != nil {
				return PlaceResult{}, err
			}
			s.evict(ctx, req.BoardID)
			for _, r := range rows {
				rebalanced = mergeRow(rebalanced, r)
			}
			continue
		}
		if err != nil {
			return PlaceResult{Rebalanced: rebalanced}, err
		}
		pos, err := s.store.Place(ctx, StorePlace{
			TaskID:   req.TaskID,
			BoardID:  req.BoardID,
			ColumnID: col.ID,
			OrderKey: key,
			Swimlane: swimlane,
			Actor:    req.Actor,
			WIPLimit: col.WIPLimit,
		})
		if errors.Is(err, ErrOrderKeyTaken) {
			attempt++
			continue
		}
		if err != nil {
			return PlaceResult{Rebalanced: rebalanced}, err
		}
		s.evict(ctx, req.BoardID)
		return PlaceResult{Position: pos, Rebalanced: rebalanced}, nil
	}
	return PlaceResult{Rebalanced: rebalanced}, fmt.Errorf("allocate order key for task %s: %w", req.TaskID, ErrContention)
}

// Remove takes a task off a board. Removing an absent task is not an error.
func (s *MoveService) Remove(ctx context.Context, taskID, boardID string) (bool, error) {
	removed, err := s.store.Remove(ctx, taskID, boardID)
	if err != nil {
		return false, err
	}
	if removed {
		s.evict(ctx, boardID)
	}
	return removed, nil
}

// Snapshot reads every position on a board straight from the store.
func (s *MoveService) Snapshot(ctx context.Context, boardID string) (BoardSnapshot, error) {
	cols, err := s.boards.GetBoardColumns(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	snap := BoardSnapshot{BoardID: boardID, Columns: cols, Tasks: []TaskPosition{}}
	for _, c := range cols {
		rows, err := s.store.ListByColumn(ctx, boardID, c.ID)
		if err != nil {
			return BoardSnapshot{}, err
		}
		snap.Tasks = append(snap.Tasks, rows...)
	}
	return snap, nil
}

// CachedSnapshot is Snapshot served from the cache when possible. A snapshot
// read while this service committed a write is returned but not cached.
// Writes committed by other instances during the read can leave it cached
// until the cache TTL.
func (s *MoveService) CachedSnapshot(ctx context.Context, boardID string) (BoardSnapshot, error) {
	if s.cache != nil {
		if snap, ok := s.cache.Load(ctx, boardID); ok {
			return snap, nil
		}
	}
	gen := s.writes.Load()
	snap, err := s.Snapshot(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	if s.cache != nil && s.writes.Load() == gen {
		s.cache.Store(ctx, snap)
	}
	return snap, nil
}

func (s *MoveService) evict(ctx context.Context, boardID string) {
	s.writes.Add(1)
	if s.cache != nil {
		s.cache.Evict(ctx, boardID)
	}
}

func resolveSwimlane(col Column, requested, current *string) *string {
	if col.SwimlaneMode == "" || col.SwimlaneMode == SwimlaneNone {
		return nil
	}
	if requested != nil {
		return requested
	}
	return current
}

// checkWIP rejects when the column, not counting the moving task, is full.
func checkWIP(col Column, occupants []TaskPosition, taskID string) error {
	if !col.HasWIPLimit() {
		return nil
	}
	others := 0
	for _, p := range occupants {
		if p.TaskID != taskID {
			others++
		}
	}
	if others >= col.WIPLimit {
		return &WipLimitExceededError{ColumnID: col.ID, Limit: col.WIPLimit, Current: others}
	}
	return nil
}

// groupOf returns the rows of one swimlane in key order, without taskID.
func groupOf(occupants []TaskPosition, swimlane *string, taskID string) []TaskPosition {
	group := make([]TaskPosition, 0, len(occupants))
	for _, p := range occupants {
		if p.TaskID != taskID && SameSwimlane(p.Swimlane, swimlane) {
			group = append(group, p)
		}
	}
	SortPositions(group)
	return group
}

func allocateKey(group []TaskPosition, n Neighbors) (ordering.Key, error) {
	index := func(id string) int {
		for i, p := range group {
			if p.TaskID == id {
				return i
			}
		}
		return -1
	}
	var lo, hi *ordering.Key
	switch {
	case n.AfterTaskID != "":
		i := index(n.AfterTaskID)
		if i < 0 {
			return ordering.Key{}, fmt.Errorf("%w: %s", ErrNeighborNotFound, n.AfterTaskID)
		}
		k := group[i].OrderKey
		lo = &k
		if n.BeforeTaskID != "" {
			j := index(n.BeforeTaskID)
			if j < 0 {
				return ordering.Key{}, fmt.Errorf("%w: %s", ErrNeighborNotFound, n.BeforeTaskID)
			}
			if j <= i {
				return ordering.Key{}, fmt.Errorf("%w: %s does not sit below %s", ErrNeighborNotFound, n.BeforeTaskID, n.AfterTaskID)
			}
			k := group[j].OrderKey
			hi = &k
			// Rows inserted between the two neighbours since the client
			// rendered them raise the lower bound to the row just above hi.
			if j > i+1 {
				k := group[j-1].OrderKey
				lo = &k
			}
		} else if i+1 < len(group) {
			k := group[i+1].OrderKey
			hi = &k
		}
	case n.BeforeTaskID != "":
		j := index(n.BeforeTaskID)
		if j < 0 {
			return ordering.Key{}, fmt.Errorf("%w: %s", ErrNeighborNotFound, n.BeforeTaskID)
		}
		k := group[j].OrderKey
		hi = &k
		if j > 0 {
			k := group[j-1].OrderKey
			lo = &k
		}
	case len(group) > 0:
		k := group[len(group)-1].OrderKey
		lo = &k
	}
	return ordering.Between(lo, hi)
}

func mergeRow(rows []TaskPosition, r TaskPosition) []TaskPosition {
	for i := range rows {
		if rows[i].TaskID == r.TaskID {
			rows[i] = r
			return rows
		}
	}
	return append(rows, r)
}
