package storage

import (
	"context"
	"sync"
	"time"

	"board-hub/domain"
	"board-hub/ordering"
)

// MemoryStore keeps positions in process. Each board is guarded by its own
// lock so that the checks of a conditional write and the write itself are
// atomic per board.
type MemoryStore struct {
	mu     sync.Mutex
	boards map[string]*memoryBoard
	now    func() time.Time
}

type memoryBoard struct {
	mu    sync.Mutex
	tasks map[string]domain.TaskPosition
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]*memoryBoard), now: time.Now}
}

// lookup returns the board without creating it.
func (s *MemoryStore) lookup(id string) (*memoryBoard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	return b, ok
}

// board returns the board, creating it for the first placement.
func (s *MemoryStore) board(id string) *memoryBoard {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		b = &memoryBoard{tasks: make(map[string]domain.TaskPosition)}
		s.boards[id] = b
	}
	return b
}

func (s *MemoryStore) Get(ctx context.Context, taskID, boardID string) (domain.TaskPosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskPosition{}, err
	}
	b, ok := s.lookup(boardID)
	if !ok {
		return domain.TaskPosition{}, domain.ErrNotPlaced
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.tasks[taskID]
	if !ok {
		return domain.TaskPosition{}, domain.ErrNotPlaced
	}
	return p, nil
}

func (s *MemoryStore) ListByColumn(ctx context.Context, boardID, columnID string) ([]domain.TaskPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := s.lookup(boardID)
	if !ok {
		return []domain.TaskPosition{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.column(columnID), nil
}

func (b *memoryBoard) column(columnID string) []domain.TaskPosition {
	rows := []domain.TaskPosition{}
	for _, p := range b.tasks {
		if p.ColumnID == columnID {
			rows = append(rows, p)
		}
	}
	domain.SortPositions(rows)
	return rows
}

func (s *MemoryStore) Place(ctx context.Context, req domain.StorePlace) (domain.TaskPosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskPosition{}, err
	}
	b := s.board(req.BoardID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[req.TaskID]; ok {
		return domain.TaskPosition{}, domain.ErrAlreadyPlaced
	}
	if err := admit(b.column(req.ColumnID), req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
		return domain.TaskPosition{}, err
	}
	p := domain.TaskPosition{
		TaskID:    req.TaskID,
		BoardID:   req.BoardID,
		ColumnID:  req.ColumnID,
		OrderKey:  req.OrderKey,
		Swimlane:  cloneLane(req.Swimlane),
		Version:   1,
		UpdatedAt: s.now().UTC(),
		UpdatedBy: req.Actor,
	}
	b.tasks[req.TaskID] = p
	return p, nil
}

func (s *MemoryStore) CommitMove(ctx context.Context, req domain.CommitRequest) (domain.TaskPosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskPosition{}, err
	}
	b, ok := s.lookup(req.BoardID)
	if !ok {
		return domain.TaskPosition{}, domain.ErrNotPlaced
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.tasks[req.TaskID]
	if !ok {
		return domain.TaskPosition{}, domain.ErrNotPlaced
	}
	if cur.Version != req.ExpectedVersion {
		return domain.TaskPosition{}, &domain.VersionConflictError{Expected: req.ExpectedVersion, Current: cur}
	}
	if err := admit(b.column(req.ColumnID), req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
		return domain.TaskPosition{}, err
	}
	next := cur
	next.ColumnID = req.ColumnID
	next.OrderKey = req.OrderKey
	next.Swimlane = cloneLane(req.Swimlane)
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = req.Actor
	b.tasks[req.TaskID] = next
	return next, nil
}

func (s *MemoryStore) Remove(ctx context.Context, taskID, boardID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b, ok := s.lookup(boardID)
	if !ok {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[taskID]; !ok {
		return false, nil
	}
	delete(b.tasks, taskID)
	return true, nil
}

func (s *MemoryStore) Rebalance(ctx context.Context, req domain.RebalanceRequest) ([]domain.TaskPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := s.lookup(req.BoardID)
	if !ok {
		return []domain.TaskPosition{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	group := lane(b.column(req.ColumnID), req.Swimlane)
	keys := ordering.Spaced(len(group))
	now := s.now().UTC()
	for i := range group {
		group[i].OrderKey = keys[i]
		group[i].Version++
		group[i].UpdatedAt = now
		group[i].UpdatedBy = req.Actor
		b.tasks[group[i].TaskID] = group[i]
	}
	return group, nil
}
