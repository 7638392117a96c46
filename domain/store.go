package domain

import "context"

// PositionStore is the durable home of task positions. Every mutation is a
// single conditional write: CommitMove succeeds only if the stored version
// equals ExpectedVersion, the order key is unused in the target group and the
// target column, excluding the task itself, holds fewer than WIPLimit rows.
// Implementations wrap backend failures with ErrUnavailable or ErrContention.
type PositionStore interface {
	Get(ctx context.Context, taskID, boardID string) (TaskPosition, error)
	ListByColumn(ctx context.Context, boardID, columnID string) ([]TaskPosition, error)
	Place(ctx context.Context, req StorePlace) (TaskPosition, error)
	CommitMove(ctx context.Context, req CommitRequest) (TaskPosition, error)
	Remove(ctx context.Context, taskID, boardID string) (bool, error)
	Rebalance(ctx context.Context, req RebalanceRequest) ([]TaskPosition, error)
}

// BoardCatalog serves board structure. It is owned elsewhere and read-only here.
type BoardCatalog interface {
	GetBoardColumns(ctx context.Context, boardID string) ([]Column, error)
	ColumnExists(ctx context.Context, boardID, columnID string) (bool, error)
}

// SnapshotCache holds recently served board snapshots.
type SnapshotCache interface {
	Load(ctx context.Context, boardID string) (BoardSnapshot, bool)
	Store(ctx context.Context, snap BoardSnapshot)
	Evict(ctx context.Context, boardID string)
}
