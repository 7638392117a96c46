package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"board-hub/domain"
	"board-hub/ordering"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteSchema creates the positions table. It is idempotent.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS task_positions (
	board_id   TEXT    NOT NULL,
	task_id    TEXT    NOT NULL,
	column_id  TEXT    NOT NULL,
	order_key  TEXT    NOT NULL,
	swimlane   TEXT,
	version    INTEGER NOT NULL,
	updated_at TEXT    NOT NULL,
	updated_by TEXT    NOT NULL,
	PRIMARY KEY (board_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_task_positions_column ON task_positions (board_id, column_id);
`

const positionColumns = "task_id, board_id, column_id, order_key, swimlane, version, updated_at, updated_by"

// SQLiteStore persists positions in a single SQLite file. Every mutation runs
// in an immediate transaction, so the checks and the write of a conditional
// update see no interleaved writer.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open position database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies SQLiteSchema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("migrate position database: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (domain.TaskPosition, error) {
	var (
		p    domain.TaskPosition
		key  string
		at   string
		lane sql.NullString
	)
	if err := r.Scan(&p.TaskID, &p.BoardID, &p.ColumnID, &key, &lane, &p.Version, &at, &p.UpdatedBy); err != nil {
		return domain.TaskPosition{}, err
	}
	k, err := ordering.Parse(key)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	p.OrderKey = k
	if lane.Valid {
		v := lane.String
		p.Swimlane = &v
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return domain.TaskPosition{}, err
	}
	return p, nil
}

func laneArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// classify maps driver failures onto the transient error taxonomy.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%w: %v", domain.ErrContention, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func getPosition(ctx context.Context, q querier, taskID, boardID string) (domain.TaskPosition, error) {
	row := q.QueryRowContext(ctx, "SELECT "+positionColumns+" FROM task_positions WHERE board_id = ? AND task_id = ?", boardID, taskID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskPosition{}, domain.ErrNotPlaced
	}
	if err != nil {
		return domain.TaskPosition{}, classify(err)
	}
	return p, nil
}

func listColumn(ctx context.Context, q querier, boardID, columnID string) ([]domain.TaskPosition, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+positionColumns+" FROM task_positions WHERE board_id = ? AND column_id = ?", boardID, columnID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := []domain.TaskPosition{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	domain.SortPositions(out)
	return out, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return classify(tx.Commit())
}

func (s *SQLiteStore) Get(ctx context.Context, taskID, boardID string) (domain.TaskPosition, error) {
	return getPosition(ctx, s.db, taskID, boardID)
}

func (s *SQLiteStore) ListByColumn(ctx context.Context, boardID, columnID string) ([]domain.TaskPosition, error) {
	return listColumn(ctx, s.db, boardID, columnID)
}

func (s *SQLiteStore) Place(ctx context.Context, req domain.StorePlace) (domain.TaskPosition, error) {
	var out domain.TaskPosition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getPosition(ctx, tx, req.TaskID, req.BoardID); err == nil {
			return domain.ErrAlreadyPlaced
		} else if !errors.Is(err, domain.ErrNotPlaced) {
			return err
		}
		column, err := listColumn(ctx, tx, req.BoardID, req.ColumnID)
		if err != nil {
			return err
		}
		if err := admit(column, req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
			return err
		}
		out = domain.TaskPosition{
			TaskID:    req.TaskID,
			BoardID:   req.BoardID,
			ColumnID:  req.ColumnID,
			OrderKey:  req.OrderKey,
			Swimlane:  cloneLane(req.Swimlane),
			Version:   1,
			UpdatedAt: s.now().UTC(),
			UpdatedBy: req.Actor,
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO task_positions ("+positionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			out.TaskID, out.BoardID, out.ColumnID, out.OrderKey.String(), laneArg(out.Swimlane), out.Version, out.UpdatedAt.Format(time.RFC3339Nano), out.UpdatedBy)
		return classify(err)
	})
	return out, err
}

func (s *SQLiteStore) CommitMove(ctx context.Context, req domain.CommitRequest) (domain.TaskPosition, error) {
	var out domain.TaskPosition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getPosition(ctx, tx, req.TaskID, req.BoardID)
		if err != nil {
			return err
		}
		if cur.Version != req.ExpectedVersion {
			return &domain.VersionConflictError{Expected: req.ExpectedVersion, Current: cur}
		}
		column, err := listColumn(ctx, tx, req.BoardID, req.ColumnID)
		if err != nil {
			return err
		}
		if err := admit(column, req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
			return err
		}
		out = cur
		out.ColumnID = req.ColumnID
		out.OrderKey = req.OrderKey
		out.Swimlane = cloneLane(req.Swimlane)
		out.Version = cur.Version + 1
		out.UpdatedAt = s.now().UTC()
		out.UpdatedBy = req.Actor
		res, err := tx.ExecContext(ctx, `UPDATE task_positions
			SET column_id = ?, order_key = ?, swimlane = ?, version = ?, updated_at = ?, updated_by = ?
			WHERE board_id = ? AND task_id = ? AND version = ?`,
			out.ColumnID, out.OrderKey.String(), laneArg(out.Swimlane), out.Version, out.UpdatedAt.Format(time.RFC3339Nano), out.UpdatedBy,
			req.BoardID, req.TaskID, req.ExpectedVersion)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: conditional update matched %d rows", domain.ErrContention, n)
		}
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Remove(ctx context.Context, taskID, boardID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_positions WHERE board_id = ? AND task_id = ?", boardID, taskID)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Rebalance(ctx context.Context, req domain.RebalanceRequest) ([]domain.TaskPosition, error) {
	var group []domain.TaskPosition
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		column, err := listColumn(ctx, tx, req.BoardID, req.ColumnID)
		if err != nil {
			return err
		}
		group = lane(column, req.Swimlane)
		keys := ordering.Spaced(len(group))
		now := s.now().UTC()
		for i := range group {
			group[i].OrderKey = keys[i]
			group[i].Version++
			group[i].UpdatedAt = now
			group[i].UpdatedBy = req.Actor
			if _, err := tx.ExecContext(ctx, `UPDATE task_positions
				SET order_key = ?, version = ?, updated_at = ?, updated_by = ?
				WHERE board_id = ? AND task_id = ?`,
				group[i].OrderKey.String(), group[i].Version, now.Format(time.RFC3339Nano), req.Actor,
				req.BoardID, group[i].TaskID); err != nil {
				return classify(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}
