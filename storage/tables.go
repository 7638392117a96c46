package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-hub/domain"
	"board-hub/ordering"
)

// maxRebalanceRows leaves room for the column row in a 100-action batch.
const maxRebalanceRows = 99

const (
	kindTask   = "task"
	kindColumn = "column"
)

// TableStore keeps positions in an Azure table. A board is one partition.
// Besides one row per task, every column has a row whose ETag guards the
// column's membership: each write that adds, moves or removes a task in a
// column rewrites that row conditionally in the same entity group
// transaction, so a concurrent change to the column fails the whole batch.
type TableStore struct {
	client *aztables.Client
	now    func() time.Time
}

// NewTableStore connects to the positions table.
func NewTableStore(connStr, table string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 10,
				RetryDelay:    time.Millisecond * 200,
				MaxRetryDelay: time.Second * 2,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{client: svc.NewClient(table), now: time.Now}, nil
}

type positionEntity struct {
	aztables.Entity
	Kind      string  `json:"Kind"`
	TaskID    string  `json:"TaskID,omitempty"`
	ColumnID  string  `json:"ColumnID"`
	OrderKey  string  `json:"OrderKey,omitempty"`
	Swimlane  *string `json:"Swimlane,omitempty"`
	Version   int     `json:"Version,omitempty"`
	UpdatedAt string  `json:"UpdatedAt,omitempty"`
	UpdatedBy string  `json:"UpdatedBy,omitempty"`
	Count     int     `json:"Count"`
	ETag      string  `json:"odata.etag,omitempty"`
}

func taskRowKey(taskID string) string     { return "task:" + url.QueryEscape(taskID) }
func columnRowKey(columnID string) string { return "col:" + url.QueryEscape(columnID) }

func quoteFilter(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func encodeTask(p domain.TaskPosition) positionEntity {
	return positionEntity{
		Entity:    aztables.Entity{PartitionKey: p.BoardID, RowKey: taskRowKey(p.TaskID)},
		Kind:      kindTask,
		TaskID:    p.TaskID,
		ColumnID:  p.ColumnID,
		OrderKey:  p.OrderKey.String(),
		Swimlane:  p.Swimlane,
		Version:   int(p.Version),
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedBy: p.UpdatedBy,
	}
}

func decodeTask(data []byte) (domain.TaskPosition, azcore.ETag, error) {
	var ent positionEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.TaskPosition{}, "", err
	}
	if ent.Kind != kindTask {
		return domain.TaskPosition{}, "", fmt.Errorf("row %s is not a task row", ent.RowKey)
	}
	key, err := ordering.Parse(ent.OrderKey)
	if err != nil {
		return domain.TaskPosition{}, "", err
	}
	at, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
	if err != nil {
		return domain.TaskPosition{}, "", err
	}
	return domain.TaskPosition{
		TaskID:    ent.TaskID,
		BoardID:   ent.PartitionKey,
		ColumnID:  ent.ColumnID,
		OrderKey:  key,
		Swimlane:  ent.Swimlane,
		Version:   int64(ent.Version),
		UpdatedAt: at,
		UpdatedBy: ent.UpdatedBy,
	}, azcore.ETag(ent.ETag), nil
}

func marshalEntity(ent positionEntity) ([]byte, error) {
	ent.ETag = ""
	return json.Marshal(ent)
}

type columnRow struct {
	id    string
	count int
	etag  azcore.ETag
	found bool
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func tableErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if statusOf(err) == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", domain.ErrContention, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func conflicted(err error) bool {
	code := statusOf(err)
	return code == http.StatusConflict || code == http.StatusPreconditionFailed
}

func (s *TableStore) getTask(ctx context.Context, taskID, boardID string) (domain.TaskPosition, azcore.ETag, error) {
	resp, err := s.client.GetEntity(ctx, boardID, taskRowKey(taskID), nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return domain.TaskPosition{}, "", domain.ErrNotPlaced
		}
		return domain.TaskPosition{}, "", tableErr(err)
	}
	p, _, err := decodeTask(resp.Value)
	if err != nil {
		return domain.TaskPosition{}, "", err
	}
	return p, resp.ETag, nil
}

func (s *TableStore) getColumn(ctx context.Context, boardID, columnID string) (columnRow, error) {
	resp, err := s.client.GetEntity(ctx, boardID, columnRowKey(columnID), nil)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return columnRow{id: columnID}, nil
		}
		return columnRow{}, tableErr(err)
	}
	var ent positionEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return columnRow{}, err
	}
	return columnRow{id: columnID, count: ent.Count, etag: resp.ETag, found: true}, nil
}

// columnAction rewrites a column row with a new count under its ETag, or
// inserts it if it has never been written.
func columnAction(boardID string, col columnRow, count int) (aztables.TransactionAction, error) {
	payload, err := marshalEntity(positionEntity{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: columnRowKey(col.id)},
		Kind:     kindColumn,
		ColumnID: col.id,
		Count:    count,
	})
	if err != nil {
		return aztables.TransactionAction{}, err
	}
	if !col.found {
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}, nil
	}
	etag := col.etag
	return aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag}, nil
}

func (s *TableStore) Get(ctx context.Context, taskID, boardID string) (domain.TaskPosition, error) {
	p, _, err := s.getTask(ctx, taskID, boardID)
	return p, err
}

func (s *TableStore) ListByColumn(ctx context.Context, boardID, columnID string) ([]domain.TaskPosition, error) {
	filter := fmt.Sprintf("PartitionKey eq %s and Kind eq '%s' and ColumnID eq %s", quoteFilter(boardID), kindTask, quoteFilter(columnID))
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rows := []domain.TaskPosition{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tableErr(err)
		}
		for _, e := range resp.Entities {
			p, _, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			rows = append(rows, p)
		}
	}
	domain.SortPositions(rows)
	return rows, nil
}

func (s *TableStore) Place(ctx context.Context, req domain.StorePlace) (domain.TaskPosition, error) {
	if _, _, err := s.getTask(ctx, req.TaskID, req.BoardID); err == nil {
		return domain.TaskPosition{}, domain.ErrAlreadyPlaced
	} else if !errors.Is(err, domain.ErrNotPlaced) {
		return domain.TaskPosition{}, err
	}
	col, err := s.getColumn(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	column, err := s.ListByColumn(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	if err := admit(column, req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
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
	payload, err := marshalEntity(encodeTask(p))
	if err != nil {
		return domain.TaskPosition{}, err
	}
	colAction, err := columnAction(req.BoardID, col, len(column)+1)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeAdd, Entity: payload},
		colAction,
	}
	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		if !conflicted(err) {
			return domain.TaskPosition{}, tableErr(err)
		}
		if _, _, gerr := s.getTask(ctx, req.TaskID, req.BoardID); gerr == nil {
			return domain.TaskPosition{}, domain.ErrAlreadyPlaced
		}
		return domain.TaskPosition{}, domain.ErrOrderKeyTaken
	}
	return p, nil
}

func (s *TableStore) CommitMove(ctx context.Context, req domain.CommitRequest) (domain.TaskPosition, error) {
	cur, etag, err := s.getTask(ctx, req.TaskID, req.BoardID)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	if cur.Version != req.ExpectedVersion {
		return domain.TaskPosition{}, &domain.VersionConflictError{Expected: req.ExpectedVersion, Current: cur}
	}
	target, err := s.getColumn(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	column, err := s.ListByColumn(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	if err := admit(column, req.ColumnID, req.TaskID, req.Swimlane, req.OrderKey, req.WIPLimit); err != nil {
		return domain.TaskPosition{}, err
	}

	next := cur
	next.ColumnID = req.ColumnID
	next.OrderKey = req.OrderKey
	next.Swimlane = cloneLane(req.Swimlane)
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()
	next.UpdatedBy = req.Actor
	payload, err := marshalEntity(encodeTask(next))
	if err != nil {
		return domain.TaskPosition{}, err
	}
	actions := []aztables.TransactionAction{{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag}}

	targetCount := len(column)
	if cur.ColumnID != req.ColumnID {
		targetCount++
		source, err := s.getColumn(ctx, req.BoardID, cur.ColumnID)
		if err != nil {
			return domain.TaskPosition{}, err
		}
		sourceAction, err := columnAction(req.BoardID, source, max(source.count-1, 0))
		if err != nil {
			return domain.TaskPosition{}, err
		}
		actions = append(actions, sourceAction)
	}
	targetAction, err := columnAction(req.BoardID, target, targetCount)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	actions = append(actions, targetAction)

	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		if !conflicted(err) {
			return domain.TaskPosition{}, tableErr(err)
		}
		latest, _, gerr := s.getTask(ctx, req.TaskID, req.BoardID)
		if gerr != nil {
			return domain.TaskPosition{}, gerr
		}
		if latest.Version != req.ExpectedVersion {
			return domain.TaskPosition{}, &domain.VersionConflictError{Expected: req.ExpectedVersion, Current: latest}
		}
		return domain.TaskPosition{}, domain.ErrOrderKeyTaken
	}
	return next, nil
}

func (s *TableStore) Remove(ctx context.Context, taskID, boardID string) (bool, error) {
	cur, etag, err := s.getTask(ctx, taskID, boardID)
	if errors.Is(err, domain.ErrNotPlaced) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	col, err := s.getColumn(ctx, boardID, cur.ColumnID)
	if err != nil {
		return false, err
	}
	payload, err := marshalEntity(encodeTask(cur))
	if err != nil {
		return false, err
	}
	colAction, err := columnAction(boardID, col, max(col.count-1, 0))
	if err != nil {
		return false, err
	}
	actions := []aztables.TransactionAction{
		{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: &etag},
		colAction,
	}
	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return false, nil
		}
		if conflicted(err) {
			return false, fmt.Errorf("%w: remove %s raced with a concurrent write", domain.ErrContention, taskID)
		}
		return false, tableErr(err)
	}
	return true, nil
}

func (s *TableStore) Rebalance(ctx context.Context, req domain.RebalanceRequest) ([]domain.TaskPosition, error) {
	col, err := s.getColumn(ctx, req.BoardID, req.ColumnID)
	if err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("PartitionKey eq %s and Kind eq '%s' and ColumnID eq %s", quoteFilter(req.BoardID), kindTask, quoteFilter(req.ColumnID))
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var column []domain.TaskPosition
	etags := map[string]azcore.ETag{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tableErr(err)
		}
		for _, e := range resp.Entities {
			p, etag, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			column = append(column, p)
			etags[p.TaskID] = etag
		}
	}
	group := lane(column, req.Swimlane)
	if len(group) > maxRebalanceRows {
		return nil, fmt.Errorf("%w: rebalance of %d rows exceeds one batch", domain.ErrUnavailable, len(group))
	}
	colAction, err := columnAction(req.BoardID, col, len(column))
	if err != nil {
		return nil, err
	}
	actions := []aztables.TransactionAction{colAction}
	keys := ordering.Spaced(len(group))
	now := s.now().UTC()
	for i := range group {
		group[i].OrderKey = keys[i]
		group[i].Version++
		group[i].UpdatedAt = now
		group[i].UpdatedBy = req.Actor
		payload, err := marshalEntity(encodeTask(group[i]))
		if err != nil {
			return nil, err
		}
		etag := etags[group[i].TaskID]
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag})
	}
	if _, err := s.client.SubmitTransaction(ctx, actions, nil); err != nil {
		if conflicted(err) {
			return nil, fmt.Errorf("%w: rebalance raced with a concurrent write", domain.ErrContention)
		}
		return nil, tableErr(err)
	}
	return group, nil
}
