// Package hub fans board events out to connected clients. It owns
// connection registration, group membership through the presence manager,
// the proposeMove request path and per-connection backpressure.
package hub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
	"board-hub/presence"
)

// Handshake carries the credentials a client presented when connecting.
type Handshake struct {
	AuthHeader string
	Token      string
}

// Authenticator resolves a handshake to an actor id.
type Authenticator interface {
	Authenticate(ctx context.Context, h Handshake) (string, error)
}

// Mover is the position engine used by the hub.
type Mover interface {
	ProposeMove(ctx context.Context, req domain.MoveRequest) (domain.MoveResult, error)
	Place(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error)
	Remove(ctx context.Context, taskID, boardID string) (bool, error)
	Snapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
}

// Directory lists configured boards.
type Directory interface {
	BoardExists(boardID string) bool
	Boards() []string
}

// Publisher forwards durable board events to other hub instances.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope)
}

// Config tunes timeouts and queue sizes.
type Config struct {
	QueueSize    int
	MoveTimeout  time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	return c
}

// Hub is safe for concurrent use by any number of connections.
type Hub struct {
	cfg       Config
	auth      Authenticator
	mover     Mover
	boards    Directory
	presence  *presence.Manager
	logger    *log.Logger
	publisher Publisher

	mu    sync.RWMutex
	conns map[string]*Conn

	seqMu sync.Mutex
	seq   map[string]*boardSeq
}

// removedVersion marks a task whose removal was the last event announced.
const removedVersion = math.MaxInt64

// boardSeq orders the delivery of one board's events. Store calls never run
// under mu; only the enqueueing of already committed events does.
type boardSeq struct {
	mu sync.Mutex
	// versions holds the last announced version per task.
	versions map[string]int64
}

// advance reports whether version is newer than the last one announced for
// task and records it if so.
func (b *boardSeq) advance(taskID string, version int64) bool {
	if last, ok := b.versions[taskID]; ok && version <= last {
		return false
	}
	b.versions[taskID] = version
	return true
}

// New creates a hub.
func New(cfg Config, auth Authenticator, mover Mover, boards Directory, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		cfg:      cfg.withDefaults(),
		auth:     auth,
		mover:    mover,
		boards:   boards,
		presence: presence.NewManager(boards.BoardExists),
		logger:   logger,
		conns:    make(map[string]*Conn),
		seq:      make(map[string]*boardSeq),
	}
}

// SetPublisher installs the cross-instance relay.
func (h *Hub) SetPublisher(p Publisher) { h.publisher = p }

// Members lists who has joined a board and their last reported activity.
func (h *Hub) Members(boardID string) []domain.Member { return h.presence.Members(boardID) }

// Connect authenticates a client and registers its connection.
func (h *Hub) Connect(ctx context.Context, hs Handshake) (*Conn, error) {
	actor, err := h.auth.Authenticate(ctx, hs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	c := newConn(uuid.NewString(), actor, h.cfg.QueueSize)
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.logger.WithFields(log.Fields{"connection": c.ID, "actor": actor}).Debug("Connection registered")
	return c, nil
}

// Disconnect leaves every joined board and closes the connection.
func (h *Hub) Disconnect(c *Conn) {
	for _, boardID := range h.presence.Disconnect(c.ID) {
		h.announcePresence(c, boardID, domain.PresenceLeft)
	}
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	c.close()
	h.logger.WithFields(log.Fields{"connection": c.ID, "actor": c.Actor}).Debug("Connection closed")
}

// Join adds c to a board's group. Unknown boards yield false.
func (h *Hub) Join(c *Conn, boardID string) bool {
	if h.presence.IsMember(c.ID, boardID) {
		return true
	}
	if !h.presence.Join(c.ID, c.Actor, boardID) {
		return false
	}
	h.announcePresence(c, boardID, domain.PresenceJoined)
	return true
}

// Leave removes c from a board's group.
func (h *Hub) Leave(c *Conn, boardID string) bool {
	if !h.presence.Leave(c.ID, boardID) {
		return false
	}
	h.announcePresence(c, boardID, domain.PresenceLeft)
	return true
}

// SetActivity records and announces a member's activity.
func (h *Hub) SetActivity(c *Conn, boardID, state string) error {
	activity, err := presence.ParseActivity(state)
	if err != nil {
		return err
	}
	if err := h.presence.SetActivity(c.ID, boardID, activity); err != nil {
		return err
	}
	h.announcePresence(c, boardID, string(activity))
	return nil
}

// Drag relays a drag gesture to the rest of the group.
func (h *Hub) Drag(c *Conn, ev domain.DragStateChanged) error {
	if !h.presence.IsMember(c.ID, ev.BoardID) {
		return domain.ErrNotJoined
	}
	switch ev.State {
	case domain.DragStarted, domain.DragUpdated, domain.DragEnded:
	default:
		return fmt.Errorf("unknown drag state %q", ev.State)
	}
	ev.ByActor = c.Actor
	h.broadcast(ev.BoardID, c.ID, domain.Envelope{Type: domain.EventDragStateChanged, BoardID: ev.BoardID, Payload: ev})
	return nil
}

// ProposeMove commits a move and broadcasts it. The commit is bounded by
// MoveTimeout per attempt; transient store failures are retried once.
// Rejections are returned to the caller and never broadcast. c may be nil
// for callers that are not socket connections.
func (h *Hub) ProposeMove(ctx context.Context, c *Conn, req domain.MoveRequest) (domain.MoveResult, error) {
	origin := ""
	if c != nil {
		req.Actor = c.Actor
		origin = c.ID
	}
	ctx, metrics := startMoveMetrics(ctx, h.logger, req)

	var (
		res domain.MoveResult
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if werr := sleepCtx(ctx, retryDelay(h.cfg.RetryBackoff)); werr != nil {
				break
			}
		}
		metrics.ObserveAttempt()
		res, err = h.commitMove(ctx, origin, req)
		if err == nil || !domain.IsTransient(err) || ctx.Err() != nil {
			break
		}
		h.logger.WithError(err).WithFields(log.Fields{"board": req.BoardID, "task": req.TaskID}).Warn("Transient move failure, retrying")
	}
	metrics.ObserveResult(res)
	metrics.Finish(err)
	return res, err
}

// commitMove runs one attempt. The store call runs without any hub lock;
// only the announcement of its outcome is sequenced per board.
func (h *Hub) commitMove(ctx context.Context, origin string, req domain.MoveRequest) (domain.MoveResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, h.cfg.MoveTimeout)
	defer cancel()
	res, err := h.mover.ProposeMove(attemptCtx, req)

	seq := h.boardSeq(req.BoardID)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	h.announceRebalancedLocked(seq, req.BoardID, res.Rebalanced)
	if err != nil {
		return res, err
	}
	if seq.advance(res.Position.TaskID, res.Position.Version) {
		ev := domain.Envelope{Type: domain.EventMoveCommitted, BoardID: req.BoardID, Payload: domain.NewMoveCommitted(res.Position, res.From.ColumnID)}
		h.deliverLocked(req.BoardID, origin, ev, true)
	}
	return res, nil
}

// Place puts a task on a board and announces it, together with any rows
// rebalanced to make room, to every member.
func (h *Hub) Place(ctx context.Context, req domain.PlaceRequest) (domain.TaskPosition, error) {
	placeCtx, cancel := context.WithTimeout(ctx, h.cfg.MoveTimeout)
	defer cancel()
	res, err := h.mover.Place(placeCtx, req)

	seq := h.boardSeq(req.BoardID)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	h.announceRebalancedLocked(seq, req.BoardID, res.Rebalanced)
	if err != nil {
		return domain.TaskPosition{}, err
	}
	p := res.Position
	if last, ok := seq.versions[p.TaskID]; !ok || last == removedVersion || p.Version > last {
		seq.versions[p.TaskID] = p.Version
		h.deliverLocked(req.BoardID, "", domain.Envelope{Type: domain.EventTaskPlaced, BoardID: req.BoardID, Payload: p}, true)
	}
	return p, nil
}

// Remove takes a task off a board and announces it if it was there.
func (h *Hub) Remove(ctx context.Context, taskID, boardID, actor string) (bool, error) {
	removeCtx, cancel := context.WithTimeout(ctx, h.cfg.MoveTimeout)
	defer cancel()
	removed, err := h.mover.Remove(removeCtx, taskID, boardID)
	if err != nil || !removed {
		return removed, err
	}
	seq := h.boardSeq(boardID)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.versions[taskID] = removedVersion
	h.deliverLocked(boardID, "", domain.Envelope{
		Type:    domain.EventTaskRemoved,
		BoardID: boardID,
		Payload: domain.TaskRemoved{TaskID: taskID, BoardID: boardID, Actor: actor},
	}, true)
	return true, nil
}

// announceRebalancedLocked broadcasts rewritten rows to every member,
// including the originator of the write that caused them.
func (h *Hub) announceRebalancedLocked(seq *boardSeq, boardID string, rows []domain.TaskPosition) {
	for _, row := range rows {
		if !seq.advance(row.TaskID, row.Version) {
			continue
		}
		h.deliverLocked(boardID, "", domain.Envelope{Type: domain.EventMoveCommitted, BoardID: boardID, Payload: domain.NewMoveCommitted(row, row.ColumnID)}, true)
	}
}

// TaskDeleted removes a deleted task from every board it is placed on.
func (h *Hub) TaskDeleted(ctx context.Context, taskID string) error {
	var errs []error
	for _, boardID := range h.boards.Boards() {
		if _, err := h.Remove(ctx, taskID, boardID, ""); err != nil {
			errs = append(errs, fmt.Errorf("board %s: %w", boardID, err))
		}
	}
	return errors.Join(errs...)
}

// Resync queues the authoritative snapshot of a board for c.
func (h *Hub) Resync(ctx context.Context, c *Conn, boardID string) (domain.BoardSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.MoveTimeout)
	defer cancel()
	snap, err := h.mover.Snapshot(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	snap.Members = h.presence.Members(boardID)
	c.enqueue(domain.Envelope{Type: domain.EventBoardSnapshot, BoardID: boardID, Payload: snap})
	return snap, nil
}

// Deliver hands an event received from another instance to local members.
func (h *Hub) Deliver(env domain.Envelope) {
	seq := h.boardSeq(env.BoardID)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	h.deliverLocked(env.BoardID, "", env, false)
}

// Send queues an event for a single connection.
func (h *Hub) Send(c *Conn, env domain.Envelope) bool {
	return c.enqueue(env)
}

func (h *Hub) announcePresence(c *Conn, boardID, status string) {
	h.broadcast(boardID, c.ID, domain.Envelope{
		Type:    domain.EventPresenceChanged,
		BoardID: boardID,
		Payload: domain.PresenceChanged{BoardID: boardID, ConnectionID: c.ID, Actor: c.Actor, Status: status, At: time.Now().UTC()},
	})
}

func (h *Hub) broadcast(boardID, exclude string, env domain.Envelope) {
	seq := h.boardSeq(boardID)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	h.deliverLocked(boardID, exclude, env, false)
}

// deliverLocked enqueues env for every member except exclude without
// blocking. The caller holds the board's sequence lock. Durable events produced here are also
// handed to the publisher when publish is set.
func (h *Hub) deliverLocked(boardID, exclude string, env domain.Envelope, publish bool) {
	members := h.presence.MembersOf(boardID)
	h.mu.RLock()
	targets := make([]*Conn, 0, len(members))
	for _, id := range members {
		if id == exclude {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if !c.enqueue(env) && c.ResyncRequired() {
			h.logger.WithFields(log.Fields{"connection": c.ID, "board": boardID}).Warn("Outbound queue overflow, forcing resync")
		}
	}
	if publish && h.publisher != nil {
		h.publisher.Publish(context.Background(), env)
	}
}

func (h *Hub) boardSeq(boardID string) *boardSeq {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	b, ok := h.seq[boardID]
	if !ok {
		b = &boardSeq{versions: make(map[string]int64)}
		h.seq[boardID] = b
	}
	return b
}

// retryDelay returns base with +/-20% jitter.
func retryDelay(base time.Duration) time.Duration {
	jitter := 0.2 * float64(base)
	return time.Duration(float64(base) + (rand.Float64()-0.5)*2*jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
