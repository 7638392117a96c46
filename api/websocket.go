package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
	"board-hub/hub"
)

const writeTimeout = 10 * time.Second

// SocketConfig tunes the WebSocket transport.
type SocketConfig struct {
	PingInterval   time.Duration
	OriginPatterns []string
}

func serveSocket(h *hub.Hub, cfg SocketConfig, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		conn, err := h.Connect(r.Context(), hub.Handshake{
			AuthHeader: r.Header.Get(echo.HeaderAuthorization),
			Token:      c.QueryParam("token"),
		})
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		ws, err := websocket.Accept(c.Response(), r, &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns})
		if err != nil {
			h.Disconnect(conn)
			logger.WithError(err).Debug("WebSocket upgrade failed")
			return nil
		}
		ws.SetReadLimit(maxFrameSize)

		s := &session{hub: h, conn: conn, ws: ws, logger: logger.WithFields(log.Fields{"connection": conn.ID, "actor": conn.Actor})}
		s.run(r.Context(), cfg.PingInterval)
		return nil
	}
}

// session pumps one socket: the reader dispatches requests, the writer
// drains the connection's outbound queue.
type session struct {
	hub    *hub.Hub
	conn   *hub.Conn
	ws     *websocket.Conn
	logger *log.Entry

	writeMu sync.Mutex
}

func (s *session) run(parent context.Context, ping time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.hub.Disconnect(s.conn)

	s.logger.Debug("Socket connected")
	go s.writeLoop(ctx, cancel)
	if ping > 0 {
		go s.pingLoop(ctx, cancel, ping)
	}
	s.readLoop(ctx)
	_ = s.ws.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Debug("Socket disconnected")
}

func (s *session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.WithError(err).Debug("Socket read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req request
		if err := sonic.Unmarshal(data, &req); err != nil {
			_ = s.write(ctx, response{Type: resultType, Error: "invalid frame"})
			continue
		}
		if err := s.write(ctx, s.dispatch(ctx, req)); err != nil {
			return
		}
	}
}

func (s *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		env, err := s.conn.Next(ctx)
		if err != nil {
			return
		}
		if err := s.write(ctx, env); err != nil {
			s.logger.WithError(err).Debug("Socket write failed")
			return
		}
		if env.Type == domain.EventResyncRequired {
			s.logger.Warn("Closing socket that fell behind, client must resync")
			_ = s.ws.Close(websocket.StatusPolicyViolation, "resync required")
			return
		}
	}
}

func (s *session) pingLoop(ctx context.Context, cancel context.CancelFunc, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, done := context.WithTimeout(ctx, every)
			err := s.ws.Ping(pingCtx)
			done()
			if err != nil {
				s.logger.WithError(err).Debug("Socket ping failed")
				cancel()
				return
			}
		}
	}
}

func (s *session) write(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.Write(ctx, websocket.MessageText, data)
}

func (s *session) dispatch(ctx context.Context, req request) response {
	resp := response{ID: req.ID, Type: resultType}
	var err error
	switch req.Type {
	case reqJoin:
		if !s.hub.Join(s.conn, req.Board) {
			err = fmt.Errorf("%w: %s", domain.ErrUnknownBoard, req.Board)
			break
		}
		resp.Members = s.hub.Members(req.Board)
	case reqLeave:
		if !s.hub.Leave(s.conn, req.Board) {
			err = domain.ErrNotJoined
		}
	case reqProposeMove:
		res, merr := s.hub.ProposeMove(ctx, s.conn, domain.MoveRequest{
			TaskID:          req.Task,
			BoardID:         req.Board,
			ColumnID:        req.Column,
			Swimlane:        req.Swimlane,
			Neighbors:       domain.Neighbors{BeforeTaskID: req.BeforeTask, AfterTaskID: req.AfterTask},
			ExpectedVersion: req.ExpectedVersion,
		})
		if merr != nil {
			rej := domain.Rejection(req.Task, req.Board, merr)
			s.hub.Send(s.conn, domain.Envelope{Type: domain.EventMoveRejected, BoardID: req.Board, Payload: rej})
			resp.Error = rej.Reason
			resp.Rejection = &rej
			return resp
		}
		resp.Position = &res.Position
	case reqDragStart, reqDragUpdate, reqDragEnd:
		err = s.hub.Drag(s.conn, domain.DragStateChanged{
			TaskID:   req.Task,
			BoardID:  req.Board,
			ColumnID: req.Column,
			State:    dragStates[req.Type],
		})
	case reqSetActivity:
		err = s.hub.SetActivity(s.conn, req.Board, req.State)
	case reqResync:
		_, err = s.hub.Resync(ctx, s.conn, req.Board)
	default:
		err = fmt.Errorf("unknown request type %q", req.Type)
	}
	if err != nil {
		resp.Error = err.Error()
		s.logger.WithError(err).WithField("request", req.Type).Debug("Socket request failed")
		return resp
	}
	resp.OK = true
	return resp
}

var dragStates = map[string]domain.DragState{
	reqDragStart:  domain.DragStarted,
	reqDragUpdate: domain.DragUpdated,
	reqDragEnd:    domain.DragEnded,
}
