// Package api exposes the hub over a WebSocket endpoint and a small REST
// surface for clients that do not hold a socket.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-hub/domain"
	"board-hub/hub"
)

// Snapshots serves read-mostly board snapshots.
type Snapshots interface {
	CachedSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, h *hub.Hub, snaps Snapshots, auth hub.Authenticator, socket SocketConfig, logger *log.Logger) {
	e.GET("/ws", serveSocket(h, socket, logger))
	e.GET("/api/boards/:board/snapshot", getSnapshot(snaps, auth))
	e.POST("/api/boards/:board/tasks", placeTask(h, auth))
	e.DELETE("/api/boards/:board/tasks/:task", removeTask(h, auth))
	e.POST("/api/boards/:board/moves", postMove(h, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func authenticate(c echo.Context, auth hub.Authenticator) (string, error) {
	return auth.Authenticate(c.Request().Context(), hub.Handshake{AuthHeader: c.Request().Header.Get(echo.HeaderAuthorization)})
}

func getSnapshot(snaps Snapshots, auth hub.Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		snap, err := snaps.CachedSnapshot(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeError(c, "", c.Param("board"), err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func placeTask(h *hub.Hub, auth hub.Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		body, err := decodeBody(c)
		if err != nil || body.Task == "" || body.Column == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		boardID := c.Param("board")
		p, err := h.Place(c.Request().Context(), domain.PlaceRequest{
			TaskID:    body.Task,
			BoardID:   boardID,
			ColumnID:  body.Column,
			Swimlane:  body.Swimlane,
			Neighbors: domain.Neighbors{BeforeTaskID: body.BeforeTask, AfterTaskID: body.AfterTask},
			Actor:     actor,
		})
		if err != nil {
			return writeError(c, body.Task, boardID, err)
		}
		return c.JSON(http.StatusCreated, p)
	}
}

func removeTask(h *hub.Hub, auth hub.Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID, taskID := c.Param("board"), c.Param("task")
		removed, err := h.Remove(c.Request().Context(), taskID, boardID, actor)
		if err != nil {
			return writeError(c, taskID, boardID, err)
		}
		if !removed {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postMove(h *hub.Hub, auth hub.Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := authenticate(c, auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		body, err := decodeBody(c)
		if err != nil || body.Task == "" || body.Column == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		boardID := c.Param("board")
		res, err := h.ProposeMove(c.Request().Context(), nil, domain.MoveRequest{
			TaskID:          body.Task,
			BoardID:         boardID,
			ColumnID:        body.Column,
			Swimlane:        body.Swimlane,
			Neighbors:       domain.Neighbors{BeforeTaskID: body.BeforeTask, AfterTaskID: body.AfterTask},
			ExpectedVersion: body.ExpectedVersion,
			Actor:           actor,
		})
		if err != nil {
			return writeError(c, body.Task, boardID, err)
		}
		return c.JSON(http.StatusOK, moveResponse{Position: res.Position, Rebalanced: res.Rebalanced})
	}
}

func decodeBody(c echo.Context) (positionBody, error) {
	var body positionBody
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	err := dec.Decode(&body)
	return body, err
}

func writeError(c echo.Context, taskID, boardID string, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	rej := domain.Rejection(taskID, boardID, err)
	return c.JSON(status, errorResponse{Error: rej.Reason, Rejection: &rej})
}

func statusFor(err error) int {
	var conflict *domain.VersionConflictError
	var wip *domain.WipLimitExceededError
	switch {
	case errors.As(err, &conflict), errors.Is(err, domain.ErrAlreadyPlaced):
		return http.StatusConflict
	case errors.As(err, &wip):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnknownColumn), errors.Is(err, domain.ErrNeighborNotFound):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownBoard), errors.Is(err, domain.ErrNotPlaced):
		return http.StatusNotFound
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
