package api

import "board-hub/domain"

const (
	maxFrameSize = 64 * 1024 // 64 KiB
	maxBodySize  = 64 * 1024
)

// Socket request types.
const (
	reqJoin        = "join"
	reqLeave       = "leave"
	reqProposeMove = "proposeMove"
	reqDragStart   = "dragStart"
	reqDragUpdate  = "dragUpdate"
	reqDragEnd     = "dragEnd"
	reqSetActivity = "setActivity"
	reqResync      = "resync"
)

const resultType = "result"

// request is a client frame on the socket.
type request struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Board           string  `json:"board"`
	Task            string  `json:"task,omitempty"`
	Column          string  `json:"column,omitempty"`
	Swimlane        *string `json:"swimlane,omitempty"`
	BeforeTask      string  `json:"beforeTask,omitempty"`
	AfterTask       string  `json:"afterTask,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
	State           string  `json:"state,omitempty"`
}

// response answers exactly one request frame.
type response struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	OK        bool                 `json:"ok"`
	Error     string               `json:"error,omitempty"`
	Position  *domain.TaskPosition `json:"position,omitempty"`
	Rejection *domain.MoveRejected `json:"rejection,omitempty"`
	Members   []domain.Member      `json:"members,omitempty"`
}

// positionBody is the REST body of place and move requests.
type positionBody struct {
	Task            string  `json:"task"`
	Column          string  `json:"column"`
	Swimlane        *string `json:"swimlane,omitempty"`
	BeforeTask      string  `json:"beforeTask,omitempty"`
	AfterTask       string  `json:"afterTask,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion,omitempty"`
}

type moveResponse struct {
	Position   domain.TaskPosition   `json:"position"`
	Rebalanced []domain.TaskPosition `json:"rebalanced,omitempty"`
}

type errorResponse struct {
	Error     string               `json:"error"`
	Rejection *domain.MoveRejected `json:"rejection,omitempty"`
}
