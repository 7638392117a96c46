package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"board-hub/domain"
)

type frame struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	OK        bool                 `json:"ok"`
	Error     string               `json:"error"`
	Board     string               `json:"board"`
	Payload   json.RawMessage      `json:"payload"`
	Position  *domain.TaskPosition `json:"position"`
	Rejection *domain.MoveRejected `json:"rejection"`
	Members   []domain.Member      `json:"members"`
}

func dial(t *testing.T, serverURL string, opts *websocket.DialOptions, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(serverURL, "http")+"/ws"+query, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, req request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write %s: %v", req.Type, err)
	}
}

// await reads frames until match accepts one.
func await(t *testing.T, conn *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(f) {
			return f
		}
	}
}

func result(id string) func(frame) bool {
	return func(f frame) bool { return f.Type == resultType && f.ID == id }
}

func event(typ domain.EventType) func(frame) bool {
	return func(f frame) bool { return f.Type == string(typ) }
}

func TestSocketEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.place(t, "t1", "todo")
	f.place(t, "t2", "todo")
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	alice := dial(t, srv.URL, &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token}}}, "")
	bob := dial(t, srv.URL, nil, "?token="+signToken(t, "bob", time.Now().Add(time.Hour)))

	send(t, alice, request{ID: "1", Type: reqJoin, Board: "b1"})
	if r := await(t, alice, "alice join", result("1")); !r.OK {
		t.Fatalf("alice join failed: %s", r.Error)
	}
	send(t, bob, request{ID: "1", Type: reqJoin, Board: "b1"})
	bobJoin := await(t, bob, "bob join", result("1"))
	if !bobJoin.OK {
		t.Fatalf("bob join failed: %s", bobJoin.Error)
	}
	if len(bobJoin.Members) != 2 {
		t.Fatalf("join reply should list both members, got %+v", bobJoin.Members)
	}
	joined := await(t, alice, "presence", event(domain.EventPresenceChanged))
	var pc domain.PresenceChanged
	if err := json.Unmarshal(joined.Payload, &pc); err != nil || pc.Actor != "bob" || pc.Status != domain.PresenceJoined {
		t.Fatalf("unexpected presence %+v (%v)", pc, err)
	}

	send(t, bob, request{ID: "2", Type: reqDragStart, Board: "b1", Task: "t1", Column: "todo"})
	await(t, bob, "drag ack", result("2"))
	dragged := await(t, alice, "drag", event(domain.EventDragStateChanged))
	var ds domain.DragStateChanged
	if err := json.Unmarshal(dragged.Payload, &ds); err != nil || ds.ByActor != "bob" || ds.State != domain.DragStarted {
		t.Fatalf("unexpected drag %+v (%v)", ds, err)
	}

	send(t, alice, request{ID: "2", Type: reqProposeMove, Board: "b1", Task: "t1", Column: "doing", ExpectedVersion: 1})
	moved := await(t, alice, "move result", result("2"))
	if !moved.OK || moved.Position == nil || moved.Position.Version != 2 || moved.Position.UpdatedBy != "alice" {
		t.Fatalf("unexpected move result %+v", moved)
	}
	committed := await(t, bob, "commit", event(domain.EventMoveCommitted))
	var mc domain.MoveCommitted
	if err := json.Unmarshal(committed.Payload, &mc); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if mc.TaskID != "t1" || mc.ColumnID != "doing" || mc.Version != 2 || mc.FromColumn != "todo" {
		t.Fatalf("unexpected commit %+v", mc)
	}

	send(t, bob, request{ID: "3", Type: reqProposeMove, Board: "b1", Task: "t2", Column: "doing", ExpectedVersion: 1})
	// The rejection event and the result frame may arrive in either order.
	var rejected frame
	sawEvent := false
	await(t, bob, "move rejection", func(f frame) bool {
		switch {
		case result("3")(f):
			rejected = f
		case event(domain.EventMoveRejected)(f):
			sawEvent = true
		}
		return rejected.ID != "" && sawEvent
	})
	if rejected.OK || rejected.Rejection == nil || rejected.Rejection.Reason != domain.ReasonWipLimitExceeded || rejected.Rejection.Limit != 1 {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	send(t, bob, request{ID: "4", Type: reqResync, Board: "b1"})
	snapshot := await(t, bob, "snapshot", event(domain.EventBoardSnapshot))
	var snap domain.BoardSnapshot
	if err := json.Unmarshal(snapshot.Payload, &snap); err != nil || len(snap.Tasks) != 2 {
		t.Fatalf("unexpected snapshot %+v (%v)", snap, err)
	}

	send(t, bob, request{ID: "5", Type: "teleport", Board: "b1"})
	if r := await(t, bob, "unknown type", result("5")); r.OK || r.Error == "" {
		t.Fatalf("unknown request type should fail, got %+v", r)
	}
	send(t, bob, request{ID: "6", Type: reqSetActivity, Board: "b1", State: "asleep"})
	if r := await(t, bob, "bad activity", result("6")); r.OK {
		t.Fatalf("invalid activity should fail")
	}
	send(t, bob, request{ID: "7", Type: reqJoin, Board: "missing"})
	if r := await(t, bob, "unknown board", result("7")); r.OK {
		t.Fatalf("joining an unknown board should fail")
	}
}

func TestSocketDragGestureIsRelayedInOrder(t *testing.T) {
	f := newFixture(t)
	f.place(t, "t1", "todo")
	srv := httptest.NewServer(f.e)
	defer srv.Close()
	before := f.columnRows(t, "todo")

	alice := dial(t, srv.URL, nil, "?token="+f.token)
	bob := dial(t, srv.URL, nil, "?token="+signToken(t, "bob", time.Now().Add(time.Hour)))
	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, request{ID: "j", Type: reqJoin, Board: "b1"})
		if r := await(t, conn, "join", result("j")); !r.OK {
			t.Fatalf("join failed: %s", r.Error)
		}
	}

	gesture := []struct {
		req   string
		state domain.DragState
	}{
		{reqDragStart, domain.DragStarted},
		{reqDragUpdate, domain.DragUpdated},
		{reqDragEnd, domain.DragEnded},
	}
	for i, g := range gesture {
		id := string(rune('1' + i))
		send(t, bob, request{ID: id, Type: g.req, Board: "b1", Task: "t1", Column: "doing"})
		if r := await(t, bob, g.req, result(id)); !r.OK {
			t.Fatalf("%s failed: %s", g.req, r.Error)
		}
	}
	for _, g := range gesture {
		got := await(t, alice, g.req, event(domain.EventDragStateChanged))
		var ds domain.DragStateChanged
		if err := json.Unmarshal(got.Payload, &ds); err != nil {
			t.Fatalf("decode drag: %v", err)
		}
		if ds.State != g.state || ds.TaskID != "t1" || ds.ByActor != "bob" {
			t.Fatalf("expected %s, got %+v", g.state, ds)
		}
	}

	after := f.columnRows(t, "todo")
	if len(after) != 1 || len(before) != 1 || after[0].Version != before[0].Version || !after[0].OrderKey.Equal(before[0].OrderKey) {
		t.Fatalf("drag must not change positions: before %+v after %+v", before, after)
	}
}

func TestSocketRejectsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token=not.a.token", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestSocketDisconnectLeavesBoard(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	alice := dial(t, srv.URL, nil, "?token="+f.token)
	send(t, alice, request{ID: "1", Type: reqJoin, Board: "b1"})
	await(t, alice, "join", result("1"))
	if got := len(f.hub.Members("b1")); got != 1 {
		t.Fatalf("expected one member, got %d", got)
	}
	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for len(f.hub.Members("b1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("member was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
