package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"board-hub/domain"
)

func drag(task string) domain.Envelope {
	return domain.Envelope{Type: domain.EventDragStateChanged, BoardID: "b1", Payload: domain.DragStateChanged{TaskID: task}}
}

func committed(task string) domain.Envelope {
	return domain.Envelope{Type: domain.EventMoveCommitted, BoardID: "b1", Payload: domain.MoveCommitted{TaskID: task}}
}

func TestConnDropsOldestTransientWhenFull(t *testing.T) {
	c := newConn("c1", "alice", 3)
	c.enqueue(drag("d1"))
	c.enqueue(committed("m1"))
	c.enqueue(drag("d2"))
	if !c.enqueue(drag("d3")) {
		t.Fatalf("transient should replace the oldest transient")
	}
	var got []string
	for c.Pending() > 0 {
		env, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		switch p := env.Payload.(type) {
		case domain.DragStateChanged:
			got = append(got, p.TaskID)
		case domain.MoveCommitted:
			got = append(got, p.TaskID)
		}
	}
	want := []string{"m1", "d2", "d3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func dragState(task string, state domain.DragState) domain.Envelope {
	return domain.Envelope{Type: domain.EventDragStateChanged, BoardID: "b1", Payload: domain.DragStateChanged{TaskID: task, State: state}}
}

func TestConnShedsDragUpdatesBeforeDragEnds(t *testing.T) {
	c := newConn("c1", "alice", 3)
	c.enqueue(dragState("t1", domain.DragEnded))
	c.enqueue(dragState("t2", domain.DragStarted))
	c.enqueue(dragState("t2", domain.DragUpdated))
	if !c.enqueue(dragState("t2", domain.DragEnded)) {
		t.Fatalf("drag end should replace the queued drag update")
	}
	if c.enqueue(dragState("t3", domain.DragUpdated)) {
		t.Fatalf("an update must not evict a start or an end")
	}
	var got []domain.DragState
	for c.Pending() > 0 {
		env, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, env.Payload.(domain.DragStateChanged).State)
	}
	want := []domain.DragState{domain.DragEnded, domain.DragStarted, domain.DragEnded}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestConnDropsNewTransientWhenOnlyDurableQueued(t *testing.T) {
	c := newConn("c1", "alice", 2)
	c.enqueue(committed("m1"))
	c.enqueue(committed("m2"))
	if c.enqueue(drag("d1")) {
		t.Fatalf("transient must be dropped when nothing can be shed")
	}
	if c.Pending() != 2 || c.ResyncRequired() {
		t.Fatalf("durable events must be kept, pending=%d", c.Pending())
	}
}

func TestConnDurableOverflowForcesResync(t *testing.T) {
	c := newConn("c1", "alice", 2)
	c.enqueue(committed("m1"))
	c.enqueue(drag("d1"))
	if c.enqueue(committed("m2")) {
		t.Fatalf("overflowing durable event must not be queued")
	}
	if !c.ResyncRequired() || c.Pending() != 1 {
		t.Fatalf("expected a single pending resync message, pending=%d", c.Pending())
	}
	env, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.Type != domain.EventResyncRequired {
		t.Fatalf("expected resync message, got %s", env.Type)
	}
	if c.enqueue(committed("m3")) {
		t.Fatalf("connection marked for resync must not accept more events")
	}
}

func TestConnNextUnblocksOnEnqueueAndClose(t *testing.T) {
	c := newConn("c1", "alice", 4)
	got := make(chan domain.Envelope, 1)
	go func() {
		env, _ := c.Next(context.Background())
		got <- env
	}()
	time.Sleep(10 * time.Millisecond)
	c.enqueue(committed("m1"))
	select {
	case env := <-got:
		if env.Type != domain.EventMoveCommitted {
			t.Fatalf("unexpected event %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not wake up")
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		errs <- err
	}()
	c.close()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not return after close")
	}
}
