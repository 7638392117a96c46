package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-hub/domain"
)

type recorder struct{ got chan domain.Envelope }

func newRecorder() *recorder { return &recorder{got: make(chan domain.Envelope, 8)} }

func (r *recorder) Deliver(env domain.Envelope) { r.got <- env }

func waitSubscribers(t *testing.T, rc *redis.Client, channel string, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		subs, err := rc.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && subs[channel] >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relays did not subscribe to %s", channel)
}

func TestRelayDeliversEventsFromOtherInstances(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA, localB := newRecorder(), newRecorder()
	a := NewRelay(rc, "board-events", localA, nil)
	b := NewRelay(rc, "board-events", localB, nil)
	if a.Instance() == b.Instance() {
		t.Fatalf("instances must have distinct ids")
	}
	go a.Run(ctx)
	go b.Run(ctx)
	waitSubscribers(t, rc, "board-events", 2)

	a.Publish(ctx, domain.Envelope{
		Type:    domain.EventMoveCommitted,
		BoardID: "b1",
		Payload: domain.MoveCommitted{TaskID: "t1", BoardID: "b1", ColumnID: "doing", Version: 4},
	})

	select {
	case env := <-localB.got:
		if env.Type != domain.EventMoveCommitted || env.BoardID != "b1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		raw, ok := env.Payload.(json.RawMessage)
		if !ok {
			t.Fatalf("expected raw payload, got %T", env.Payload)
		}
		var mc domain.MoveCommitted
		if err := json.Unmarshal(raw, &mc); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if mc.TaskID != "t1" || mc.ColumnID != "doing" || mc.Version != 4 {
			t.Fatalf("unexpected payload %+v", mc)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not relayed")
	}

	select {
	case env := <-localA.got:
		t.Fatalf("instance must not receive its own event, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayIgnoresMalformedMessages(t *testing.T) {
	local := newRecorder()
	r := NewRelay(nil, "board-events", local, nil)
	r.handle("not json")
	r.handle(`{"instance":"other","event":{"type":"","board":"b1"}}`)
	r.handle(`{"instance":"` + r.Instance() + `","event":{"type":"taskPlaced","board":"b1"}}`)
	if len(local.got) != 0 {
		t.Fatalf("expected nothing delivered, got %d", len(local.got))
	}
	r.handle(`{"instance":"other","event":{"type":"taskRemoved","board":"b1","payload":{"task":"t1"}}}`)
	if len(local.got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(local.got))
	}
}

func TestRelayPublishNeverBlocks(t *testing.T) {
	r := NewRelay(nil, "board-events", newRecorder(), nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < relayBuffer+10; i++ {
			r.Publish(context.Background(), domain.Envelope{Type: domain.EventTaskRemoved, BoardID: "b1", Payload: domain.TaskRemoved{TaskID: "t"}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full buffer")
	}
	if len(r.out) != relayBuffer {
		t.Fatalf("expected buffer to be full, got %d", len(r.out))
	}
}
