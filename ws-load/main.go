// Command ws-load holds many board sockets open, joins them to one board and
// reports how many pushed events arrived.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

type frame struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Board string `json:"board,omitempty"`
	Task  string `json:"task,omitempty"`
	OK    bool   `json:"ok,omitempty"`
}

func loadTokens() ([]string, error) {
	if path := os.Getenv("TOKENS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tokens []string
		if err := json.Unmarshal(data, &tokens); err != nil {
			return nil, err
		}
		return tokens, nil
	}
	if bearer := os.Getenv("TEST_BEARER"); bearer != "" {
		return []string{bearer}, nil
	}
	return nil, fmt.Errorf("TOKENS_FILE or TEST_BEARER must be set")
}

func main() {
	hubURL := getenv("HUB_URL", "ws://localhost:8080/ws")
	board := getenv("BOARD", "sprint")
	conns := getenvInt("WS_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	dragEvery := time.Duration(getenvInt("DRAG_INTERVAL_MS", 0)) * time.Millisecond

	tokens, err := loadTokens()
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	var events, attempts, failures uint64
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		token := tokens[i%len(tokens)]
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				atomic.AddUint64(&attempts, 1)
				err := session(ctx, hubURL, token, board, i, dragEvery, &events)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					atomic.AddUint64(&failures, 1)
				}
				time.Sleep(backoff)
				backoff = min(backoff*2, 5*time.Second)
			}
		}()
	}

	wg.Wait()
	attemptsVal := atomic.LoadUint64(&attempts)
	failuresVal := atomic.LoadUint64(&failures)
	eventsVal := atomic.LoadUint64(&events)
	failureRate := 0.0
	if attemptsVal > 0 {
		failureRate = float64(failuresVal) / float64(attemptsVal)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d\n", conns, int(duration.Seconds()), eventsVal, failuresVal)
	if failureRate > 0.01 {
		os.Exit(1)
	}
}

func session(ctx context.Context, url, token, board string, n int, dragEvery time.Duration, events *uint64) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, frame{ID: "join", Type: "join", Board: board}); err != nil {
		return err
	}
	if dragEvery > 0 {
		go func() {
			t := time.NewTicker(dragEvery)
			defer t.Stop()
			task := fmt.Sprintf("load-%d", n)
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := wsjson.Write(ctx, conn, frame{Type: "dragUpdate", Board: board, Task: task}); err != nil {
						return
					}
				}
			}
		}()
	}
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Type != "result" {
			atomic.AddUint64(events, 1)
		}
	}
}
