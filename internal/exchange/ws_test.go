package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// silentWSServer accepts the connection and subscriptions, then sends
// nothing, like a feed that has gone quiet.
func silentWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestCloseUnblocksBlockedRead(t *testing.T) {
	t.Parallel()
	srv := silentWSServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := NewPriceFeed(url, []string{"HYPE"}, map[string]string{"HYPE": "@107"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		feed.stateMu.Lock()
		up := feed.connected
		feed.stateMu.Unlock()
		if up {
			break
		}
		select {
		case <-deadline:
			t.Fatal("feed never connected")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Shutdown order matters: cancel first, then force the connection down
	// so the reader does not sit out its read deadline.
	cancel()
	feed.Close()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after Close")
	}
}
