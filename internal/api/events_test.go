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

	"github.com/kalambet/syncq/internal/notify"
)

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) notify.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var ev notify.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding event %q: %v", data, err)
	}
	return ev
}

func TestEvents_Stream(t *testing.T) {
	deps := newTestDeps(t, nil)
	srv := httptest.NewServer(NewAppHandler(deps))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Type != notify.QueueChanged {
		t.Errorf("initial event = %s, want queue_changed", ev.Type)
	}

	// Wait until the handler has subscribed before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for deps.Events.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	deps.Connectivity.SetOnline(false)
	if ev := readEvent(t, ctx, conn); ev.Type != notify.ConnectivityChanged {
		t.Errorf("event = %s, want connectivity_changed", ev.Type)
	}
}

func TestEvents_RequiresAuth(t *testing.T) {
	srv := httptest.NewServer(NewAppHandler(newTestDeps(t, nil)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestEvents_UnsubscribesOnClose(t *testing.T) {
	deps := newTestDeps(t, nil)
	srv := httptest.NewServer(NewAppHandler(deps))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEvent(t, ctx, conn)
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for deps.Events.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := deps.Events.Len(); n != 0 {
		t.Errorf("listeners = %d after close, want 0", n)
	}
}

func TestEvents_QueryToken(t *testing.T) {
	srv := httptest.NewServer(NewAppHandler(newTestDeps(t, nil)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?access_token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	// The query token is only honored on the event stream.
	req := httptest.NewRequest(http.MethodGet, "/queue?access_token="+testToken, nil)
	rec := httptest.NewRecorder()
	NewAppHandler(newTestDeps(t, nil)).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("query token on /queue = %d, want 401", rec.Code)
	}
}
