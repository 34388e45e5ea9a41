package output

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

func dialLive(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) Payload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	return p
}

func waitSubscribers(t *testing.T, live *LiveChannel, tenant string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if live.Subscribers(tenant) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d subscribers, got %d", n, live.Subscribers(tenant))
}

func TestLiveChannel_VisibilityFiltering(t *testing.T) {
	live := NewLiveChannel(nil, nil)
	defer live.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		live.ServeWS(w, r, r.URL.Query().Get("tenant"), r.URL.Query().Get("admin") == "1")
	}))
	defer srv.Close()

	admin := dialLive(t, srv, "tenant=guild-1&admin=1")
	public := dialLive(t, srv, "tenant=guild-1")
	other := dialLive(t, srv, "tenant=guild-2&admin=1")
	waitSubscribers(t, live, "guild-1", 2)
	waitSubscribers(t, live, "guild-2", 1)

	ctx := context.Background()
	adminDest, _ := live.EnsureDestination(ctx, DestinationRequest{TenantID: "guild-1", Name: "connections", Visibility: types.VisibilityAdmin})
	publicDest, _ := live.EnsureDestination(ctx, DestinationRequest{TenantID: "guild-1", Name: "killfeed", Visibility: types.VisibilityPublic})

	if err := live.Send(ctx, adminDest, Payload{ID: "a1", Visibility: types.VisibilityAdmin}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if err := live.Send(ctx, publicDest, Payload{ID: "p1", Visibility: types.VisibilityPublic}); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if p := readPayload(t, admin); p.ID != "a1" {
		t.Errorf("Expected admin subscriber to get a1 first, got %s", p.ID)
	}
	if p := readPayload(t, admin); p.ID != "p1" {
		t.Errorf("Expected admin subscriber to get p1, got %s", p.ID)
	}
	if p := readPayload(t, public); p.ID != "p1" {
		t.Errorf("Expected public subscriber to skip the admin payload, got %s", p.ID)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("Expected another tenant's subscriber to receive nothing")
	}
}

func TestLiveChannel_DisconnectUnregisters(t *testing.T) {
	live := NewLiveChannel(nil, nil)
	defer live.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		live.ServeWS(w, r, "guild-1", false)
	}))
	defer srv.Close()

	conn := dialLive(t, srv, "")
	waitSubscribers(t, live, "guild-1", 1)

	conn.Close()
	waitSubscribers(t, live, "guild-1", 0)

	if err := live.Send(context.Background(), types.Destination{TenantID: "guild-1"}, Payload{}); err != nil {
		t.Errorf("Expected send without subscribers to succeed, got %v", err)
	}
}

func TestLiveChannel_Closed(t *testing.T) {
	live := NewLiveChannel(nil, nil)
	live.Close()

	if _, err := live.EnsureDestination(context.Background(), DestinationRequest{}); err != ErrChannelClosed {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}
