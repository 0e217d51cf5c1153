package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	return msg
}

func TestWebSocket_SubscribeAndReceiveModelUpdate(t *testing.T) {
	env := newActiveEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	token := bearerToken(t, "1", "t1")
	conn := dialWS(t, srv, "/ws/1", token)

	// Subscribe to record updates for res.partner/5.
	sub := map[string]any{"type": "subscribe_model", "model": "res.partner", "record_ids": []int{5}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	status := readWS(t, conn)
	if status["type"] != "status" {
		t.Fatalf("expected status ack, got %v", status)
	}

	// A gateway write on that record must arrive as model_update.
	rec := doJSON(t, env.router, "POST", "/rpc/write", token, map[string]any{
		"model":  "res.partner",
		"ids":    []int{5},
		"values": map[string]any{"name": "X"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("write failed: %d %s", rec.Code, rec.Body.String())
	}

	msg := readWS(t, conn)
	if msg["type"] != "model_update" || msg["model"] != "res.partner" || msg["operation"] != "write" {
		t.Fatalf("unexpected message: %v", msg)
	}
	if id, _ := msg["record_id"].(float64); int(id) != 5 {
		t.Errorf("expected record_id 5, got %v", msg["record_id"])
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	env := newActiveEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	token := bearerToken(t, "1", "t1")
	conn := dialWS(t, srv, "/ws/1", token)

	if err := conn.WriteJSON(map[string]any{"type": "ping", "timestamp": "tick"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readWS(t, conn)
	if msg["type"] != "pong" || msg["timestamp"] != "tick" {
		t.Errorf("unexpected pong: %v", msg)
	}
}

func TestWebSocket_UserMismatchRejected(t *testing.T) {
	env := newActiveEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	token := bearerToken(t, "1", "t1")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/2"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail for mismatched user id")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestWebSocket_UnknownTypeReturnsError(t *testing.T) {
	env := newActiveEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	token := bearerToken(t, "1", "t1")
	conn := dialWS(t, srv, "/ws/1", token)

	if err := conn.WriteJSON(map[string]any{"type": "frobnicate"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readWS(t, conn)
	if msg["type"] != "error" {
		t.Errorf("expected error message, got %v", msg)
	}

	raw, _ := json.Marshal(msg)
	if !strings.Contains(string(raw), "frobnicate") {
		t.Errorf("error should name the unknown type: %s", raw)
	}
}
