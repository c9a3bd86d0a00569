package monitoring

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return msg
}

func TestHubRoutesTopicMessages(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	subscriber := dialHub(t, srv, "?session=abc")
	other := dialHub(t, srv, "")
	waitForClients(t, hub, 2)

	hub.Publish(PredictionRecorded, "abc", map[string]string{"title": "kitchen"})
	hub.Publish(ModelTrained, "", map[string]int{"rows": 5})

	first := readMessage(t, subscriber)
	if first.Type != PredictionRecorded || first.Topic != "abc" {
		t.Fatalf("unexpected first message: %+v", first)
	}
	second := readMessage(t, subscriber)
	if second.Type != ModelTrained {
		t.Fatalf("unexpected second message: %+v", second)
	}

	// the unsubscribed client only sees the broadcast
	got := readMessage(t, other)
	if got.Type != ModelTrained {
		t.Fatalf("expected model_trained, got %+v", got)
	}
}

func TestHubSubscribeMessage(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: "s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// a read timeout poisons the connection, so wait for the subscription instead of polling
	time.Sleep(200 * time.Millisecond)
	hub.Publish(PredictionRecorded, "s1", map[string]string{"title": "x"})

	msg := readMessage(t, conn)
	if msg.Type != PredictionRecorded || msg.Topic != "s1" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHubAnswersPing(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != Heartbeat {
		t.Fatalf("expected heartbeat, got %+v", msg)
	}
}
