package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sensorpipe/internal/wire"
)

func dial(t *testing.T, wsURL, sensorID, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Sensor-ID", sensorID)
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestUnauthorizedConnectionClosed(t *testing.T) {
	m := New(Config{Tokens: map[string]string{"s1": "secret"}})
	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{}
	header.Set("X-Sensor-ID", "s1")
	header.Set("Authorization", "Bearer wrong")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestMissingSensorIDClosed(t *testing.T) {
	m := New(Config{Tokens: map[string]string{"s1": "secret"}})
	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != websocket.CloseProtocolError {
		t.Fatalf("expected protocol error close, got %v", err)
	}
}

func TestSendChunkRequestAndHeartbeatHook(t *testing.T) {
	var mu sync.Mutex
	var gotHeartbeat wire.Heartbeat
	var gotSensor string

	m := New(Config{
		Tokens: map[string]string{"s1": "secret"},
		OnHeartbeat: func(sensorID string, hb wire.Heartbeat) {
			mu.Lock()
			defer mu.Unlock()
			gotSensor = sensorID
			gotHeartbeat = hb
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(m.ServeHTTP))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, wsURL, "s1", "secret")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !m.IsOnline("s1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.IsOnline("s1") {
		t.Fatal("expected sensor to be registered online")
	}

	ok := m.SendChunkRequest(context.Background(), "s1", wire.ChunkRequest{MaxChunks: 4, WindowID: "w1"})
	if !ok {
		t.Fatal("expected send to succeed for online sensor")
	}

	var env wire.ControlEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.BodyType != wire.BodyChunkRequest || env.ChunkRequest.WindowID != "w1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if err := conn.WriteJSON(wire.ControlEnvelope{
		BodyType:  wire.BodyHeartbeat,
		Heartbeat: &wire.Heartbeat{SoftwareVersion: "1.2.3", QueueDepth: 7},
	}); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(time.Second)
	for {
		mu.Lock()
		got := gotSensor
		mu.Unlock()
		if got != "" || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSensor != "s1" || gotHeartbeat.QueueDepth != 7 {
		t.Fatalf("expected heartbeat hook invoked, got sensor=%q hb=%+v", gotSensor, gotHeartbeat)
	}
}

func TestOfflineSendReturnsFalse(t *testing.T) {
	m := New(Config{Tokens: map[string]string{}})
	if m.SendAck(context.Background(), "unknown", wire.ChunkAck{}) {
		t.Fatal("expected false for offline sensor")
	}
}
