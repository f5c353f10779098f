package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanlingyin/SoulLink-Live2D/internal/config"
	"github.com/nanlingyin/SoulLink-Live2D/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSessionConfig(endpoint string) config.SessionConfig {
	return config.SessionConfig{
		Endpoint:             endpoint,
		RequestTimeout:       2000,
		AutoReconnect:        false,
		ReconnectDelay:       20,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    60000,
	}
}

// newFakeService runs a websocket server whose handler drives one
// connection, and returns its ws:// endpoint.
func newFakeService(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, cfg config.SessionConfig) *Session {
	t.Helper()
	s := New(cfg, testLogger())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRequestSettledByEchoedID(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{
			"type":  protocol.TypeChatResponse,
			"id":    msg["id"],
			"reply": "hello there",
		})
		conn.ReadJSON(&msg)
	})

	s := connect(t, testSessionConfig(endpoint))
	resp, err := s.Request(context.Background(), protocol.TypeChatWithReply, protocol.ChatRequest{
		Type:    protocol.TypeChatWithReply,
		Message: "hi",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Reply != "hello there" {
		t.Fatalf("reply = %q", resp.Reply)
	}
}

func TestRequestSettledByTypeWithoutID(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		// Replies without a correlation id match the oldest pending
		// request expecting this type.
		conn.WriteJSON(map[string]any{
			"type":  protocol.TypeParametersUpdated,
			"count": 3,
		})
		conn.ReadJSON(&msg)
	})

	s := connect(t, testSessionConfig(endpoint))
	resp, err := s.Request(context.Background(), protocol.TypeUpdateParameters, protocol.UpdateParameters{
		Type: protocol.TypeUpdateParameters,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Count != 3 {
		t.Fatalf("count = %d", resp.Count)
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		// Swallow everything.
		var msg map[string]any
		for conn.ReadJSON(&msg) == nil {
		}
	})

	cfg := testSessionConfig(endpoint)
	cfg.RequestTimeout = 80
	s := connect(t, cfg)

	_, err := s.Request(context.Background(), protocol.TypeChatWithReply, protocol.ChatRequest{
		Type:    protocol.TypeChatWithReply,
		Message: "hi",
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}

	s.mu.Lock()
	remaining := len(s.pending)
	s.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d pending requests left after timeout", remaining)
	}
}

func TestServerErrorSettlesRequest(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{
			"type":  protocol.TypeChatError,
			"id":    msg["id"],
			"error": "model overloaded",
		})
		conn.ReadJSON(&msg)
	})

	s := connect(t, testSessionConfig(endpoint))
	_, err := s.Request(context.Background(), protocol.TypeChatWithReply, protocol.ChatRequest{
		Type:    protocol.TypeChatWithReply,
		Message: "hi",
	})
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("got %v, want ServerError", err)
	}
	if serverErr.Message != "model overloaded" {
		t.Fatalf("message = %q", serverErr.Message)
	}
}

func TestPushDelivery(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]any{
			"type":       protocol.TypeExpression,
			"expression": "happy",
			"parameters": map[string]float64{"ParamMouthForm": 0.8},
		})
		var msg map[string]any
		conn.ReadJSON(&msg)
	})

	s := connect(t, testSessionConfig(endpoint))
	select {
	case msg := <-s.Push():
		if msg.Type != protocol.TypeExpression {
			t.Fatalf("type = %q", msg.Type)
		}
		if msg.Label != "happy" {
			t.Fatalf("label = %q", msg.Label)
		}
		if msg.Parameters["ParamMouthForm"] != 0.8 {
			t.Fatalf("parameters = %v", msg.Parameters)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pushed message never arrived")
	}
}

func TestInboundPingAnsweredTransparently(t *testing.T) {
	pong := make(chan string, 1)
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		if err := conn.WriteJSON(map[string]any{"type": protocol.TypePing}); err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		kind, _ := msg["type"].(string)
		pong <- kind
		conn.ReadJSON(&msg)
	})

	connect(t, testSessionConfig(endpoint))
	select {
	case kind := <-pong:
		if kind != protocol.TypePong {
			t.Fatalf("answered with %q, want pong", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ping never answered")
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	ping := make(chan struct{}, 1)
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == protocol.TypePing {
				select {
				case ping <- struct{}{}:
				default:
				}
			}
		}
	})

	cfg := testSessionConfig(endpoint)
	cfg.HeartbeatInterval = 30
	connect(t, cfg)

	select {
	case <-ping:
	case <-time.After(2 * time.Second):
		t.Fatalf("no heartbeat ping within 2s")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	s := New(testSessionConfig("ws://127.0.0.1:1/ws"), testLogger())
	t.Cleanup(s.Close)
	if err := s.Send(protocol.TypeReset, protocol.ResetRequest{Type: protocol.TypeReset}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestReconnectStopsAtBudget(t *testing.T) {
	cfg := testSessionConfig("ws://127.0.0.1:1/ws")
	cfg.AutoReconnect = true
	cfg.ReconnectDelay = 10
	cfg.MaxReconnectAttempts = 2

	s := New(cfg, testLogger())
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("dial to a dead port should fail")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Attempts() == cfg.MaxReconnectAttempts && s.State() == StateDisconnected {
			// Give any in-flight attempt a moment, then confirm the
			// counter stopped.
			time.Sleep(100 * time.Millisecond)
			if got := s.Attempts(); got != cfg.MaxReconnectAttempts {
				t.Fatalf("attempts kept growing: %d", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached the attempt budget, attempts=%d state=%v", s.Attempts(), s.State())
}

func TestDropFailsPendingRequests(t *testing.T) {
	endpoint := newFakeService(t, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		// Hang up with the request still pending.
		conn.Close()
	})

	s := connect(t, testSessionConfig(endpoint))
	_, err := s.Request(context.Background(), protocol.TypeChatWithReply, protocol.ChatRequest{
		Type:    protocol.TypeChatWithReply,
		Message: "hi",
	})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("got %v, want ErrDisconnected", err)
	}
}
