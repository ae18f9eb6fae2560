package connect_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicemode/voicemode/internal/connect"
	"github.com/voicemode/voicemode/internal/connect/mailbox"
	"github.com/voicemode/voicemode/internal/credentials"
)

// staticCreds always yields the same access token.
type staticCreds struct{ token string }

func (s staticCreds) Load() (*credentials.Credentials, error) {
	if s.token == "" {
		return nil, nil
	}
	return &credentials.Credentials{AccessToken: s.token}, nil
}

// gateway is a scripted fake of the presence gateway: it accepts one
// WebSocket session, performs the connected handshake, and exposes the
// frames the client sends.
type gateway struct {
	t        *testing.T
	received chan map[string]any
	send     chan string
	token    chan string
}

func newGateway(t *testing.T) (*gateway, *httptest.Server) {
	t.Helper()
	g := &gateway{
		t:        t,
		received: make(chan map[string]any, 32),
		send:     make(chan string, 32),
		token:    make(chan string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case g.token <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "test over")

		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected","sessionId":"sess-1"}`)); err != nil {
			return
		}

		go func() {
			for frame := range g.send {
				if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				g.t.Errorf("gateway received malformed frame %q: %v", data, err)
				continue
			}
			g.received <- decoded
		}
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

// next returns the next client frame of the wanted type, skipping others.
func (g *gateway) next(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-g.received:
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("gateway never received a %q frame", frameType)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func usersManager(t *testing.T) *mailbox.Manager {
	t.Helper()
	m, err := mailbox.NewManager(filepath.Join(t.TempDir(), "users"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func waitForStatus(t *testing.T, c *connect.Client, want connect.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Status: got %q, want %q", c.Status(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientHandshake(t *testing.T) {
	t.Parallel()

	g, srv := newGateway(t)
	users := usersManager(t)
	if _, err := users.AddUser("alice", "Alice", "laptop"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	c := connect.New(connect.Options{
		WSURL:      wsURL(srv),
		Host:       "devbox",
		AppVersion: "1.2.3",
		DeviceName: "devbox",
		TTS:        true,
		STT:        true,
	}, staticCreds{token: "tok_123"}, users)

	c.Connect(context.Background())
	defer c.Disconnect()

	waitForStatus(t, c, connect.StatusConnected)
	if c.SessionID() != "sess-1" {
		t.Fatalf("SessionID: got %q", c.SessionID())
	}
	if got := <-g.token; got != "tok_123" {
		t.Fatalf("dial token: got %q", got)
	}

	ready := g.next(t, "ready")
	device := ready["device"].(map[string]any)
	if device["platform"] != "claude-code" || device["appVersion"] != "1.2.3" {
		t.Fatalf("ready device: got %v", device)
	}
	caps := ready["capabilities"].(map[string]any)
	if caps["tts"] != true || caps["stt"] != true {
		t.Fatalf("ready capabilities: got %v", caps)
	}

	// The initial announce carries the registered user with presence derived
	// from the live connection.
	update := g.next(t, "capabilities_update")
	list := update["users"].([]any)
	if len(list) != 1 {
		t.Fatalf("announced users: got %v", list)
	}
	announced := list[0].(map[string]any)
	if announced["name"] != "alice" || announced["presence"] != "online" {
		t.Fatalf("announced user: got %v", announced)
	}
}

func TestClientDevices(t *testing.T) {
	t.Parallel()

	g, srv := newGateway(t)
	c := connect.New(connect.Options{WSURL: wsURL(srv)}, staticCreds{token: "t"}, usersManager(t))
	c.Connect(context.Background())
	defer c.Disconnect()
	waitForStatus(t, c, connect.StatusConnected)

	g.send <- `{"type":"devices","devices":[{"sessionId":"remote-1","platform":"ios","name":"phone","ready":true}]}`

	deadline := time.Now().Add(5 * time.Second)
	for {
		devices := c.Devices()
		if len(devices) == 1 {
			if devices[0].SessionID != "remote-1" || !devices[0].Ready {
				t.Fatalf("Devices: got %+v", devices[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("device list never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientRoutesMessageIntoMailbox(t *testing.T) {
	t.Parallel()

	g, srv := newGateway(t)
	users := usersManager(t)
	if _, err := users.AddUser("alice", "Alice", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if _, err := users.AddUser("bob", "", ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	c := connect.New(connect.Options{WSURL: wsURL(srv)}, staticCreds{token: "t"}, users)
	c.Connect(context.Background())
	defer c.Disconnect()
	waitForStatus(t, c, connect.StatusConnected)

	g.send <- `{"type":"user_message_delivery","text":"build is green","from":"ci","target_user":"bob","message_id":"msg_abc123def456"}`

	confirm := g.next(t, "delivery_confirmation")
	if confirm["message_id"] != "msg_abc123def456" || confirm["target_user"] != "bob" {
		t.Fatalf("confirmation: got %v", confirm)
	}
	if confirm["delivered"] != false {
		t.Fatal("confirmation: delivered should be false with no live subscriber")
	}

	msgs, err := users.ReadInbox("bob", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "build is green" || msgs[0].From != "ci" {
		t.Fatalf("inbox: got %+v", msgs)
	}

	// An unknown target falls back to the first registered user.
	g.send <- `{"type":"user_message_delivery","text":"hello stranger","from":"ci","target_user":"nobody"}`
	confirm = g.next(t, "delivery_confirmation")
	if confirm["target_user"] != "alice" {
		t.Fatalf("fallback target: got %v", confirm["target_user"])
	}
}

func TestClientPrimaryUserFiltersAnnounce(t *testing.T) {
	t.Parallel()

	g, srv := newGateway(t)
	users := usersManager(t)
	for _, name := range []string{"alice", "bob"} {
		if _, err := users.AddUser(name, "", ""); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
	}

	c := connect.New(connect.Options{WSURL: wsURL(srv), Host: "devbox"}, staticCreds{token: "t"}, users)
	c.SetPrimaryUser("bob")
	c.Connect(context.Background())
	defer c.Disconnect()
	waitForStatus(t, c, connect.StatusConnected)

	update := g.next(t, "capabilities_update")
	list := update["users"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "bob" {
		t.Fatalf("announced users: got %v, want only the primary", list)
	}
	// Hosts default to the client's configured host.
	if list[0].(map[string]any)["host"] != "devbox" {
		t.Fatalf("announced host: got %v", list[0])
	}
}

func TestClientNoCredentials(t *testing.T) {
	t.Parallel()

	_, srv := newGateway(t)
	c := connect.New(connect.Options{WSURL: wsURL(srv)}, staticCreds{}, usersManager(t))
	c.Connect(context.Background())
	defer c.Disconnect()

	waitForStatus(t, c, connect.StatusNoCredentials)
}

func TestClientDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	_, srv := newGateway(t)
	c := connect.New(connect.Options{WSURL: wsURL(srv)}, staticCreds{token: "t"}, usersManager(t))
	c.Connect(context.Background())
	waitForStatus(t, c, connect.StatusConnected)

	c.Disconnect()
	if c.Status() != connect.StatusDisconnected {
		t.Fatalf("Status after Disconnect: got %q", c.Status())
	}
	c.Disconnect()

	if err := c.SendCapabilitiesUpdate(context.Background()); err == nil {
		t.Fatal("SendCapabilitiesUpdate: expected error when disconnected")
	}
}
