// Package connect maintains the persistent WebSocket session to the presence
// gateway: registration, heartbeats, remote device listings, and inbound
// message delivery into the filesystem mailboxes.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicemode/voicemode/internal/connect/mailbox"
	"github.com/voicemode/voicemode/internal/credentials"
	"github.com/voicemode/voicemode/internal/observe"
)

const (
	// heartbeatInterval paces outbound heartbeats.
	heartbeatInterval = 25 * time.Second

	// trafficTimeout is the longest the receive loop waits for any inbound
	// frame before treating the connection as dead. Heartbeat acks arrive
	// well inside it.
	trafficTimeout = 60 * time.Second

	// Reconnect backoff bounds.
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	gatewayPlatform = "claude-code"
)

// Status is the observable connection state.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusReconnecting  Status = "reconnecting"
	StatusNoCredentials Status = "no credentials"
)

// CredentialSource yields fresh credentials for each connection attempt.
// [*credentials.Store] satisfies it.
type CredentialSource interface {
	Load() (*credentials.Credentials, error)
}

// Options configures a Client.
type Options struct {
	// WSURL is the gateway WebSocket URL; the access token is appended as a
	// query parameter on dial.
	WSURL string

	// Host names this machine in capability announcements.
	Host string

	// AppVersion and DeviceName describe this client in the ready frame.
	AppVersion string
	DeviceName string

	// Capabilities advertised in the ready frame.
	TTS bool
	STT bool
}

// Client is the gateway WebSocket client. Connect is idempotent; one
// background worker owns the connection for the client's lifetime.
type Client struct {
	opts  Options
	creds CredentialSource
	users *mailbox.Manager

	deviceID string

	mu          sync.Mutex
	status      Status
	sessionID   string
	devices     []Device
	conn        *websocket.Conn
	primaryUser string
	cancel      context.CancelFunc
	doneCh      chan struct{}
}

// New creates a Client delivering inbound messages into users.
func New(opts Options, creds CredentialSource, users *mailbox.Manager) *Client {
	return &Client{
		opts:     opts,
		creds:    creds,
		users:    users,
		deviceID: uuid.NewString(),
		status:   StatusDisconnected,
	}
}

// Connect starts the connection worker. Calling it while a worker is already
// running is a no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	go c.run(runCtx)
}

// Disconnect cancels the worker and waits for it to exit. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.doneCh
	c.cancel = nil
	c.doneCh = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the gateway session is live.
func (c *Client) Connected() bool { return c.Status() == StatusConnected }

// SessionID returns the gateway session id of the live connection, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Devices returns a copy of the last received remote device list.
func (c *Client) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// SetPrimaryUser marks one registered user as this process's primary. When a
// primary is set it is the only user announced in capability updates.
func (c *Client) SetPrimaryUser(name string) {
	c.mu.Lock()
	c.primaryUser = name
	c.mu.Unlock()
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	if s != StatusConnected {
		c.sessionID = ""
		c.devices = nil
		c.conn = nil
	}
	c.mu.Unlock()
}

// run is the connection loop: dial, handshake, announce, pump frames,
// reconnect with backoff on any failure.
func (c *Client) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.setStatus(StatusDisconnected)

	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = reconnectMin
		}
		if errors.Is(err, errNoCredentials) {
			c.setStatus(StatusNoCredentials)
		} else {
			c.setStatus(StatusReconnecting)
			slog.Warn("gateway connection lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

var errNoCredentials = errors.New("connect: no credentials available")

// session runs one connection from dial to failure. connected reports
// whether the handshake completed, so the caller can reset its backoff.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	creds, err := c.creds.Load()
	if err != nil || creds == nil || creds.AccessToken == "" {
		if err == nil {
			err = errNoCredentials
		} else {
			err = fmt.Errorf("%w: %v", errNoCredentials, err)
		}
		return false, err
	}

	c.setStatus(StatusConnecting)
	conn, _, err := websocket.Dial(ctx, c.opts.WSURL+"?token="+creds.AccessToken, nil)
	if err != nil {
		return false, fmt.Errorf("connect: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	// The first frame must be connected{sessionId}.
	first, err := c.read(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("connect: read handshake: %w", err)
	}
	if first.Type != "connected" {
		return false, fmt.Errorf("connect: unexpected first frame %q", first.Type)
	}

	c.mu.Lock()
	c.status = StatusConnected
	c.sessionID = first.SessionID
	c.conn = conn
	c.mu.Unlock()
	slog.Info("gateway connected", "session_id", first.SessionID)

	observe.DefaultMetrics().ConnectedGateways.Add(ctx, 1)
	defer observe.DefaultMetrics().ConnectedGateways.Add(context.WithoutCancel(ctx), -1)

	if err := c.sendReady(ctx, conn); err != nil {
		return true, err
	}
	if err := c.SendCapabilitiesUpdate(ctx); err != nil {
		slog.Warn("initial capabilities announce failed", "error", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, conn)

	for {
		frame, err := c.read(ctx, conn)
		if err != nil {
			return true, fmt.Errorf("connect: read: %w", err)
		}
		c.dispatch(ctx, conn, frame)
	}
}

// read waits for one inbound frame, bounded by the traffic timeout.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) (*inboundFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, trafficTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &frame, nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("connect: marshal frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) sendReady(ctx context.Context, conn *websocket.Conn) error {
	return c.write(ctx, conn, readyFrame{
		Type: "ready",
		Device: deviceIdentity{
			Platform:   gatewayPlatform,
			AppVersion: c.opts.AppVersion,
			DeviceID:   c.deviceID,
			Name:       c.opts.DeviceName,
		},
		Capabilities: map[string]bool{"tts": c.opts.TTS, "stt": c.opts.STT},
	})
}

// heartbeat sends a heartbeat frame every 25 s until its context is
// cancelled.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.write(ctx, conn, heartbeatFrame{
				Type:      "heartbeat",
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
		}
	}
}

// SendCapabilitiesUpdate announces the registered users and their presence.
// When a primary user is set only that user is announced; with no registered
// users an empty list goes out.
func (c *Client) SendCapabilitiesUpdate(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	primary := c.primaryUser
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("connect: not connected")
	}

	users, err := c.users.Users()
	if err != nil {
		return fmt.Errorf("connect: list users: %w", err)
	}

	announced := make([]announcedUser, 0, len(users))
	for _, u := range users {
		if primary != "" && u.Name != primary {
			continue
		}
		host := u.Host
		if host == "" {
			host = c.opts.Host
		}
		announced = append(announced, announcedUser{
			Name:        u.Name,
			Host:        host,
			DisplayName: u.DisplayName,
			Presence:    string(c.users.PresenceOf(u.Name, connected)),
		})
	}

	return c.write(ctx, conn, capabilitiesFrame{
		Type:     "capabilities_update",
		Users:    announced,
		Platform: gatewayPlatform,
	})
}

// dispatch routes one inbound frame by type.
func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, frame *inboundFrame) {
	switch frame.Type {
	case "devices":
		c.mu.Lock()
		c.devices = frame.Devices
		c.mu.Unlock()
	case "heartbeat", "heartbeat_ack", "ack":
		// Keepalive traffic.
	case "error":
		slog.Warn("gateway error frame", "message", frame.Message, "code", frame.Code)
	case "user_message_delivery":
		c.routeMessage(ctx, conn, frame)
	default:
		slog.Debug("ignoring unknown gateway frame", "type", frame.Type)
	}
}

// routeMessage selects the target user and delivers into their mailbox, then
// confirms delivery back over the socket.
//
// Target selection: exact name match, then display_name match, then the
// first registered user; with none registered the message is dropped.
func (c *Client) routeMessage(ctx context.Context, conn *websocket.Conn, frame *inboundFrame) {
	users, err := c.users.Users()
	if err != nil || len(users) == 0 {
		slog.Warn("dropping gateway message: no registered users", "from", frame.From)
		return
	}

	target := users[0]
	if frame.TargetUser != "" {
		found := false
		for _, u := range users {
			if u.Name == frame.TargetUser {
				target, found = u, true
				break
			}
		}
		if !found {
			for _, u := range users {
				if u.DisplayName == frame.TargetUser {
					target, found = u, true
					break
				}
			}
		}
		if !found {
			slog.Warn("gateway message target unknown, using first user",
				"target", frame.TargetUser, "user", target.Name)
		}
	}

	msg, err := c.users.Deliver(target.Name, frame.Text, frame.From, "gateway", frame.MessageID)
	if err != nil {
		slog.Warn("mailbox delivery failed", "user", target.Name, "error", err)
		return
	}
	observe.DefaultMetrics().RecordMessageDelivered(ctx, msg.Delivered)

	err = c.write(ctx, conn, confirmationFrame{
		Type:       "delivery_confirmation",
		MessageID:  msg.ID,
		TargetUser: target.Name,
		Delivered:  msg.Delivered,
	})
	if err != nil {
		slog.Warn("cannot send delivery confirmation", "error", err)
	}
}
