package connect

// Wire frames exchanged with the gateway. Everything is JSON over one
// WebSocket; inbound frames dispatch on the type field and unknown types are
// ignored at debug level.

// Device is one remote device announced by the gateway.
type Device struct {
	SessionID    string         `json:"sessionId"`
	DeviceID     string         `json:"deviceId,omitempty"`
	Platform     string         `json:"platform,omitempty"`
	Name         string         `json:"name,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Ready        bool           `json:"ready"`
	ConnectedAt  int64          `json:"connectedAt,omitempty"`
	LastActivity int64          `json:"lastActivity,omitempty"`
}

// inboundFrame is the superset of fields across all inbound frame types.
type inboundFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId,omitempty"`
	Devices   []Device `json:"devices,omitempty"`

	// user_message_delivery
	Text       string `json:"text,omitempty"`
	From       string `json:"from,omitempty"`
	TargetUser string `json:"target_user,omitempty"`
	MessageID  string `json:"message_id,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// deviceIdentity describes this client in the ready frame.
type deviceIdentity struct {
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
}

// readyFrame announces this client after the connected handshake.
type readyFrame struct {
	Type         string          `json:"type"`
	Device       deviceIdentity  `json:"device"`
	Capabilities map[string]bool `json:"capabilities"`
}

// announcedUser is one registered user in a capabilities_update frame.
type announcedUser struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	DisplayName string `json:"display_name"`
	Presence    string `json:"presence"`
}

// capabilitiesFrame carries the registered-user list. An empty list is sent
// as-is; the gateway treats it as "no announce".
type capabilitiesFrame struct {
	Type     string          `json:"type"`
	Users    []announcedUser `json:"users"`
	Platform string          `json:"platform"`
}

// heartbeatFrame keeps the connection alive; timestamp is Unix milliseconds.
type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// confirmationFrame acknowledges a delivered user message.
type confirmationFrame struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id"`
	TargetUser string `json:"target_user"`
	Delivered  bool   `json:"delivered"`
}
