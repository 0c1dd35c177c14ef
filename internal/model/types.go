package model

import "time"

// Instance status constants for lifecycle tracking.
const (
	StatusPending      = "pending"
	StatusConnecting   = "connecting"
	StatusQRReady      = "qr_ready"
	StatusActive       = "active"
	StatusReconnecting = "reconnecting"
	StatusInactive     = "inactive"
	StatusError        = "error"
	StatusLoggedOut    = "logged_out"
	// StatusDisconnected is only reported in views for instances that are
	// persisted but not loaded in memory.
	StatusDisconnected = "disconnected"
)

// Message direction and status.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
	MessageReceived  = "received"
)

// Message content types.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeOther    = "other"
)

// Webhook delivery outcome.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliveryTimeout = "timeout"
)

// Event names emitted to webhooks.
const (
	EventConnectionUpdate = "connection.update"
	EventMessageReceived  = "message.received"
	EventMessageSent      = "message.sent"
)

// connection.update sub-status values.
const (
	ConnQRReady       = "qr_ready"
	ConnConnecting    = "connecting"
	ConnConnected     = "connected"
	ConnReconnecting  = "reconnecting"
	ConnLoggedOut     = "logged_out"
	ConnManualRestart = "manual_restart"
)

// Instance represents one WhatsApp session/tenant managed by the gateway.
type Instance struct {
	ID        string          `json:"id" db:"id"`
	Phone     string          `json:"phone" db:"phone"`
	Name      string          `json:"name" db:"name"`
	Alias     string          `json:"alias,omitempty" db:"alias"`
	Status    string          `json:"status" db:"status"`
	QRCode    string          `json:"qr_code,omitempty" db:"qr_code"`
	Plugins   map[string]bool `json:"plugins" db:"plugins"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Message is one inbound or outbound chat message tied to an instance.
type Message struct {
	ID         string         `json:"id" db:"id"`
	InstanceID string         `json:"instance_id" db:"instance_id"`
	Direction  string         `json:"direction" db:"direction"`
	From       string         `json:"from" db:"from_jid"`
	To         string         `json:"to" db:"to_jid"`
	Type       string         `json:"type" db:"type"`
	Content    map[string]any `json:"content" db:"content"`
	Status     string         `json:"status" db:"status"`
	SentAt     *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Webhook is a per-instance subscription to one event name.
type Webhook struct {
	ID         string    `json:"id" db:"id"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	Type       string    `json:"type" db:"type"`
	Event      string    `json:"event" db:"event"`
	URL        string    `json:"url" db:"url"`
	Enabled    bool      `json:"enabled" db:"enabled"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WebhookHistory records a single delivery attempt. Immutable once completed.
type WebhookHistory struct {
	ID             string     `json:"id" db:"id"`
	InstanceID     string     `json:"instance_id" db:"instance_id"`
	WebhookID      string     `json:"webhook_id" db:"webhook_id"`
	Event          string     `json:"event" db:"event"`
	Payload        string     `json:"payload" db:"payload"`
	Status         string     `json:"status" db:"status"`
	HTTPStatus     *int       `json:"http_status,omitempty" db:"http_status"`
	ResponseTimeMs *int64     `json:"response_time_ms,omitempty" db:"response_time_ms"`
	Response       *string    `json:"response,omitempty" db:"response"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	TriggeredAt    time.Time  `json:"triggered_at" db:"triggered_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// InstanceLog is an append-only per-instance log line.
type InstanceLog struct {
	ID         string    `json:"id" db:"id"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	Level      string    `json:"level" db:"level"`
	Message    string    `json:"message" db:"message"`
	TS         time.Time `json:"ts" db:"ts"`
}

// Snapshot is the connection view returned by the control API.
type Snapshot struct {
	ID                string `json:"id"`
	Phone             string `json:"phone"`
	Name              string `json:"name"`
	Alias             string `json:"alias,omitempty"`
	Status            string `json:"status"`
	IsConnected       bool   `json:"isConnected"`
	QRCode            string `json:"qrCode,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	UserID            string `json:"userId,omitempty"`
}

// Media describes an outbound media send request.
type Media struct {
	Type     string `json:"type"` // image|video|audio|document
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// GroupMetadata is the cached view of a group queried from the transport.
type GroupMetadata struct {
	JID          string   `json:"jid"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
	Owner        string   `json:"owner,omitempty"`
}

// HistoryStats aggregates webhook delivery history for the stats endpoint.
type HistoryStats struct {
	Total         int64            `json:"total"`
	Success       int64            `json:"success"`
	Failed        int64            `json:"failed"`
	AvgResponseMs float64          `json:"avg_response_ms"`
	ByEvent       map[string]int64 `json:"by_event"`
	ByStatus      map[string]int64 `json:"by_status"`
}
