package bus

import "time"

// Event types on the subscriber stream.
const (
	TypeStatus          = "status"
	TypeQR              = "qr"
	TypeAuthenticated   = "authenticated"
	TypeDisconnected    = "disconnected"
	TypeDisconnectedAck = "disconnected_ack"
	TypeError           = "error"
	TypeMessageReceived = "message_received"
	TypePong            = "pong"
)

// QR challenges are valid for roughly two minutes on the platform side.
const qrExpirySeconds = 120

const qrInstruction = "Open WhatsApp on your phone > Linked Devices > Link a Device > Scan this QR"

// Account identifies the linked WhatsApp account.
type Account struct {
	PushName string `json:"pushname"`
	WID      string `json:"wid"`
	Phone    string `json:"phone"`
	Platform string `json:"platform,omitempty"`
}

// InboundMessage is a text message received by the session.
type InboundMessage struct {
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"waMessageId,omitempty"`
	PushName  string    `json:"pushName,omitempty"`
}

// Snapshot is the session view replayed to late subscribers.
type Snapshot struct {
	State             string   `json:"state"`
	Authenticated     bool     `json:"authenticated"`
	Connecting        bool     `json:"connecting"`
	HasQR             bool     `json:"hasQR"`
	ClientInitialized bool     `json:"clientInitialized"`
	Account           *Account `json:"account"`
}

// Describe is the operator-facing one-liner for a snapshot.
func (s Snapshot) Describe() string {
	switch {
	case s.Authenticated:
		return "Already authenticated"
	case s.Connecting:
		return "Initializing..."
	default:
		return "Ready for QR scan"
	}
}

// Event is one message on the subscriber stream. Only the fields relevant
// to Type are populated.
type Event struct {
	Type string `json:"type"`
	*Snapshot

	Status      string     `json:"status,omitempty"`
	Message     string     `json:"message,omitempty"`
	Data        string     `json:"data,omitempty"`
	Source      string     `json:"source,omitempty"`
	ExpiresIn   int        `json:"expiresIn,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	Action      string     `json:"action,omitempty"`
	Critical    bool       `json:"critical,omitempty"`
	Success     bool       `json:"success,omitempty"`
	From        string     `json:"from,omitempty"`
	Body        string     `json:"body,omitempty"`
	Timestamp   string     `json:"timestamp"`
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func StatusEvent(s Snapshot) Event {
	return Event{Type: TypeStatus, Snapshot: &s, Message: s.Describe(), Timestamp: stamp(time.Now())}
}

func QREvent(dataURI string, generatedAt time.Time) Event {
	g := generatedAt.UTC()
	return Event{
		Type:        TypeQR,
		Data:        dataURI,
		ExpiresIn:   qrExpirySeconds,
		GeneratedAt: &g,
		Instruction: qrInstruction,
		Timestamp:   stamp(time.Now()),
	}
}

func AuthenticatedEvent(status, message string) Event {
	return Event{Type: TypeAuthenticated, Status: status, Message: message, Timestamp: stamp(time.Now())}
}

func DisconnectedEvent(reason string) Event {
	if reason == "" {
		reason = "Unknown"
	}
	return Event{
		Type:      TypeDisconnected,
		Reason:    reason,
		Message:   "WhatsApp disconnected. You may need to re-authenticate.",
		Timestamp: stamp(time.Now()),
	}
}

func DisconnectedAckEvent() Event {
	return Event{Type: TypeDisconnectedAck, Success: true, Timestamp: stamp(time.Now())}
}

// ErrorEvent builds an error notification; action hints the dashboard at
// what to do next ("retry", "reset") and may be empty.
func ErrorEvent(msg, action string) Event {
	return Event{Type: TypeError, Error: msg, Action: action, Timestamp: stamp(time.Now())}
}

func MessageReceivedEvent(msg InboundMessage) Event {
	return Event{Type: TypeMessageReceived, From: msg.From, Body: msg.Body, Timestamp: stamp(msg.Timestamp)}
}

func PongEvent() Event {
	return Event{Type: TypePong, Timestamp: stamp(time.Now())}
}
