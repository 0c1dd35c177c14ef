// Package wa abstracts the upstream WhatsApp connection behind a narrow
// session interface so the instance lifecycle can be driven (and tested)
// without the real wire protocol.
package wa

import (
	"context"
	"strings"
	"time"

	"wagate/internal/model"
)

// Event is one typed occurrence on a live session. Events are delivered in
// arrival order on the session channel.
type Event interface{ isEvent() }

// QREvent advertises a pairing code for an unauthenticated session.
type QREvent struct {
	Code string
}

// ConnectingEvent signals that the transport started a connection attempt.
type ConnectingEvent struct{}

// ConnectedEvent signals a fully opened, authenticated session.
type ConnectedEvent struct{}

// ClosedEvent signals the connection dropped. LoggedOut means the upstream
// invalidated the credentials; StreamCode carries the upstream close code
// when one was reported.
type ClosedEvent struct {
	StreamCode string
	LoggedOut  bool
}

// MessageInfo is the envelope metadata of one inbound message.
type MessageInfo struct {
	ID        string
	Sender    string
	Chat      string
	PushName  string
	IsFromMe  bool
	IsGroup   bool
	Kind      string // model.Type*
	Text      string
	Timestamp time.Time
}

// MessageEvent wraps one inbound message. Raw is the upstream envelope and
// must go through safe serialisation before persistence.
type MessageEvent struct {
	Info MessageInfo
	Raw  any
}

// GroupParticipantsEvent reports a membership change in a group chat.
type GroupParticipantsEvent struct {
	GroupJID     string
	Action       string // add|remove|promote|demote
	Participants []string
}

// ReceiptEvent reports delivery/read acknowledgements for sent messages.
type ReceiptEvent struct {
	MessageIDs []string
	Kind       string // model.MessageDelivered | model.MessageRead
}

func (QREvent) isEvent()                {}
func (ConnectingEvent) isEvent()        {}
func (ConnectedEvent) isEvent()         {}
func (ClosedEvent) isEvent()            {}
func (MessageEvent) isEvent()           {}
func (GroupParticipantsEvent) isEvent() {}
func (ReceiptEvent) isEvent()           {}

// Session is one live connection owned by exactly one instance. Concurrent
// sends are allowed; the implementation must not serialise them.
type Session interface {
	// Events returns the typed event stream. The channel is closed when the
	// session is closed for good.
	Events() <-chan Event
	// UserID returns the bound identity, empty until the first open succeeds.
	UserID() string
	SendText(ctx context.Context, jid, text string) (string, error)
	SendMedia(ctx context.Context, jid string, media model.Media) (string, error)
	GroupMetadata(ctx context.Context, jid string) (*model.GroupMetadata, error)
	Logout(ctx context.Context) error
	Close()
}

// Dialer opens sessions with whatever credentials exist for the phone.
type Dialer interface {
	Dial(ctx context.Context, phone string) (Session, error)
}

// Classification buckets upstream error conditions so the caller can log
// them at the right level instead of patching global sinks.
type Classification string

const (
	ClassBenignMACRetry    Classification = "benign-mac-retry"
	ClassBenignStreamReset Classification = "benign-stream-reset"
	ClassFatal             Classification = "fatal"
)

// ClassifyUpstream buckets a disconnect/stream error by its close code and
// message. transient holds the configured stream codes treated as benign
// resets (515 covers the stream reset that follows a QR pairing).
func ClassifyUpstream(code, message string, transient []string) Classification {
	for _, t := range transient {
		if code == t {
			return ClassBenignStreamReset
		}
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "bad mac"):
		return ClassBenignMACRetry
	case strings.Contains(lower, "stream reset"), strings.Contains(lower, "restart required"):
		return ClassBenignStreamReset
	default:
		return ClassFatal
	}
}

// NormalizeRecipient canonicalises a destination: bare phone numbers become
// user JIDs, group identifiers are coerced into group form.
func NormalizeRecipient(to string) string {
	to = strings.TrimSpace(to)
	if to == "" {
		return ""
	}
	if strings.ContainsRune(to, '@') {
		return to
	}
	if i := strings.IndexByte(to, '-'); i > 0 && i < len(to)-1 &&
		DigitsOnly(to) == to[:i]+to[i+1:] {
		// "12345-67890" style legacy group ids: digits, one hyphen, digits
		return to + "@g.us"
	}
	return DigitsOnly(to) + "@s.whatsapp.net"
}

// NormalizeGroup coerces a group identifier to group JID form.
func NormalizeGroup(groupID string) string {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return ""
	}
	if strings.HasSuffix(groupID, "@g.us") {
		return groupID
	}
	return strings.TrimSuffix(groupID, "@s.whatsapp.net") + "@g.us"
}

// DigitsOnly strips everything but 0-9 from a phone number.
func DigitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
