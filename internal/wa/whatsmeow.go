package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wagate/internal/model"
)

// MeowDialer opens whatsmeow-backed sessions. Credentials for each phone
// live in their own sqlite container under <AuthRoot>/<phone>/session.db;
// the directory is created on first dial and removed by the owning
// instance on delete/soft-clean.
type MeowDialer struct {
	AuthRoot       string
	TransientCodes []string
	Log            zerolog.Logger

	fetchClient *http.Client
}

func NewMeowDialer(authRoot string, transientCodes []string, log zerolog.Logger) *MeowDialer {
	return &MeowDialer{
		AuthRoot:       authRoot,
		TransientCodes: transientCodes,
		Log:            log.With().Str("component", "transport").Logger(),
		fetchClient:    &http.Client{Timeout: 60 * time.Second},
	}
}

// CredentialDir returns the per-phone credential directory.
func (d *MeowDialer) CredentialDir(phone string) string {
	return filepath.Join(d.AuthRoot, phone)
}

func (d *MeowDialer) Dial(ctx context.Context, phone string) (Session, error) {
	dir := d.CredentialDir(phone)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auth dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, "session.db") + "?_foreign_keys=on"

	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("device: %w", err)
	}

	clientLog := waLog.Stdout("WhatsApp", "INFO", true)
	client := whatsmeow.NewClient(device, clientLog)
	// Reconnection policy belongs to the instance state machine, not the
	// library.
	client.EnableAutoReconnect = false

	s := &meowSession{
		phone:     phone,
		client:    client,
		container: container,
		dialer:    d,
		events:    make(chan Event, 128),
		log:       d.Log.With().Str("phone", phone).Logger(),
	}
	client.AddEventHandler(s.handleEvent)

	s.emit(ConnectingEvent{})
	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

type meowSession struct {
	phone     string
	client    *whatsmeow.Client
	container *sqlstore.Container
	dialer    *MeowDialer
	log       zerolog.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (s *meowSession) Events() <-chan Event { return s.events }

func (s *meowSession) UserID() string {
	if s.client.Store != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.User
	}
	return ""
}

// emit delivers ev on the session channel without blocking the whatsmeow
// dispatch goroutine. Overflow drops the event and logs it.
func (s *meowSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("event channel full, dropping")
	}
}

func (s *meowSession) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.QR:
		if len(e.Codes) > 0 {
			s.emit(QREvent{Code: e.Codes[0]})
		}
	case *events.Connected:
		s.emit(ConnectedEvent{})
	case *events.Disconnected:
		s.emit(ClosedEvent{})
	case *events.LoggedOut:
		s.emit(ClosedEvent{LoggedOut: true})
	case *events.StreamReplaced:
		s.emit(ClosedEvent{StreamCode: "replaced"})
	case *events.StreamError:
		class := ClassifyUpstream(e.Code, "stream error", s.dialer.TransientCodes)
		s.log.Warn().Str("code", e.Code).Str("class", string(class)).Msg("stream error")
		s.emit(ClosedEvent{StreamCode: e.Code})
	case *events.ConnectFailure:
		code := fmt.Sprint(int(e.Reason))
		class := ClassifyUpstream(code, e.Message, s.dialer.TransientCodes)
		s.log.Warn().Str("code", code).Str("class", string(class)).Msg("connect failure")
		s.emit(ClosedEvent{StreamCode: code})
	case *events.Message:
		s.emit(MessageEvent{Info: messageInfo(e), Raw: e.Message})
	case *events.Receipt:
		kind := ""
		switch e.Type {
		case types.ReceiptTypeDelivered:
			kind = model.MessageDelivered
		case types.ReceiptTypeRead:
			kind = model.MessageRead
		}
		if kind == "" || len(e.MessageIDs) == 0 {
			return
		}
		ids := make([]string, len(e.MessageIDs))
		for i, id := range e.MessageIDs {
			ids[i] = string(id)
		}
		s.emit(ReceiptEvent{MessageIDs: ids, Kind: kind})
	case *events.GroupInfo:
		for _, change := range []struct {
			action string
			jids   []types.JID
		}{
			{"add", e.Join},
			{"remove", e.Leave},
			{"promote", e.Promote},
			{"demote", e.Demote},
		} {
			action, jids := change.action, change.jids
			if len(jids) == 0 {
				continue
			}
			participants := make([]string, len(jids))
			for i, j := range jids {
				participants[i] = j.String()
			}
			s.emit(GroupParticipantsEvent{
				GroupJID:     e.JID.String(),
				Action:       action,
				Participants: participants,
			})
		}
	}
}

func messageInfo(e *events.Message) MessageInfo {
	kind, text := classifyMessage(e.Message)
	return MessageInfo{
		ID:        e.Info.ID,
		Sender:    e.Info.Sender.String(),
		Chat:      e.Info.Chat.String(),
		PushName:  e.Info.PushName,
		IsFromMe:  e.Info.IsFromMe,
		IsGroup:   e.Info.IsGroup,
		Kind:      kind,
		Text:      text,
		Timestamp: e.Info.Timestamp,
	}
}

// classifyMessage maps the upstream payload onto our content types and
// extracts the best-effort text/caption.
func classifyMessage(msg *waProto.Message) (string, string) {
	switch {
	case msg == nil:
		return model.TypeOther, ""
	case msg.Conversation != nil:
		return model.TypeText, msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return model.TypeText, msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return model.TypeImage, msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return model.TypeVideo, msg.VideoMessage.GetCaption()
	case msg.AudioMessage != nil:
		return model.TypeAudio, ""
	case msg.DocumentMessage != nil:
		return model.TypeDocument, msg.DocumentMessage.GetCaption()
	default:
		return model.TypeOther, ""
	}
}

func (s *meowSession) SendText(ctx context.Context, jidStr, text string) (string, error) {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	msg := &waProto.Message{Conversation: strptr(text)}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *meowSession) SendMedia(ctx context.Context, jidStr string, media model.Media) (string, error) {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	data, mime, err := s.fetch(ctx, media.URL)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}

	var mediaType whatsmeow.MediaType
	switch media.Type {
	case model.TypeImage:
		mediaType = whatsmeow.MediaImage
	case model.TypeVideo:
		mediaType = whatsmeow.MediaVideo
	case model.TypeAudio:
		mediaType = whatsmeow.MediaAudio
	case model.TypeDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return "", fmt.Errorf("unsupported media type %q", media.Type)
	}

	up, err := s.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	length := uint64(len(data))

	msg := &waProto.Message{}
	switch media.Type {
	case model.TypeImage:
		msg.ImageMessage = &waProto.ImageMessage{
			Caption:       optstr(media.Caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}
	case model.TypeVideo:
		msg.VideoMessage = &waProto.VideoMessage{
			Caption:       optstr(media.Caption),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}
	case model.TypeAudio:
		msg.AudioMessage = &waProto.AudioMessage{
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}
	case model.TypeDocument:
		msg.DocumentMessage = &waProto.DocumentMessage{
			Caption:       optstr(media.Caption),
			FileName:      optstr(media.Filename),
			Title:         optstr(media.Filename),
			Mimetype:      optstr(mime),
			URL:           optstr(up.URL),
			DirectPath:    optstr(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
		}
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *meowSession) GroupMetadata(ctx context.Context, jidStr string) (*model.GroupMetadata, error) {
	jid, err := types.ParseJID(jidStr)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, err
	}
	meta := &model.GroupMetadata{
		JID:     info.JID.String(),
		Subject: info.Name,
		Owner:   info.OwnerJID.String(),
	}
	for _, p := range info.Participants {
		meta.Participants = append(meta.Participants, p.JID.String())
	}
	return meta, nil
}

func (s *meowSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *meowSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect()
	_ = s.container.Close()
	close(s.events)
}

func (s *meowSession) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := s.dialer.fetchClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		// naive fallback
		lower := strings.ToLower(url)
		switch {
		case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"):
			ct = "image/jpeg"
		case strings.Contains(lower, ".png"):
			ct = "image/png"
		case strings.Contains(lower, ".mp4"):
			ct = "video/mp4"
		case strings.Contains(lower, ".ogg"), strings.Contains(lower, ".opus"):
			ct = "audio/ogg"
		default:
			ct = "application/octet-stream"
		}
	}
	return body, ct, nil
}

func strptr(s string) *string { return &s }

func optstr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
