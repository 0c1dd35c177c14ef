// Package instance implements the per-tenant session lifecycle and the
// process-wide manager that supervises all sessions.
package instance

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"wagate/internal/errs"
	"wagate/internal/model"
	"wagate/internal/plugin"
	"wagate/internal/serialize"
	"wagate/internal/storage"
	"wagate/internal/wa"
	"wagate/internal/webhook"
)

// Lifecycle tuning. Reconnection is bounded: at most maxReconnectAttempts
// with reconnectDelay between them, then the session is considered gone.
var (
	maxReconnectAttempts = 5
	reconnectDelay       = 5 * time.Second
	restartQuiescence    = 1 * time.Second
	groupMetaTimeout     = 10 * time.Second
	logoutTimeout        = 10 * time.Second
)

// Instance binds one chat session to its plugin chain and webhook
// dispatcher and owns the connection state machine.
type Instance struct {
	ID    string
	Phone string

	store          *storage.Store
	dialer         wa.Dialer
	authDir        string
	log            zerolog.Logger
	transientCodes []string

	chain      *plugin.Chain
	dispatcher *webhook.Dispatcher

	mu             sync.Mutex
	name           string
	alias          string
	status         string
	qrPNG          string // base64 PNG, set while qr_ready
	attempts       int
	manualRestart  bool
	session        wa.Session
	reconnectTimer *time.Timer

	cacheMu    sync.Mutex
	groupCache map[string]*model.GroupMetadata
}

func newInstance(rec *model.Instance, store *storage.Store, dialer wa.Dialer, reg *plugin.Registry,
	authRoot string, transientCodes []string, log zerolog.Logger) *Instance {

	i := &Instance{
		ID:             rec.ID,
		Phone:          rec.Phone,
		store:          store,
		dialer:         dialer,
		authDir:        filepath.Join(authRoot, rec.Phone),
		log:            log.With().Str("component", "instance").Str("phone", rec.Phone).Logger(),
		transientCodes: transientCodes,
		name:           rec.Name,
		alias:          rec.Alias,
		status:         model.StatusPending,
		groupCache:     map[string]*model.GroupMetadata{},
	}
	i.chain = plugin.NewChain(reg, rec.Phone, log)
	i.chain.SyncFromStore(rec.Plugins)
	i.dispatcher = webhook.NewDispatcher(store, rec.ID, rec.Phone, log)
	return i
}

// Chain exposes the per-instance plugin chain for the control API.
func (i *Instance) Chain() *plugin.Chain { return i.chain }

// Status returns the in-memory (authoritative) status.
func (i *Instance) Status() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Snapshot returns the connection view served by the control API.
func (i *Instance) Snapshot() model.Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	snap := model.Snapshot{
		ID:                i.ID,
		Phone:             i.Phone,
		Name:              i.name,
		Alias:             i.alias,
		Status:            i.status,
		IsConnected:       i.status == model.StatusActive,
		QRCode:            i.qrPNG,
		ReconnectAttempts: i.attempts,
	}
	if i.session != nil {
		snap.UserID = i.session.UserID()
	}
	return snap
}

// setMeta mirrors a control-plane name/alias patch into memory.
func (i *Instance) setMeta(name, alias string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if name != "" {
		i.name = name
	}
	if alias != "" {
		i.alias = alias
	}
}

// Start opens the transport and begins consuming its event stream. Safe to
// call when already running (no-op).
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.session != nil {
		i.mu.Unlock()
		return nil
	}
	if i.reconnectTimer != nil {
		i.reconnectTimer.Stop()
		i.reconnectTimer = nil
	}
	i.status = model.StatusConnecting
	i.mu.Unlock()
	_ = i.store.UpdateInstanceStatus(i.Phone, model.StatusConnecting, "")

	sess, err := i.dialer.Dial(ctx, i.Phone)
	if err != nil {
		i.mu.Lock()
		i.status = model.StatusError
		i.mu.Unlock()
		_ = i.store.UpdateInstanceStatus(i.Phone, model.StatusError, "")
		i.logLine("error", fmt.Sprintf("transport open failed: %v", err))
		return errs.Wrap(errs.Upstream, err, "failed to open session for %s", i.Phone)
	}

	i.mu.Lock()
	i.session = sess
	i.mu.Unlock()
	go i.eventLoop(sess)
	return nil
}

// eventLoop consumes one session's events in arrival order. It exits when
// the session channel closes or a close event retires the session.
func (i *Instance) eventLoop(sess wa.Session) {
	for ev := range sess.Events() {
		// Events from a session that has already been replaced are stale.
		i.mu.Lock()
		current := i.session == sess
		i.mu.Unlock()
		if !current {
			return
		}

		switch e := ev.(type) {
		case wa.ConnectingEvent:
			i.transition(model.StatusConnecting, "", model.ConnConnecting)
		case wa.QREvent:
			i.onQR(e.Code)
		case wa.ConnectedEvent:
			i.onConnected()
		case wa.ClosedEvent:
			i.onClosed(sess, e)
			return
		case wa.MessageEvent:
			i.onMessage(sess, e)
		case wa.GroupParticipantsEvent:
			i.onGroupParticipants(sess, e)
		case wa.ReceiptEvent:
			i.onReceipt(e)
		}
	}
}

// transition updates memory + store and emits a connection.update event.
func (i *Instance) transition(status, qrPNG, sub string) {
	i.mu.Lock()
	i.status = status
	i.qrPNG = qrPNG
	attempts := i.attempts
	i.mu.Unlock()

	persisted := status
	if status == model.StatusLoggedOut {
		// Row stays re-pairable: soft-clean keeps it with status inactive.
		persisted = model.StatusInactive
	}
	_ = i.store.UpdateInstanceStatus(i.Phone, persisted, qrPNG)

	if sub != "" {
		i.dispatcher.Dispatch(model.EventConnectionUpdate, map[string]any{
			"status":   sub,
			"phone":    i.Phone,
			"attempts": attempts,
		})
	}
}

func (i *Instance) onQR(code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		i.logLine("error", fmt.Sprintf("QR encode failed: %v", err))
		return
	}
	b64 := base64.StdEncoding.EncodeToString(png)
	i.transition(model.StatusQRReady, b64, model.ConnQRReady)
	i.logLine("info", "QR code ready for pairing")
}

func (i *Instance) onConnected() {
	i.mu.Lock()
	i.attempts = 0
	i.mu.Unlock()
	i.transition(model.StatusActive, "", model.ConnConnected)
	i.logLine("info", "connected")
}

// onClosed drives the close rows of the state machine. The manual-restart
// flag is single-shot: consumed on the first close after it is set.
func (i *Instance) onClosed(sess wa.Session, ev wa.ClosedEvent) {
	i.mu.Lock()
	manual := i.manualRestart
	i.manualRestart = false
	attempts := i.attempts
	i.session = nil
	i.mu.Unlock()
	sess.Close()

	transient := false
	for _, c := range i.transientCodes {
		if ev.StreamCode == c {
			transient = true
			break
		}
	}

	switch {
	case ev.LoggedOut || (!manual && attempts >= maxReconnectAttempts):
		i.logLine("warn", fmt.Sprintf("session closed for good (logged_out=%v attempts=%d)", ev.LoggedOut, attempts))
		i.softClean()
	case manual && !transient:
		// Restart in flight; credentials stay, the restart path reconnects.
		i.transition(model.StatusInactive, "", model.ConnManualRestart)
		i.logLine("info", "session closed for manual restart")
	default:
		i.mu.Lock()
		i.attempts++
		n := i.attempts
		i.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
			if err := i.Start(context.Background()); err != nil {
				i.log.Error().Err(err).Msg("reconnect failed")
			}
		})
		i.mu.Unlock()
		i.transition(model.StatusReconnecting, "", model.ConnReconnecting)
		i.logLine("warn", fmt.Sprintf("connection lost (code=%q), reconnect attempt %d/%d scheduled", ev.StreamCode, n, maxReconnectAttempts))
	}
}

// softClean drops runtime state and the credential blob but keeps the
// persisted row so the tenant can pair again later.
func (i *Instance) softClean() {
	i.mu.Lock()
	if i.reconnectTimer != nil {
		i.reconnectTimer.Stop()
		i.reconnectTimer = nil
	}
	sess := i.session
	i.session = nil
	i.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	i.transition(model.StatusLoggedOut, "", model.ConnLoggedOut)
	if err := os.RemoveAll(i.authDir); err != nil {
		i.log.Error().Err(err).Str("dir", i.authDir).Msg("credential cleanup failed")
	}
}

// Restart closes the transport without logging out, waits a short
// quiescence window and opens it again. Credentials are preserved.
func (i *Instance) Restart(ctx context.Context) error {
	i.mu.Lock()
	i.manualRestart = true
	if i.reconnectTimer != nil {
		i.reconnectTimer.Stop()
		i.reconnectTimer = nil
	}
	sess := i.session
	i.session = nil
	i.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	i.transition(model.StatusInactive, "", model.ConnManualRestart)
	i.logLine("info", "manual restart requested")

	time.Sleep(restartQuiescence)
	// The old session was detached above, so its close never reaches
	// onClosed; the flag only covers a close that raced with the restart.
	i.mu.Lock()
	i.manualRestart = false
	i.mu.Unlock()
	return i.Start(ctx)
}

// shutdown closes the session without touching credentials or the row.
func (i *Instance) shutdown() {
	i.mu.Lock()
	if i.reconnectTimer != nil {
		i.reconnectTimer.Stop()
		i.reconnectTimer = nil
	}
	sess := i.session
	i.session = nil
	i.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// delete logs the session out and removes the credential blob. With
// keepRecord the row survives with status inactive, otherwise it cascades.
func (i *Instance) delete(keepRecord bool) error {
	i.mu.Lock()
	if i.reconnectTimer != nil {
		i.reconnectTimer.Stop()
		i.reconnectTimer = nil
	}
	sess := i.session
	i.session = nil
	i.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		if err := sess.Logout(ctx); err != nil {
			i.log.Warn().Err(err).Msg("logout failed, closing anyway")
		}
		cancel()
		sess.Close()
	}
	if err := os.RemoveAll(i.authDir); err != nil {
		i.log.Error().Err(err).Str("dir", i.authDir).Msg("credential cleanup failed")
	}

	if keepRecord {
		i.mu.Lock()
		i.status = model.StatusLoggedOut
		i.qrPNG = ""
		i.mu.Unlock()
		return i.store.UpdateInstanceStatus(i.Phone, model.StatusInactive, "")
	}
	return i.store.DeleteInstance(i.Phone)
}

// onMessage runs the inbound pipeline: persist, plugin fan-out, webhook
// fan-out. A failing stage is logged and never stops the later stages.
// Messages this session sent itself bypass the pipeline entirely.
func (i *Instance) onMessage(sess wa.Session, ev wa.MessageEvent) {
	if ev.Info.IsFromMe {
		return
	}

	content := map[string]any{
		"text":        ev.Info.Text,
		"push_name":   ev.Info.PushName,
		"upstream_id": ev.Info.ID,
		"upstream_ts": ev.Info.Timestamp.Format(time.RFC3339),
		"raw":         serialize.Safe(ev.Raw),
	}
	ts := ev.Info.Timestamp
	stored := &model.Message{
		InstanceID: i.ID,
		Direction:  model.DirectionIncoming,
		From:       ev.Info.Sender,
		To:         ev.Info.Chat,
		Type:       ev.Info.Kind,
		Content:    content,
		Status:     model.MessageReceived,
		SentAt:     &ts,
	}
	if _, err := i.store.CreateMessage(stored); err != nil {
		i.logLine("error", fmt.Sprintf("failed to persist inbound message %s: %v", ev.Info.ID, err))
		stored = nil
	}

	ctx := context.Background()
	i.chain.Dispatch(ctx, &plugin.Event{
		Phone:     i.Phone,
		Kind:      "message",
		Transport: sess,
		Message:   &ev.Info,
		Stored:    stored,
	})

	i.dispatcher.Dispatch(model.EventMessageReceived, map[string]any{
		"id":        ev.Info.ID,
		"from":      ev.Info.Sender,
		"chat":      ev.Info.Chat,
		"type":      ev.Info.Kind,
		"text":      ev.Info.Text,
		"pushName":  ev.Info.PushName,
		"timestamp": ev.Info.Timestamp.Format(time.RFC3339),
		"isGroup":   ev.Info.IsGroup,
	})
}

// onGroupParticipants wraps a membership change as a synthetic envelope.
// These are not persisted as messages; only plugins and webhooks see them.
func (i *Instance) onGroupParticipants(sess wa.Session, ev wa.GroupParticipantsEvent) {
	i.chain.Dispatch(context.Background(), &plugin.Event{
		Phone:     i.Phone,
		Kind:      "group-participants",
		Transport: sess,
		Group:     &ev,
	})
	i.dispatcher.Dispatch(model.EventMessageReceived, map[string]any{
		"group":        ev.GroupJID,
		"action":       ev.Action,
		"participants": ev.Participants,
	})
}

// onReceipt promotes outgoing message statuses on upstream acks.
func (i *Instance) onReceipt(ev wa.ReceiptEvent) {
	for _, id := range ev.MessageIDs {
		if err := i.store.UpdateMessageStatusByUpstreamID(i.ID, id, ev.Kind); err != nil {
			i.log.Error().Err(err).Str("upstream_id", id).Msg("receipt update failed")
		}
	}
}

// currentSession gates sends: only an active instance may send.
func (i *Instance) currentSession() (wa.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != model.StatusActive || i.session == nil {
		return nil, errs.New(errs.NotConnected, "instance %s is not connected (status %s)", i.Phone, i.status)
	}
	return i.session, nil
}

// SendText sends a plain text message to a user or group recipient.
func (i *Instance) SendText(ctx context.Context, to, text string) (*model.Message, error) {
	if to == "" || text == "" {
		return nil, errs.New(errs.BadInput, "to and message are required")
	}
	return i.sendText(ctx, wa.NormalizeRecipient(to), text)
}

// SendGroupText sends a plain text message to a group id.
func (i *Instance) SendGroupText(ctx context.Context, groupID, text string) (*model.Message, error) {
	if groupID == "" || text == "" {
		return nil, errs.New(errs.BadInput, "groupId and message are required")
	}
	return i.sendText(ctx, wa.NormalizeGroup(groupID), text)
}

func (i *Instance) sendText(ctx context.Context, jid, text string) (*model.Message, error) {
	sess, err := i.currentSession()
	if err != nil {
		return nil, err
	}
	upstreamID, err := sess.SendText(ctx, jid, text)
	if err != nil {
		i.logLine("error", fmt.Sprintf("send text to %s failed: %v", jid, err))
		return nil, errs.Wrap(errs.Upstream, err, "failed to send message")
	}
	msg := i.recordOutbound(jid, model.TypeText, map[string]any{
		"text":        text,
		"upstream_id": upstreamID,
	})
	i.logLine("info", fmt.Sprintf("text sent to %s (id %s)", jid, upstreamID))
	return msg, nil
}

var mediaTypes = map[string]bool{
	model.TypeImage:    true,
	model.TypeVideo:    true,
	model.TypeAudio:    true,
	model.TypeDocument: true,
}

// SendMedia uploads and sends media fetched from media.URL.
func (i *Instance) SendMedia(ctx context.Context, to string, media model.Media) (*model.Message, error) {
	if to == "" || media.URL == "" {
		return nil, errs.New(errs.BadInput, "to and media.url are required")
	}
	if !mediaTypes[media.Type] {
		return nil, errs.New(errs.BadInput, "media.type must be one of image, video, audio, document")
	}
	sess, err := i.currentSession()
	if err != nil {
		return nil, err
	}
	jid := wa.NormalizeRecipient(to)
	upstreamID, err := sess.SendMedia(ctx, jid, media)
	if err != nil {
		i.logLine("error", fmt.Sprintf("send %s to %s failed: %v", media.Type, jid, err))
		return nil, errs.Wrap(errs.Upstream, err, "failed to send media")
	}
	msg := i.recordOutbound(jid, media.Type, map[string]any{
		"url":         media.URL,
		"caption":     media.Caption,
		"filename":    media.Filename,
		"upstream_id": upstreamID,
	})
	i.logLine("info", fmt.Sprintf("%s sent to %s (id %s)", media.Type, jid, upstreamID))
	return msg, nil
}

// recordOutbound persists the outgoing row and emits message.sent. Both
// are best-effort; the send already succeeded upstream.
func (i *Instance) recordOutbound(jid, kind string, content map[string]any) *model.Message {
	now := time.Now()
	msg := &model.Message{
		InstanceID: i.ID,
		Direction:  model.DirectionOutgoing,
		From:       i.Phone,
		To:         jid,
		Type:       kind,
		Content:    content,
		Status:     model.MessageSent,
		SentAt:     &now,
	}
	if _, err := i.store.CreateMessage(msg); err != nil {
		i.logLine("error", fmt.Sprintf("failed to persist outbound message: %v", err))
	}
	i.dispatcher.Dispatch(model.EventMessageSent, map[string]any{
		"to":      jid,
		"type":    kind,
		"content": content,
	})
	return msg
}

// GroupMetadata memoises group lookups for the life of the instance.
// Transport failures are returned without being cached.
func (i *Instance) GroupMetadata(ctx context.Context, groupID string) (*model.GroupMetadata, error) {
	jid := wa.NormalizeGroup(groupID)

	i.cacheMu.Lock()
	if meta, ok := i.groupCache[jid]; ok {
		i.cacheMu.Unlock()
		return meta, nil
	}
	i.cacheMu.Unlock()

	sess, err := i.currentSession()
	if err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, groupMetaTimeout)
	defer cancel()
	meta, err := sess.GroupMetadata(qctx, jid)
	if err != nil {
		if qctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, err, "group metadata query timed out")
		}
		return nil, errs.Wrap(errs.Upstream, err, "group metadata query failed")
	}

	i.cacheMu.Lock()
	i.groupCache[jid] = meta
	i.cacheMu.Unlock()
	return meta, nil
}

// SyncPlugins replaces the chain overrides from the persisted row.
func (i *Instance) SyncPlugins() error {
	rec, err := i.store.InstanceByPhone(i.Phone)
	if err != nil {
		return errs.Wrap(errs.Storage, err, "failed to load instance %s", i.Phone)
	}
	if rec == nil {
		return errs.New(errs.NotFound, "instance %s not found", i.Phone)
	}
	i.chain.SyncFromStore(rec.Plugins)
	return nil
}

// SetPluginMap applies a partial override map and persists the result.
func (i *Instance) SetPluginMap(m map[string]bool) error {
	i.chain.SetMap(m)
	if err := i.store.UpdateInstancePlugins(i.Phone, i.chain.Overrides()); err != nil {
		return errs.Wrap(errs.Storage, err, "failed to persist plugin map")
	}
	return nil
}

// logLine writes to both the structured logger and the instance_logs table.
func (i *Instance) logLine(level, msg string) {
	switch level {
	case "error":
		i.log.Error().Msg(msg)
	case "warn":
		i.log.Warn().Msg(msg)
	case "debug":
		i.log.Debug().Msg(msg)
	default:
		i.log.Info().Msg(msg)
	}
	if err := i.store.AppendInstanceLog(i.ID, level, msg); err != nil {
		i.log.Error().Err(err).Msg("instance log write failed")
	}
}
