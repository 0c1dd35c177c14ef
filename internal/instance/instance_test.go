package instance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/errs"
	"wagate/internal/model"
	"wagate/internal/storage"
	"wagate/internal/wa"
)

func waitStatus(t *testing.T, inst *Instance, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return inst.Status() == want },
		2*time.Second, 5*time.Millisecond, "expected status %s, got %s", want, inst.Status())
}

func TestCreateAndConnect(t *testing.T) {
	env := newTestEnv(t)

	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, len(env.manager.Status().Instances))

	sess := env.dialer.waitSession(t, 1)

	sess.push(wa.QREvent{Code: "qr-code-payload"})
	waitStatus(t, inst, model.StatusQRReady)
	snap := inst.Snapshot()
	assert.NotEmpty(t, snap.QRCode, "qr_ready snapshot carries the base64 QR image")

	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)
	snap = inst.Snapshot()
	assert.True(t, snap.IsConnected)
	assert.Empty(t, snap.QRCode, "QR cleared once connected")
	assert.Equal(t, 0, snap.ReconnectAttempts)

	// Persisted status follows within one transition.
	require.Eventually(t, func() bool {
		rec, err := env.store.InstanceByPhone("628123456789")
		return err == nil && rec != nil && rec.Status == model.StatusActive
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateDuplicatePhone(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)

	_, err = env.manager.Create(context.Background(), "+62 812-345-6789", "I2", "")
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyExists, errs.CodeOf(err), "phones are normalised to digits before the uniqueness check")

	assert.Equal(t, 1, env.manager.Status().Total)
}

func TestBoundedReconnection(t *testing.T) {
	shortenTimers(t)
	env := newTestEnv(t)

	// Setiap sesi langsung putus (non-logout).
	env.dialer.onDial = func(n int, s *fakeSession) {
		s.push(wa.ClosedEvent{})
	}

	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)

	credDir := filepath.Join(env.authDir, "628123456789")
	require.NoError(t, os.MkdirAll(credDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(credDir, "session.db"), []byte("creds"), 0o644))

	waitStatus(t, inst, model.StatusLoggedOut)

	// Initial dial + 5 bounded reconnect attempts, never a 6th.
	assert.Equal(t, 6, env.dialer.dials())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, env.dialer.dials(), "no reconnect after logged_out")

	// Soft-clean: credentials removed, row kept with status inactive.
	_, statErr := os.Stat(credDir)
	assert.True(t, os.IsNotExist(statErr), "credential dir must be removed")
	rec, err := env.store.InstanceByPhone("628123456789")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StatusInactive, rec.Status)
}

func TestManualRestartPreservesCredentials(t *testing.T) {
	shortenTimers(t)
	env := newTestEnv(t)

	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	env.dialer.waitSession(t, 1).push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	credDir := filepath.Join(env.authDir, "628123456789")
	require.NoError(t, os.MkdirAll(credDir, 0o755))
	credFile := filepath.Join(credDir, "session.db")
	require.NoError(t, os.WriteFile(credFile, []byte("creds"), 0o644))

	require.NoError(t, env.manager.Restart(context.Background(), "628123456789"))

	sess := env.dialer.waitSession(t, 2)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	_, err = os.Stat(credFile)
	assert.NoError(t, err, "credentials survive a manual restart")
	assert.NotEqual(t, model.StatusLoggedOut, inst.Status())
}

func TestManualRestartFlagIsSingleShot(t *testing.T) {
	shortenTimers(t)
	env := newTestEnv(t)

	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	// Upstream close while the manual-restart flag is set parks the
	// instance instead of burning a reconnect attempt.
	inst.mu.Lock()
	inst.manualRestart = true
	inst.mu.Unlock()
	sess.push(wa.ClosedEvent{})
	waitStatus(t, inst, model.StatusInactive)

	inst.mu.Lock()
	flag := inst.manualRestart
	inst.mu.Unlock()
	assert.False(t, flag, "flag cleared on first close")
}

func TestTransientStreamCodeOverridesManualRestart(t *testing.T) {
	shortenTimers(t)
	env := newTestEnv(t)

	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	// Stream reset during QR scan must reconnect even mid-manual-restart,
	// otherwise re-authentication would be impossible.
	inst.mu.Lock()
	inst.manualRestart = true
	inst.mu.Unlock()
	sess.push(wa.ClosedEvent{StreamCode: "515"})

	next := env.dialer.waitSession(t, 2)
	require.NotNil(t, next)
	next.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)
}

func TestSendGating(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)

	// Not yet connected: refuse with NotConnected.
	_, err = inst.SendText(context.Background(), "62899", "hi")
	require.Error(t, err)
	assert.Equal(t, errs.NotConnected, errs.CodeOf(err))

	// Validation failures surface before any transport call.
	_, err = inst.SendText(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Equal(t, errs.BadInput, errs.CodeOf(err))
	msgs, err := env.store.ListMessages(inst.ID, storage.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs, "no message row persisted for rejected sends")

	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	msg, err := inst.SendText(context.Background(), "+62 899 000", "hello")
	require.NoError(t, err)
	assert.Equal(t, model.DirectionOutgoing, msg.Direction)
	assert.Equal(t, model.MessageSent, msg.Status)
	assert.Equal(t, "UP-1", msg.Content["upstream_id"])

	sent := sess.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "62899000@s.whatsapp.net", sent[0].jid, "recipient normalised to canonical JID")

	rows, err := env.store.ListMessages(inst.ID, storage.MessageFilter{Direction: model.DirectionOutgoing})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSendGroupAndMedia(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	_, err = inst.SendGroupText(context.Background(), "120363-98765", "promo")
	require.NoError(t, err)
	sent := sess.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "120363-98765@g.us", sent[0].jid)

	_, err = inst.SendMedia(context.Background(), "62899", model.Media{Type: "sticker", URL: "http://x/img.png"})
	require.Error(t, err)
	assert.Equal(t, errs.BadInput, errs.CodeOf(err))

	msg, err := inst.SendMedia(context.Background(), "62899", model.Media{
		Type: model.TypeImage, URL: "http://x/img.png", Caption: "cap",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TypeImage, msg.Type)

	sendErr := errors.New("upstream down")
	sess.mu.Lock()
	sess.sendErr = sendErr
	sess.mu.Unlock()
	_, err = inst.SendText(context.Background(), "62899", "hi")
	require.Error(t, err)
	assert.Equal(t, errs.Upstream, errs.CodeOf(err))
}

func TestInboundPipeline(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	ts := time.Now().Add(-time.Minute)
	sess.push(wa.MessageEvent{
		Info: wa.MessageInfo{
			ID: "UPSTREAM-1", Sender: "62899@s.whatsapp.net", Chat: "62899@s.whatsapp.net",
			PushName: "Budi", Kind: model.TypeText, Text: "halo", Timestamp: ts,
		},
		Raw: map[string]any{"conversation": "halo", "blob": []byte{1, 2}},
	})

	require.Eventually(t, func() bool {
		msgs, err := env.store.ListMessages(inst.ID, storage.MessageFilter{})
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	msgs, err := env.store.ListMessages(inst.ID, storage.MessageFilter{})
	require.NoError(t, err)
	m := msgs[0]
	assert.Equal(t, model.DirectionIncoming, m.Direction)
	assert.Equal(t, model.MessageReceived, m.Status)
	assert.Equal(t, "halo", m.Content["text"])
	assert.Equal(t, "Budi", m.Content["push_name"])
	assert.Equal(t, "UPSTREAM-1", m.Content["upstream_id"])
	raw, ok := m.Content["raw"].(map[string]any)
	require.True(t, ok)
	blob, ok := raw["blob"].(map[string]any)
	require.True(t, ok, "raw envelope is safe-serialised")
	assert.Equal(t, "bytes", blob["__type"])

	// Pesan dari diri sendiri tidak masuk pipeline.
	sess.push(wa.MessageEvent{Info: wa.MessageInfo{ID: "SELF", IsFromMe: true, Kind: model.TypeText}})
	time.Sleep(50 * time.Millisecond)
	msgs, err = env.store.ListMessages(inst.ID, storage.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestReceiptPromotesMessageStatus(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	msg, err := inst.SendText(context.Background(), "62899", "hi")
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)

	sess.push(wa.ReceiptEvent{MessageIDs: []string{"UP-1"}, Kind: model.MessageDelivered})
	require.Eventually(t, func() bool {
		rows, err := env.store.ListMessages(inst.ID, storage.MessageFilter{Status: model.MessageDelivered})
		return err == nil && len(rows) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sess.push(wa.ReceiptEvent{MessageIDs: []string{"UP-1"}, Kind: model.MessageRead})
	require.Eventually(t, func() bool {
		rows, err := env.store.ListMessages(inst.ID, storage.MessageFilter{Status: model.MessageRead})
		return err == nil && len(rows) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGroupMetadataCache(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)
	sess.push(wa.ConnectedEvent{})
	waitStatus(t, inst, model.StatusActive)

	meta, err := inst.GroupMetadata(context.Background(), "123-456")
	require.NoError(t, err)
	assert.Equal(t, "Test Group", meta.Subject)

	_, err = inst.GroupMetadata(context.Background(), "123-456@g.us")
	require.NoError(t, err)
	sess.mu.Lock()
	calls := sess.metaCalls
	sess.mu.Unlock()
	assert.Equal(t, 1, calls, "second lookup served from cache")

	// Kegagalan transport tidak di-cache.
	sess.mu.Lock()
	sess.metaErr = errors.New("query failed")
	sess.mu.Unlock()
	_, err = inst.GroupMetadata(context.Background(), "999-000")
	require.Error(t, err)
	sess.mu.Lock()
	sess.metaErr = nil
	sess.mu.Unlock()
	_, err = inst.GroupMetadata(context.Background(), "999-000")
	require.NoError(t, err)
}

func TestPluginOverridesPersist(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628123456789", "I1", "")
	require.NoError(t, err)

	require.NoError(t, inst.SetPluginMap(map[string]bool{"welcome": true}))
	rec, err := env.store.InstanceByPhone("628123456789")
	require.NoError(t, err)
	assert.True(t, rec.Plugins["welcome"])

	// Out-of-band store change, then lazy sync.
	require.NoError(t, env.store.UpdateInstancePlugins("628123456789", map[string]bool{"autoreply": true}))
	require.NoError(t, inst.SyncPlugins())
	ov := inst.Chain().Overrides()
	assert.True(t, ov["autoreply"])
	assert.False(t, ov["welcome"])
}
