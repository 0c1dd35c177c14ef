package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/wa"
)

type stubPlugin struct {
	name    string
	handle  func(ctx context.Context, evt *Event) error
	calls   int
	callsMu sync.Mutex
}

func (p *stubPlugin) Name() string   { return p.name }
func (p *stubPlugin) Config() Config { return Config{Description: "stub"} }
func (p *stubPlugin) Handle(ctx context.Context, evt *Event) error {
	p.callsMu.Lock()
	p.calls++
	p.callsMu.Unlock()
	if p.handle != nil {
		return p.handle(ctx, evt)
	}
	return nil
}

func (p *stubPlugin) callCount() int {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	return p.calls
}

func testChain(plugins ...*stubPlugin) *Chain {
	c := &Chain{
		phone:     "628123",
		log:       zerolog.Nop(),
		overrides: map[string]bool{},
		plugins:   map[string]Plugin{},
	}
	for _, p := range plugins {
		c.plugins[p.name] = p
	}
	return c
}

func TestRegistryLoadsBuiltins(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	names := reg.Names()
	assert.Contains(t, names, "welcome")
	assert.Contains(t, names, "autoreply")

	cfg, ok := reg.Describe("welcome")
	require.True(t, ok)
	assert.True(t, cfg.Enabled)
	assert.NotEmpty(t, cfg.Description)

	reg.Reload()
	assert.ElementsMatch(t, names, reg.Names())
}

func TestChainDefaultsDisabled(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	c := NewChain(reg, "628123", zerolog.Nop())
	for _, st := range c.Statuses() {
		assert.False(t, st.Enabled, "plugin %s must start disabled even if its default says enabled", st.Name)
	}
}

func TestChainDispatchRunsOnlyEnabled(t *testing.T) {
	on := &stubPlugin{name: "on"}
	off := &stubPlugin{name: "off"}
	c := testChain(on, off)
	require.NoError(t, c.Enable("on"))

	c.Dispatch(context.Background(), &Event{Kind: "message"})
	assert.Equal(t, 1, on.callCount())
	assert.Equal(t, 0, off.callCount())
}

func TestChainContainsFailures(t *testing.T) {
	boom := &stubPlugin{name: "boom", handle: func(context.Context, *Event) error {
		return errors.New("boom")
	}}
	panicky := &stubPlugin{name: "panicky", handle: func(context.Context, *Event) error {
		panic("kaboom")
	}}
	ok := &stubPlugin{name: "ok"}
	c := testChain(boom, panicky, ok)
	require.NoError(t, c.Enable("boom"))
	require.NoError(t, c.Enable("panicky"))
	require.NoError(t, c.Enable("ok"))

	// Must not panic and must run every enabled plugin.
	c.Dispatch(context.Background(), &Event{Kind: "message"})
	assert.Equal(t, 1, boom.callCount())
	assert.Equal(t, 1, panicky.callCount())
	assert.Equal(t, 1, ok.callCount())
}

func TestChainSetMapAndSync(t *testing.T) {
	a := &stubPlugin{name: "a"}
	b := &stubPlugin{name: "b"}
	c := testChain(a, b)

	c.SetMap(map[string]bool{"a": true, "ghost": true})
	ov := c.Overrides()
	assert.True(t, ov["a"])
	_, hasGhost := ov["ghost"]
	assert.False(t, hasGhost, "unknown plugin overrides are dropped")

	c.SyncFromStore(map[string]bool{"b": true})
	ov = c.Overrides()
	assert.False(t, ov["a"], "sync replaces the whole map")
	assert.True(t, ov["b"])

	require.Error(t, c.Enable("ghost"))
}

type fakeTexter struct {
	mu    sync.Mutex
	sends []struct{ jid, text string }
}

func (f *fakeTexter) SendText(ctx context.Context, jid, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, struct{ jid, text string }{jid, text})
	return "MSGID", nil
}

func (f *fakeTexter) sent() []struct{ jid, text string } {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]struct{ jid, text string }, len(f.sends))
	copy(out, f.sends)
	return out
}

func groupEvent(tx Texter, action string, participants ...string) *Event {
	return &Event{
		Phone:     "628123",
		Kind:      "group-participants",
		Transport: tx,
		Group:     &wa.GroupParticipantsEvent{GroupJID: "123-456@g.us", Action: action, Participants: participants},
	}
}

func TestWelcomeBatchesJoins(t *testing.T) {
	w := NewWelcome(zerolog.Nop())
	w.delay = 50 * time.Millisecond
	tx := &fakeTexter{}

	require.NoError(t, w.Handle(context.Background(), groupEvent(tx, "add", "62811@s.whatsapp.net")))
	require.NoError(t, w.Handle(context.Background(), groupEvent(tx, "add", "62812@s.whatsapp.net")))

	require.Eventually(t, func() bool { return len(tx.sent()) == 1 }, time.Second, 10*time.Millisecond)
	got := tx.sent()[0]
	assert.Equal(t, "123-456@g.us", got.jid)
	assert.Contains(t, got.text, "@62811")
	assert.Contains(t, got.text, "@62812")
}

func TestWelcomeCancelsWhenEveryoneLeaves(t *testing.T) {
	w := NewWelcome(zerolog.Nop())
	w.delay = 50 * time.Millisecond
	tx := &fakeTexter{}

	require.NoError(t, w.Handle(context.Background(), groupEvent(tx, "add", "62811@s.whatsapp.net")))
	require.NoError(t, w.Handle(context.Background(), groupEvent(tx, "remove", "62811@s.whatsapp.net")))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, tx.sent(), "greeting must be cancelled when all pending joins leave")
}

func TestAutoReplyRespondsToKeyword(t *testing.T) {
	a := NewAutoReply(zerolog.Nop())
	tx := &fakeTexter{}

	evt := &Event{
		Phone:     "628123",
		Kind:      "message",
		Transport: tx,
		Message:   &wa.MessageInfo{Chat: "62899@s.whatsapp.net", Text: "ping"},
	}
	require.NoError(t, a.Handle(context.Background(), evt))
	require.Len(t, tx.sent(), 1)
	assert.Equal(t, "pong", tx.sent()[0].text)

	// Grup dan pesan sendiri diabaikan
	evt.Message.IsGroup = true
	require.NoError(t, a.Handle(context.Background(), evt))
	assert.Len(t, tx.sent(), 1)
}
