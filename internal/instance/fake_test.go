package instance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wagate/internal/model"
	"wagate/internal/plugin"
	"wagate/internal/storage"
	"wagate/internal/wa"
)

// fakeSession is a scriptable wa.Session for state-machine tests.
type fakeSession struct {
	mu        sync.Mutex
	events    chan wa.Event
	closed    bool
	userID    string
	sends     []fakeSend
	sendErr   error
	loggedOut bool

	metaCalls int
	meta      *model.GroupMetadata
	metaErr   error
}

type fakeSend struct {
	jid   string
	text  string
	media *model.Media
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan wa.Event, 32), userID: "628123456789"}
}

func (f *fakeSession) Events() <-chan wa.Event { return f.events }
func (f *fakeSession) UserID() string          { return f.userID }

func (f *fakeSession) push(ev wa.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *fakeSession) SendText(ctx context.Context, jid, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, fakeSend{jid: jid, text: text})
	return "UP-1", nil
}

func (f *fakeSession) SendMedia(ctx context.Context, jid string, media model.Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, fakeSend{jid: jid, media: &media})
	return "UP-2", nil
}

func (f *fakeSession) GroupMetadata(ctx context.Context, jid string) (*model.GroupMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	return &model.GroupMetadata{JID: jid, Subject: "Test Group"}, nil
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

func (f *fakeSession) sent() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// fakeDialer hands out fakeSessions and can script each dial.
type fakeDialer struct {
	mu       sync.Mutex
	dialErr  error
	sessions []*fakeSession
	onDial   func(n int, s *fakeSession)
}

func (d *fakeDialer) Dial(ctx context.Context, phone string) (wa.Session, error) {
	d.mu.Lock()
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	n := len(d.sessions)
	script := d.onDial
	d.mu.Unlock()
	if script != nil {
		script(n, s)
	}
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(n int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > len(d.sessions) {
		return nil
	}
	return d.sessions[n-1]
}

// waitSession blocks until the n-th dial happened.
func (d *fakeDialer) waitSession(t *testing.T, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return d.dials() >= n }, 2*time.Second, 5*time.Millisecond)
	return d.session(n)
}

type testEnv struct {
	store   *storage.Store
	dialer  *fakeDialer
	manager *Manager
	authDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	store, err := storage.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dialer := &fakeDialer{}
	reg := plugin.NewRegistry(zerolog.Nop())
	authRoot := t.TempDir()
	mgr := NewManager(store, dialer, reg, authRoot, []string{"515"}, zerolog.Nop())
	return &testEnv{store: store, dialer: dialer, manager: mgr, authDir: authRoot}
}

// shortenTimers makes lifecycle tests fast; restored on cleanup.
func shortenTimers(t *testing.T) {
	t.Helper()
	oldDelay, oldQuiesce := reconnectDelay, restartQuiescence
	reconnectDelay = 10 * time.Millisecond
	restartQuiescence = 10 * time.Millisecond
	t.Cleanup(func() {
		reconnectDelay = oldDelay
		restartQuiescence = oldQuiesce
	})
}
