package instance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/errs"
	"wagate/internal/model"
	"wagate/internal/storage"
	"wagate/internal/wa"
)

func TestInitRestoresActiveInstances(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.CreateInstance("628111", "active-one", "")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateInstanceStatus("628111", model.StatusActive, ""))
	_, err = env.store.CreateInstance("628222", "dormant", "")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateInstanceStatus("628222", model.StatusInactive, ""))

	require.NoError(t, env.manager.Init(context.Background()))

	assert.NotNil(t, env.manager.Get("628111"), "active instance restored into memory")
	assert.Nil(t, env.manager.Get("628222"), "dormant instance stays out of memory")
	assert.Equal(t, 1, env.dialer.dials())

	// Init berulang harus idempotent.
	require.NoError(t, env.manager.Init(context.Background()))
	assert.Equal(t, 1, env.dialer.dials())
}

func TestGetViewDegradedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.CreateInstance("628333", "dormant", "ali")
	require.NoError(t, err)

	snap, err := env.manager.GetView("628333")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, snap.Status)
	assert.False(t, snap.IsConnected)
	assert.Equal(t, "dormant", snap.Name)

	_, err = env.manager.GetView("000")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestUpdateMirrorsIntoMemory(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.manager.Create(context.Background(), "628444", "before", "")
	require.NoError(t, err)

	require.NoError(t, env.manager.Update("628444", "after", "aka"))
	snap := inst.Snapshot()
	assert.Equal(t, "after", snap.Name)
	assert.Equal(t, "aka", snap.Alias)

	rec, err := env.store.InstanceByPhone("628444")
	require.NoError(t, err)
	assert.Equal(t, "after", rec.Name)
}

func TestDeleteKeepRecord(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Create(context.Background(), "628555", "I1", "")
	require.NoError(t, err)
	sess := env.dialer.waitSession(t, 1)

	credDir := filepath.Join(env.authDir, "628555")
	require.NoError(t, os.MkdirAll(credDir, 0o755))

	require.NoError(t, env.manager.Delete("628555", true))

	assert.Nil(t, env.manager.Get("628555"))
	sess.mu.Lock()
	assert.True(t, sess.loggedOut, "delete logs the session out")
	assert.True(t, sess.closed)
	sess.mu.Unlock()
	_, statErr := os.Stat(credDir)
	assert.True(t, os.IsNotExist(statErr))

	rec, err := env.store.InstanceByPhone("628555")
	require.NoError(t, err)
	require.NotNil(t, rec, "keepRecord leaves the row")
	assert.Equal(t, model.StatusInactive, rec.Status)

	// Nomor yang sama bisa dibuat lagi setelah hard delete.
	require.NoError(t, env.manager.Delete("628555", false))
	rec, err = env.store.InstanceByPhone("628555")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = env.manager.Create(context.Background(), "628555", "I2", "")
	require.NoError(t, err)
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.Delete("628000", false)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestManagerSendRouting(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.SendText(context.Background(), "628666", "62899", "hi")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = env.manager.Create(context.Background(), "628666", "I1", "")
	require.NoError(t, err)
	env.dialer.waitSession(t, 1).push(wa.ConnectedEvent{})
	require.Eventually(t, func() bool {
		return env.manager.Get("628666").Status() == model.StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := env.manager.SendText(context.Background(), "628666", "62899", "hi")
	require.NoError(t, err)
	assert.Equal(t, model.DirectionOutgoing, msg.Direction)
}

func TestLoggedOutEmitsConnectionUpdate(t *testing.T) {
	shortenTimers(t)
	env := newTestEnv(t)

	var payloads atomic.Int32
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		last.Store(string(body))
		payloads.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst, err := env.manager.Create(context.Background(), "628777", "I1", "")
	require.NoError(t, err)
	_, err = env.store.CreateWebhook(inst.ID, "", model.EventConnectionUpdate, srv.URL, true)
	require.NoError(t, err)

	// Logout dari upstream: langsung soft-clean tanpa reconnect.
	env.dialer.waitSession(t, 1).push(wa.ClosedEvent{LoggedOut: true})
	waitStatus(t, inst, model.StatusLoggedOut)

	require.Eventually(t, func() bool { return payloads.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, last.Load().(string), model.ConnLoggedOut)

	rows, err := env.store.ListHistory(storage.HistoryFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, model.DeliverySuccess, rows[0].Status)
}
