package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/model"
	"wagate/internal/storage"
)

func testStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	s, err := storage.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	id, err := s.CreateInstance("628123456789", "I1", "")
	require.NoError(t, err)
	return s, id
}

func testDispatcher(s *storage.Store, instanceID string, timeout time.Duration) *Dispatcher {
	d := NewDispatcher(s, instanceID, "628123456789", zerolog.Nop())
	d.client = &http.Client{Timeout: timeout}
	return d
}

func TestDispatchSuccessRecordsHistory(t *testing.T) {
	s, id := testStore(t)

	var gotBody []byte
	var gotUA, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, err := s.CreateWebhook(id, "", model.EventMessageReceived, srv.URL, true)
	require.NoError(t, err)

	d := testDispatcher(s, id, 5*time.Second)
	n := d.Dispatch(model.EventMessageReceived, map[string]any{"text": "hi"})
	assert.Equal(t, 1, n)

	var wire payload
	require.NoError(t, json.Unmarshal(gotBody, &wire))
	assert.Equal(t, model.EventMessageReceived, wire.Event)
	assert.Equal(t, id, wire.InstanceID)
	assert.Equal(t, "hi", wire.Data["text"])
	_, err = time.Parse(time.RFC3339, wire.Timestamp)
	assert.NoError(t, err)
	assert.Equal(t, "wagate/1.0.0", gotUA)
	assert.Equal(t, "application/json", gotCT)

	rows, err := s.ListHistory(storage.HistoryFilter{InstanceID: id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	h := rows[0]
	assert.Equal(t, model.DeliverySuccess, h.Status)
	require.NotNil(t, h.HTTPStatus)
	assert.Equal(t, http.StatusOK, *h.HTTPStatus)
	require.NotNil(t, h.Response)
	assert.Contains(t, *h.Response, `\"ok\":true`)
	require.NotNil(t, h.CompletedAt)
	assert.False(t, h.CompletedAt.Before(h.TriggeredAt))
}

func TestDispatchMixedOutcomes(t *testing.T) {
	s, id := testStore(t)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer fast.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer slow.Close()

	_, err := s.CreateWebhook(id, "", model.EventMessageReceived, fast.URL, true)
	require.NoError(t, err)
	_, err = s.CreateWebhook(id, "", model.EventMessageReceived, slow.URL, true)
	require.NoError(t, err)
	// Disabled subscriptions must not fire at all.
	_, err = s.CreateWebhook(id, "", model.EventMessageReceived, fast.URL, false)
	require.NoError(t, err)

	d := testDispatcher(s, id, 200*time.Millisecond)
	start := time.Now()
	n := d.Dispatch(model.EventMessageReceived, map[string]any{})
	assert.Equal(t, 2, n)
	assert.Less(t, time.Since(start), time.Second, "attempts must run concurrently")

	rows, err := s.ListHistory(storage.HistoryFilter{InstanceID: id})
	require.NoError(t, err)
	require.Len(t, rows, 2, "exactly one history row per attempt")

	byStatus := map[string]model.WebhookHistory{}
	for _, h := range rows {
		byStatus[h.Status] = h
	}
	ok, has := byStatus[model.DeliverySuccess]
	require.True(t, has)
	require.NotNil(t, ok.HTTPStatus)
	assert.Equal(t, http.StatusOK, *ok.HTTPStatus)
	require.NotNil(t, ok.ResponseTimeMs)
	assert.GreaterOrEqual(t, *ok.ResponseTimeMs, int64(40))

	to, has := byStatus[model.DeliveryTimeout]
	require.True(t, has)
	assert.Nil(t, to.HTTPStatus, "timeout rows carry no http status")
	require.NotNil(t, to.ErrorMessage)
	assert.Contains(t, *to.ErrorMessage, "timed out")
}

func TestDispatchNon2xxIsFailed(t *testing.T) {
	s, id := testStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := s.CreateWebhook(id, "", model.EventConnectionUpdate, srv.URL, true)
	require.NoError(t, err)

	d := testDispatcher(s, id, time.Second)
	d.Dispatch(model.EventConnectionUpdate, map[string]any{"status": "connected"})

	rows, err := s.ListHistory(storage.HistoryFilter{InstanceID: id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DeliveryFailed, rows[0].Status)
	require.NotNil(t, rows[0].HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, *rows[0].HTTPStatus)
	require.NotNil(t, rows[0].ErrorMessage)
}

func TestDispatchUnreachableIsFailed(t *testing.T) {
	s, id := testStore(t)
	_, err := s.CreateWebhook(id, "", model.EventMessageSent, "http://127.0.0.1:1/unreachable", true)
	require.NoError(t, err)

	d := testDispatcher(s, id, time.Second)
	d.Dispatch(model.EventMessageSent, map[string]any{})

	rows, err := s.ListHistory(storage.HistoryFilter{InstanceID: id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DeliveryFailed, rows[0].Status)
	assert.Nil(t, rows[0].HTTPStatus)
	require.NotNil(t, rows[0].ErrorMessage)
}

func TestDispatchNoSubscriptions(t *testing.T) {
	s, id := testStore(t)
	d := testDispatcher(s, id, time.Second)

	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
	}))
	defer srv.Close()

	assert.Equal(t, 0, d.Dispatch(model.EventMessageReceived, map[string]any{}))
	assert.Equal(t, int32(0), served.Load())
	rows, err := s.ListHistory(storage.HistoryFilter{InstanceID: id})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
