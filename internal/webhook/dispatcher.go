// Package webhook fans typed gateway events out to subscribed HTTP
// endpoints, recording one history row per delivery attempt.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wagate/config"
	"wagate/internal/model"
	"wagate/internal/storage"
)

// deliveryTimeout bounds one POST end to end.
const deliveryTimeout = 5 * time.Second

// responseSnapshotLimit caps how much of a response body gets stored.
const responseSnapshotLimit = 64 * 1024

// Dispatcher delivers events for exactly one instance. No retries: one
// attempt per subscription per event, with full history.
type Dispatcher struct {
	store      *storage.Store
	client     *http.Client
	instanceID string
	phone      string
	userAgent  string
	log        zerolog.Logger
}

func NewDispatcher(store *storage.Store, instanceID, phone string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		client:     &http.Client{Timeout: deliveryTimeout},
		instanceID: instanceID,
		phone:      phone,
		userAgent:  config.ProductName + "/" + config.Version,
		log:        log.With().Str("component", "webhook").Str("phone", phone).Logger(),
	}
}

// payload is the wire format POSTed to subscribers.
type payload struct {
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
	InstanceID string         `json:"instanceId"`
}

// Dispatch delivers the event to every enabled subscription concurrently
// and waits for all attempts to settle. Returns the number of attempts.
func (d *Dispatcher) Dispatch(event string, data map[string]any) int {
	subs, err := d.store.EnabledWebhooksByEvent(d.instanceID, event)
	if err != nil {
		d.log.Error().Err(err).Str("event", event).Msg("webhook lookup failed")
		return 0
	}
	if len(subs) == 0 {
		return 0
	}

	body, err := json.Marshal(payload{
		Event:      event,
		Data:       data,
		Timestamp:  time.Now().Format(time.RFC3339),
		InstanceID: d.instanceID,
	})
	if err != nil {
		d.log.Error().Err(err).Str("event", event).Msg("webhook payload marshal failed")
		return 0
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.Webhook) {
			defer wg.Done()
			d.attempt(sub, event, body)
		}(sub)
	}
	wg.Wait()
	return len(subs)
}

// attempt issues one POST and records its outcome. A failed history write
// is logged but never masks or aborts the delivery itself.
func (d *Dispatcher) attempt(sub model.Webhook, event string, body []byte) {
	triggeredAt := time.Now()
	historyID, err := d.store.CreateHistory(d.instanceID, sub.ID, event, string(body), triggeredAt)
	if err != nil {
		d.log.Error().Err(err).Str("webhook", sub.ID).Msg("history create failed")
	}

	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.complete(historyID, model.DeliveryFailed, nil, 0, nil, strp(err.Error()), triggeredAt)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if isTimeout(err) {
			d.complete(historyID, model.DeliveryTimeout, nil, elapsed, nil,
				strp("delivery timed out after "+deliveryTimeout.String()), triggeredAt)
		} else {
			d.complete(historyID, model.DeliveryFailed, nil, elapsed, nil, strp(err.Error()), triggeredAt)
		}
		d.log.Warn().Err(err).Str("url", sub.URL).Str("event", event).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	snapshot := readSnapshot(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.complete(historyID, model.DeliverySuccess, &resp.StatusCode, elapsed, strp(snapshot), nil, triggeredAt)
		d.log.Debug().Str("url", sub.URL).Int("status", resp.StatusCode).Int64("ms", elapsed).Msg("webhook delivered")
		return
	}
	d.complete(historyID, model.DeliveryFailed, &resp.StatusCode, elapsed, strp(snapshot),
		strp("endpoint returned "+resp.Status), triggeredAt)
	d.log.Warn().Str("url", sub.URL).Int("status", resp.StatusCode).Str("event", event).Msg("webhook rejected")
}

func (d *Dispatcher) complete(historyID, status string, httpStatus *int, elapsedMs int64, response, errMsg *string, triggeredAt time.Time) {
	if historyID == "" {
		return
	}
	completedAt := time.Now()
	if completedAt.Before(triggeredAt) {
		completedAt = triggeredAt
	}
	ms := elapsedMs
	if err := d.store.CompleteHistory(historyID, status, httpStatus, &ms, response, errMsg, completedAt); err != nil {
		d.log.Error().Err(err).Str("history", historyID).Msg("history write failed")
	}
}

// readSnapshot captures response headers and a bounded body excerpt as JSON.
func readSnapshot(resp *http.Response) string {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnapshotLimit))
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out, err := json.Marshal(map[string]any{
		"headers": headers,
		"body":    string(buf),
	})
	if err != nil {
		return ""
	}
	return string(out)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func strp(s string) *string { return &s }
