package plugin

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// welcomeDelay is how long joins are batched before one greeting goes out.
const welcomeDelay = 5 * time.Minute

// Welcome greets members added to a group. Joins within the delay window
// are collected into one batch per group so a mass-add produces a single
// message; if everyone who joined leaves again before the timer fires, the
// greeting is cancelled.
type Welcome struct {
	log   zerolog.Logger
	delay time.Duration

	mu      sync.Mutex
	batches map[string]*welcomeBatch
}

type welcomeBatch struct {
	participants map[string]struct{}
	timer        *time.Timer
}

func NewWelcome(log zerolog.Logger) *Welcome {
	return &Welcome{
		log:     log.With().Str("plugin", "welcome").Logger(),
		delay:   welcomeDelay,
		batches: map[string]*welcomeBatch{},
	}
}

func (w *Welcome) Name() string { return "welcome" }

func (w *Welcome) Config() Config {
	return Config{
		Enabled:     true,
		Description: "Kirim sapaan ke member baru grup (digabung per 5 menit)",
	}
}

func (w *Welcome) Handle(ctx context.Context, evt *Event) error {
	if evt.Kind != "group-participants" || evt.Group == nil {
		return nil
	}
	switch evt.Group.Action {
	case "add":
		w.enqueue(evt.Group.GroupJID, evt.Group.Participants, evt.Transport)
	case "remove":
		w.dequeue(evt.Group.GroupJID, evt.Group.Participants)
	}
	return nil
}

func (w *Welcome) enqueue(groupJID string, participants []string, transport Texter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.batches[groupJID]
	if !ok {
		b = &welcomeBatch{participants: map[string]struct{}{}}
		b.timer = time.AfterFunc(w.delay, func() { w.fire(groupJID, transport) })
		w.batches[groupJID] = b
	}
	for _, p := range participants {
		b.participants[p] = struct{}{}
	}
	w.log.Debug().Str("group", groupJID).Int("pending", len(b.participants)).Msg("welcome batch updated")
}

func (w *Welcome) dequeue(groupJID string, participants []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.batches[groupJID]
	if !ok {
		return
	}
	for _, p := range participants {
		delete(b.participants, p)
	}
	// Semua member yang tadi join sudah keluar lagi; batalkan sapaan.
	if len(b.participants) == 0 {
		b.timer.Stop()
		delete(w.batches, groupJID)
		w.log.Debug().Str("group", groupJID).Msg("welcome batch cancelled")
	}
}

func (w *Welcome) fire(groupJID string, transport Texter) {
	w.mu.Lock()
	b, ok := w.batches[groupJID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.batches, groupJID)
	mentions := make([]string, 0, len(b.participants))
	for p := range b.participants {
		mentions = append(mentions, "@"+userPart(p))
	}
	w.mu.Unlock()

	if len(mentions) == 0 || transport == nil {
		return
	}
	text := "Selamat datang di grup, " + strings.Join(mentions, " ") + "! 👋"
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := transport.SendText(ctx, groupJID, text); err != nil {
		w.log.Error().Err(err).Str("group", groupJID).Msg("welcome send failed")
		return
	}
	w.log.Info().Str("group", groupJID).Int("greeted", len(mentions)).Msg("welcome sent")
}

func userPart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}
