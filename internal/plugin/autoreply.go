package plugin

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AutoReply answers simple keyword commands in direct chats. Group chats
// are ignored to avoid noise.
type AutoReply struct {
	log     zerolog.Logger
	replies map[string]string
}

func NewAutoReply(log zerolog.Logger) *AutoReply {
	return &AutoReply{
		log: log.With().Str("plugin", "autoreply").Logger(),
		replies: map[string]string{
			"ping":  "pong",
			"!info": "Gateway aktif. Ketik !help untuk daftar perintah.",
			"!help": "Perintah: ping, !info, !help",
		},
	}
}

func (a *AutoReply) Name() string { return "autoreply" }

func (a *AutoReply) Config() Config {
	return Config{
		Enabled:     false,
		Description: "Balas otomatis untuk perintah sederhana di chat pribadi",
	}
}

func (a *AutoReply) Handle(ctx context.Context, evt *Event) error {
	if evt.Kind != "message" || evt.Message == nil || evt.Transport == nil {
		return nil
	}
	if evt.Message.IsGroup || evt.Message.IsFromMe {
		return nil
	}
	reply, ok := a.replies[strings.ToLower(strings.TrimSpace(evt.Message.Text))]
	if !ok {
		return nil
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := evt.Transport.SendText(sendCtx, evt.Message.Chat, reply)
	if err == nil {
		a.log.Info().Str("to", evt.Message.Chat).Msg("autoreply sent")
	}
	return err
}
