package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agentgw/internal/gateway"
)

const webchatChannelID = "webchat"

// WebChatChannel is the in-process channel fixture for the browser-based
// control plane client: unlike Telegram, webchat traffic already arrives
// as req:agent.run / a future req:message.send over the same websocket a
// browser session uses, so this adapter carries no transport of its own.
// Its only job is the channel lifecycle: register "webchat" as known and
// online at startup, and keep its last_seen timestamp fresh until ctx ends.
type WebChatChannel struct {
	core   *gateway.Core
	logger *slog.Logger
}

// NewWebChatChannel creates the webchat channel adapter bound to core.
func NewWebChatChannel(core *gateway.Core, logger *slog.Logger) *WebChatChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebChatChannel{core: core, logger: logger}
}

func (w *WebChatChannel) Name() string {
	return webchatChannelID
}

// Start upserts the webchat channel as online, then refreshes last_seen on
// a ticker until ctx is canceled, at which point it marks the channel
// offline before returning.
func (w *WebChatChannel) Start(ctx context.Context) error {
	if err := w.core.UpsertChannel(ctx, webchatChannelID, "webchat", "online"); err != nil {
		return err
	}
	w.logger.Info("webchat channel online")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.core.SetChannelStatus(context.Background(), webchatChannelID, "offline")
			w.logger.Info("webchat channel offline")
			return nil
		case <-ticker.C:
			if err := w.core.SetChannelStatus(ctx, webchatChannelID, "online"); err != nil {
				w.logger.Warn("webchat heartbeat failed", "error", err)
			}
		}
	}
}
