package chat

import (
	"context"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/bananirou/streambet/backend/config"
	"github.com/bananirou/streambet/backend/telemetry"
)

// MessageFunc receives one chat message projected down to the sender's username and
// the raw message text. The bridge guarantees nothing beyond that projection.
type MessageFunc func(sender, content string)

// StartAuthBridge connects to the configured channel's chat and feeds every message to
// onMessage until ctx is cancelled. With bot credentials it authenticates; without, it
// connects anonymously (read-only), which is all challenge observation needs.
//
// Connection loss is logged and flagged on the chat connectivity gauge, then retried
// with a fixed delay. Blocks until ctx is cancelled; run it on its own goroutine.
func StartAuthBridge(ctx context.Context, cfg *config.Config, onMessage MessageFunc) {
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("chat auth bridge disabled", slog.Any("reason", err))
		return
	}

	var client *twitch.Client
	if cfg.TwitchBotUsername != "" {
		client = twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)
	} else {
		client = twitch.NewAnonymousClient()
	}

	client.OnConnect(func() {
		telemetry.SetGauge(telemetry.ChatConnectedGauge, 1)
		slog.Info("chat auth bridge connected", slog.String("channel", cfg.TwitchChannel))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		telemetry.Inc(telemetry.ChatMessagesSeen)
		// DisplayName keeps the chat capitalization; the admin allow-list and the
		// challenge resolution are both case-sensitive against it.
		onMessage(msg.User.DisplayName, msg.Message)
	})

	// Close the IRC connection when the context ends.
	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()

	client.Join(cfg.TwitchChannel)
	for {
		err := client.Connect()
		telemetry.SetGauge(telemetry.ChatConnectedGauge, 0)
		if ctx.Err() != nil {
			return
		}
		slog.Error("chat auth bridge disconnected, retrying", slog.Any("err", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}
