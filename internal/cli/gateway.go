package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/hooks"
	"github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/memory"
	"github.com/openclaw/openclaw/internal/provider"
	"github.com/openclaw/openclaw/internal/queue"
	"github.com/openclaw/openclaw/internal/session"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway (control plane, channels, memory)",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	reg := hooks.NewRegistry()

	// Delivery queue, shared by every channel.
	q, err := queue.Open(cfg.DeliveryQueueDir())
	if err != nil {
		return err
	}

	// Sessions.
	store, err := session.OpenSQLite(cfg.SessionsDBPath())
	if err != nil {
		return err
	}
	defer store.Close()
	sessions := session.NewManager(store, cfg.Sessions.CleanupTimeout.Duration())

	// Memory (optional: requires an embedding provider).
	var mem *memory.Manager
	if embedder := buildEmbedder(cfg); embedder != nil {
		mem, err = memory.NewManager(cfg.MemoryDir(), cfg.Memory, embedder)
		if err != nil {
			return err
		}
		defer mem.Close()
	} else {
		slog.Warn("no embedding provider configured, memory disabled")
	}

	// Channels, each behind the delivered pipeline.
	chans := make(map[string]channels.Channel, len(cfg.Channels))
	for _, entry := range cfg.Channels {
		ch, err := channels.New(entry)
		if err != nil {
			return fmt.Errorf("channel %s: %w", entry.Name, err)
		}
		chans[ch.Name()] = channels.NewDelivered(ch, q, reg)
	}

	// Providers.
	provs := make(map[string]provider.Provider, len(cfg.Providers))
	for _, entry := range cfg.Providers {
		p, err := provider.New(entry)
		if err != nil {
			return fmt.Errorf("provider %s: %w", entry.Name, err)
		}
		name := entry.Name
		if name == "" {
			name = entry.Type
		}
		provs[name] = p
	}

	srv := gateway.NewServer(cfg.Gateway, cfg.Browser, reg, gateway.Deps{
		Sessions:  sessions,
		Memory:    mem,
		Channels:  chans,
		Providers: provs,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	for name, ch := range chans {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
		ch.SetOnMessage(func(msg *bus.IncomingMessage) {
			srv.Broadcast("message.received", msg)
		})
	}
	if err := srv.Start(); err != nil {
		return err
	}

	go redeliverLoop(ctx, q, chans)
	go expireLoop(ctx, sessions, cfg.Sessions.TTL.Duration())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	for name, ch := range chans {
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
	return srv.Stop()
}

// buildEmbedder picks the first provider entry usable for embeddings.
func buildEmbedder(cfg *config.Config) memory.Embedder {
	name := cfg.Memory.EmbeddingProvider
	for _, p := range cfg.Providers {
		if name != "" && p.Name != name {
			continue
		}
		if p.Type != "openai" && p.Type != "openrouter" {
			continue
		}
		if p.APIKey == "" {
			continue
		}
		return memory.NewOpenAIEmbedder(p.APIKey, p.APIBase, cfg.Memory.EmbeddingModel, cfg.Memory.Dimension)
	}
	return nil
}

// redeliverLoop periodically drains the pending queue, routing each
// delivery back through its channel.
func redeliverLoop(ctx context.Context, q *queue.Queue, chans map[string]channels.Channel) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sent, err := q.DrainPending(func(d *queue.Delivery) error {
			ch, ok := chans[d.Channel]
			if !ok {
				return fmt.Errorf("channel %s not configured", d.Channel)
			}
			inner := ch
			if dc, ok := ch.(*channels.DeliveredChannel); ok {
				inner = dc.Inner()
			}
			for _, p := range d.Payloads {
				err := inner.Send(ctx, &bus.OutgoingMessage{
					Channel:     d.Channel,
					RecipientID: d.To,
					Text:        p.Text,
					Attachments: p.Attachments,
					Extra:       p.Extra,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			slog.Warn("redelivery pass failed", "error", err)
		} else if sent > 0 {
			slog.Info("redelivered queued messages", "count", sent)
		}
	}
}

// expireLoop removes idle sessions past their TTL.
func expireLoop(ctx context.Context, sessions *session.Manager, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.CleanupExpired(ttl); err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("expired sessions removed", "count", n)
			}
		}
	}
}
