package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/numroute/numroute/internal/agentclient"
	"github.com/numroute/numroute/internal/bus"
	"github.com/numroute/numroute/internal/channels"
	"github.com/numroute/numroute/internal/config"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/gateway"
	"github.com/numroute/numroute/internal/queue"
	"github.com/numroute/numroute/internal/registry"
	"github.com/numroute/numroute/internal/router"
	"github.com/numroute/numroute/internal/transcribe"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing gateway (queue consumer, channels, HTTP API)",
	Run:   runServe,
}

var serveSignalNotify = signal.Notify
var serveSignalStop = signal.Stop

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🌐 numroute Gateway")
	fmt.Println("Starting numroute...")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	// 2. Open stores
	regStore, err := registry.OpenStore(cfg.Store.Path)
	if err != nil {
		fmt.Printf("Failed to open registry store: %v\n", err)
		os.Exit(1)
	}
	defer regStore.Close()
	reg := registry.New(regStore)

	conv := convstore.NewWithDB(regStore.DB())

	// 3. Agent client + router
	agent := agentclient.New(cfg.Agent.APIKey, cfg.Agent.Timeout())
	rt := router.New(reg, conv, agent, router.WithCacheTTL(cfg.Routing.CacheTTL()))

	// 4. Bus + outbound channels
	msgBus := bus.NewMessageBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer serveSignalStop(sigChan)

	var senders []channels.Sender
	if cfg.Channels.WhatsApp.Enabled {
		senders = append(senders, channels.NewWhatsAppSender(cfg.Channels.WhatsApp, msgBus))
	}
	if cfg.Channels.SMS.Enabled {
		senders = append(senders, channels.NewSMSSender(cfg.Channels.SMS, msgBus))
	}
	for _, s := range senders {
		if err := s.Start(ctx); err != nil {
			fmt.Printf("Failed to start %s channel: %v\n", s.Name(), err)
		}
	}
	go msgBus.DispatchOutbound(ctx)

	// 5. Queue processor
	var processor *queue.Processor
	if consumer := buildConsumer(cfg); consumer != nil {
		var media queue.MediaFetcher
		if cfg.Channels.Media.APIBase != "" {
			media = queue.NewHTTPMediaFetcher(cfg.Channels.Media)
		}
		var transcriber transcribe.Transcriber
		if cfg.Channels.Transcribe.Enabled {
			transcriber = transcribe.NewLocalWhisper(cfg.Channels.Transcribe)
		}
		processor = queue.NewProcessor(consumer, rt, msgBus, media, transcriber)
		if err := processor.Start(ctx); err != nil {
			fmt.Printf("Failed to start queue processor: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("📡 Queue consumer started (%s)\n", cfg.Queue.Backend)
	} else {
		fmt.Println("ℹ️  No queue backend configured; inbound via HTTP only")
	}

	// 6. HTTP API
	srv := gateway.New(cfg.Gateway.Addr, reg, conv, rt)
	go func() {
		if err := srv.Start(ctx); err != nil {
			slog.Error("gateway stopped", "error", err)
			cancel()
		}
	}()
	fmt.Printf("📡 API server listening on %s\n", cfg.Gateway.Addr)

	<-sigChan
	fmt.Println("\nShutting down...")
	cancel()
	if processor != nil {
		processor.Stop()
	}
	for _, s := range senders {
		if err := s.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", s.Name(), "error", err)
		}
	}
	fmt.Println("Goodbye.")
}

// buildConsumer returns nil when no queue backend is configured.
func buildConsumer(cfg *config.Config) queue.Consumer {
	switch cfg.Queue.Backend {
	case "kafka":
		return queue.NewKafkaConsumer(cfg.Queue.Kafka.Brokers, cfg.Queue.Kafka.ConsumerGroup, cfg.Queue.Kafka.Topic)
	case "amqp":
		return queue.NewAMQPConsumer(cfg.Queue.AMQP.URL, cfg.Queue.AMQP.Queue)
	default:
		return nil
	}
}
