package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/numroute/numroute/internal/bus"
	"github.com/numroute/numroute/internal/config"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/skip2/go-qrcode"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsAppSender delivers replies through a native WhatsApp session.
type WhatsAppSender struct {
	BaseSender
	client    *whatsmeow.Client
	config    config.WhatsAppConfig
	container *sqlstore.Container
}

// NewWhatsAppSender creates a WhatsApp sender.
func NewWhatsAppSender(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) *WhatsAppSender {
	return &WhatsAppSender{
		BaseSender: BaseSender{Bus: messageBus},
		config:     cfg,
	}
}

func (s *WhatsAppSender) Name() string { return "whatsapp" }

// Start opens the session store, connects (pairing via QR on first run)
// and subscribes to outbound WhatsApp messages.
func (s *WhatsAppSender) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	dbPath := s.config.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create whatsapp db dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("init whatsapp db: %w", err)
	}
	s.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get whatsapp device: %w", err)
	}
	s.client = whatsmeow.NewClient(deviceStore, clientLog)

	if s.client.Store.ID == nil {
		qrChan, _ := s.client.GetQRChannel(context.Background())
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		fmt.Println("WhatsApp: scan this QR code to pair:")
		for evt := range qrChan {
			if evt.Event == "code" {
				qrPath := filepath.Join(filepath.Dir(dbPath), "whatsapp-qr.png")
				if werr := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); werr == nil {
					fmt.Printf("WhatsApp pairing QR code saved to: %s\n", qrPath)
				}
			} else {
				fmt.Println("WhatsApp: pairing event:", evt.Event)
			}
		}
	} else {
		if err := s.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp connect: %w", err)
		}
		slog.Info("whatsapp: connected")
	}

	s.Bus.Subscribe(s.Name(), func(msg *bus.OutboundMessage) {
		go s.handleOutbound(msg)
	})
	return nil
}

func (s *WhatsAppSender) Stop() error {
	if s.client != nil {
		s.client.Disconnect()
	}
	if s.container != nil {
		s.container.Close()
	}
	return nil
}

// Send delivers one text message to a customer phone number.
func (s *WhatsAppSender) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if s.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	jid := types.NewJID(convstore.SanitizePhone(msg.Recipient), types.DefaultUserServer)
	waMsg := &waE2E.Message{
		Conversation: proto.String(msg.Content),
	}
	_, err := s.client.SendMessage(ctx, jid, waMsg)
	return err
}

func (s *WhatsAppSender) handleOutbound(msg *bus.OutboundMessage) {
	sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Send(sendCtx, msg); err != nil {
		slog.Error("whatsapp: send failed", "recipient", msg.Recipient, "trace_id", msg.TraceID, "error", err)
		return
	}
	slog.Info("whatsapp: sent", "recipient", msg.Recipient, "trace_id", msg.TraceID)
}
