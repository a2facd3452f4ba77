package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/numroute/numroute/internal/bus"
	"github.com/numroute/numroute/internal/config"
)

// SMSSender delivers replies through the SMS provider's HTTP API.
type SMSSender struct {
	BaseSender
	config     config.SMSConfig
	httpClient *http.Client
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(cfg config.SMSConfig, messageBus *bus.MessageBus) *SMSSender {
	return &SMSSender{
		BaseSender: BaseSender{Bus: messageBus},
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SMSSender) Name() string { return "sms" }

func (s *SMSSender) Start(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.Bus.Subscribe(s.Name(), func(msg *bus.OutboundMessage) {
		go s.handleOutbound(msg)
	})
	return nil
}

func (s *SMSSender) Stop() error { return nil }

type smsReceipt struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Send posts one message to the provider. The channel registration id
// tells the provider which business number to send from.
func (s *SMSSender) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if strings.TrimSpace(s.config.APIBase) == "" {
		return fmt.Errorf("sms api base not configured")
	}
	body, _ := json.Marshal(map[string]any{
		"channel_registration_id": msg.ChannelID,
		"to":                      msg.Recipient,
		"content":                 msg.Content,
		"trace_id":                msg.TraceID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.config.APIBase, "/")+"/sms/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(s.config.APIKey); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider status: %d", resp.StatusCode)
	}
	var receipt smsReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return fmt.Errorf("decode sms receipt: %w", err)
	}
	if !receipt.Success {
		return fmt.Errorf("sms delivery rejected: %s", receipt.Error)
	}
	return nil
}

func (s *SMSSender) handleOutbound(msg *bus.OutboundMessage) {
	sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Send(sendCtx, msg); err != nil {
		slog.Error("sms: send failed", "recipient", msg.Recipient, "trace_id", msg.TraceID, "error", err)
		return
	}
	slog.Info("sms: sent", "recipient", msg.Recipient, "trace_id", msg.TraceID)
}
