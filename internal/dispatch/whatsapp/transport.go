package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Config holds WhatsApp Cloud API transport settings
type Config struct {
	AccessToken   string `mapstructure:"access_token"`
	PhoneNumberID string `mapstructure:"phone_number_id"` // sending number
	BaseURL       string `mapstructure:"base_url"`        // override for tests
}

// Transport delivers messages over the WhatsApp Cloud HTTP API
type Transport struct {
	httpClient  *http.Client
	cfg         Config
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new WhatsApp transport
func New(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Transport{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cfg:         cfg,
		rateLimiter: limiter,
		log:         log.WithComponent("whatsapp"),
	}
}

// textMessage is the Cloud API request body for a plain text message
type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Send delivers one message to the given phone number
func (t *Transport) Send(ctx context.Context, recipient string, msg dispatch.Message) error {
	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterWhatsApp); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	payload := textMessage{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "text",
	}
	payload.Text.Body = msg.Body

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", t.cfg.BaseURL, t.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("whatsapp API error (status %d): %s", resp.StatusCode, string(body))
	}

	t.log.Debug().Str("to", recipient).Msg("WhatsApp message sent")
	return nil
}

// Ensure Transport implements dispatch.Transport
var _ dispatch.Transport = (*Transport)(nil)
