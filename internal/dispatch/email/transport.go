package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

// Config holds SMTP transport settings
type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"` // defaults to username
}

// Transport delivers messages over SMTP with implicit TLS (port 465 style)
type Transport struct {
	cfg         Config
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new SMTP email transport
func New(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Transport {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Transport{
		cfg:         cfg,
		rateLimiter: limiter,
		log:         log.WithComponent("email"),
	}
}

// Send delivers one message to the given address
func (t *Transport) Send(ctx context.Context, recipient string, msg dispatch.Message) error {
	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterSMTP); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	payload := []byte(
		fmt.Sprintf("From: %s\r\n", t.cfg.From) +
			fmt.Sprintf("To: %s\r\n", recipient) +
			fmt.Sprintf("Subject: %s\r\n", msg.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			msg.Body,
	)

	serverAddr := t.cfg.Host + ":" + t.cfg.Port

	// Implicit TLS for port 465
	conn, err := tls.Dial("tcp", serverAddr, &tls.Config{ServerName: t.cfg.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth failed: %w", err)
	}

	if err := client.Mail(t.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	t.log.Debug().Str("to", recipient).Msg("Email accepted by SMTP server")
	return nil
}

// Ensure Transport implements dispatch.Transport
var _ dispatch.Transport = (*Transport)(nil)
