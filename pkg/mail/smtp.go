package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"mailflow/pkg/config"
	"mailflow/pkg/logx"
)

// SMTPSender delivers mail over SMTP with PLAIN auth.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger *logx.Logger

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTP transport from config.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		logger: logx.NewLogger("mail"),
		send:   smtp.SendMail,
	}
}

// Send implements the Sender interface. Errors are returned as-is; the
// engine classifies any send failure as fatal.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("send aborted: %w", err)
	}

	from := s.cfg.From
	if from == "" {
		from = s.cfg.User
	}

	messageID := uuid.New().String()
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: <%s@mailflow>\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password(), s.cfg.Host)

	if err := s.send(addr, auth, from, []string{msg.To}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("smtp delivery to %s failed: %w", msg.To, err)
	}

	s.logger.Info("delivered to=%s message_id=%s", msg.To, messageID)
	return messageID, nil
}
