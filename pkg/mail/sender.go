// Package mail provides the send transport invoked exactly once per approved
// run.
package mail

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"mailflow/pkg/logx"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message and returns a transport message ID. The engine
// guarantees at most one successful Send per run via the persisted
// idempotency marker; implementations need no dedupe of their own.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ConsoleSender logs the message instead of delivering it. Used in
// development and tests, mirroring a dry-run deployment.
type ConsoleSender struct {
	logger *logx.Logger
}

// NewConsoleSender creates a console transport.
func NewConsoleSender() *ConsoleSender {
	return &ConsoleSender{logger: logx.NewLogger("mail")}
}

// Send implements the Sender interface.
func (c *ConsoleSender) Send(_ context.Context, msg Message) (string, error) {
	messageID := uuid.New().String()
	c.logger.Info("simulated send to=%s subject=%q message_id=%s", msg.To, msg.Subject, messageID)
	c.logger.Debug("body:\n%s", msg.Body)
	return messageID, nil
}

// RecordingSender captures sent messages for tests and can be scripted to
// fail. Safe for concurrent use.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

// Send implements the Sender interface.
func (r *RecordingSender) Send(_ context.Context, msg Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	r.sent = append(r.sent, msg)
	return fmt.Sprintf("msg-%d", len(r.sent)), nil
}

// Sent returns a copy of the captured messages.
func (r *RecordingSender) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
