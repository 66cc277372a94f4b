// Package mail delivers rendered messages. Transport details stay behind the
// Mailer interface.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Skotchmaster/blog_platform/internal/logging"
)

type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	// IdempotencyKey is stable across retries of the same email record.
	// Transports that support deduplication must pass it on.
	IdempotencyKey string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// SMTPMailer sends through a plain SMTP relay. The idempotency key becomes
// the Message-ID, so a resend after a crash carries the same id.
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
}

func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	if m.IdempotencyKey != "" {
		fmt.Fprintf(&b, "Message-ID: <%s@blog-platform>\r\n", m.IdempotencyKey)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(m.HTML)

	if err := smtp.SendMail(s.Addr, auth, m.From, []string{m.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogMailer only logs. Used when no SMTP relay is configured.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, m Message) error {
	logging.FromContext(ctx).Info("mail_logged", "to", m.To, "subject", m.Subject, "idempotency_key", m.IdempotencyKey)
	return nil
}

// Memory keeps sent messages and drops repeats of an idempotency key.
type Memory struct {
	mu   sync.Mutex
	sent []Message
	seen map[string]bool
	// Fail, when set, is returned by Send instead of delivering.
	Fail error
}

func (m *Memory) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if msg.IdempotencyKey != "" && m.seen[msg.IdempotencyKey] {
		return nil
	}
	m.seen[msg.IdempotencyKey] = true
	m.sent = append(m.sent, msg)
	return nil
}

func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	m.Fail = err
	m.mu.Unlock()
}

// Throttled caps the send rate of the wrapped Mailer across all workers of
// the process.
type Throttled struct {
	Next    Mailer
	limiter *rate.Limiter
}

func NewThrottled(next Mailer, perSec float64) *Throttled {
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &Throttled{Next: next, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (t *Throttled) Send(ctx context.Context, m Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail throttle: %w", err)
	}
	return t.Next.Send(ctx, m)
}
