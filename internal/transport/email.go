package transport

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"bidreach/internal/domain"
)

// SMTP sends outreach email through a STARTTLS-capable relay.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send delivers one email. The generated Message-ID header doubles as the
// provider reference: reply and bounce webhooks quote it in In-Reply-To.
func (s *SMTP) Send(ctx context.Context, m Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := fmt.Sprintf("<%s@bidreach>", uuid.New().String())
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", ref)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(m.Body)

	port := s.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.Host, fmt.Sprintf("%d", port))
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, auth, s.From, []string{m.To}, []byte(b.String())); err != nil {
		return "", domain.TransportError{Channel: domain.ChannelEmail, Detail: err.Error()}
	}
	return ref, nil
}
