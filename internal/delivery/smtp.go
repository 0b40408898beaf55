package delivery

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/mailq/internal/domain"
)

// Sender delivers one message. The core treats the transport as an
// external collaborator; SMTPSender is the default implementation.
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// SMTPSender sends mail through a plain relay (no auth; the relay sits on
// a trusted network).
type SMTPSender struct {
	Addr string
}

func NewSMTPSender(host string, port int) *SMTPSender {
	return &SMTPSender{Addr: fmt.Sprintf("%s:%d", host, port)}
}

func (s *SMTPSender) Send(_ context.Context, msg *domain.Message) error {
	body := msg.BodyText
	contentType := "text/plain; charset=utf-8"
	if msg.BodyHTML != "" {
		body = msg.BodyHTML
		contentType = "text/html; charset=utf-8"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\nContent-Type: %s\r\n\r\n", contentType)
	b.WriteString(body)

	err := smtp.SendMail(s.Addr, nil, msg.From, msg.Recipients, []byte(b.String()))
	return errors.Wrap(err, "send mail")
}
