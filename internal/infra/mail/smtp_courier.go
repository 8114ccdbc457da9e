package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"

	domainmail "newsletter_digest/internal/domain/mail"
)

// SMTPCourier delivers messages over a plain SMTP relay as
// multipart/alternative mails with text and HTML parts.
type SMTPCourier struct {
	addr string
	host string
	auth smtp.Auth
}

func NewSMTPCourier(host string, port int, username, password string) *SMTPCourier {
	c := &SMTPCourier{
		addr: fmt.Sprintf("%s:%d", host, port),
		host: host,
	}
	if username != "" {
		c.auth = smtp.PlainAuth("", username, password, host)
	}
	return c
}

func (c *SMTPCourier) Send(ctx context.Context, msg domainmail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode mail to %s: %w", msg.To, err)
	}
	if err := smtp.SendMail(c.addr, c.auth, msg.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("smtp send to %s failed: %w", msg.To, err)
	}
	return nil
}

func encodeMessage(msg domainmail.Message) ([]byte, error) {
	var parts bytes.Buffer
	w := multipart.NewWriter(&parts)

	text, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(msg.Text)); err != nil {
		return nil, err
	}

	html, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := html.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n", w.Boundary())
	buf.WriteString("\r\n")
	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}
