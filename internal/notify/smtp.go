package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"
)

var emailTemplates = template.Must(template.New("emails").Parse(`
{{define "order_confirmation"}}<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Order Confirmed!</h1>
  <h2>Hi {{.Name}},</h2>
  <p>Your order <strong>#{{.OrderNumber}}</strong> has been confirmed!</p>
  <h3>Order Summary</h3>
  {{range .Items}}<div>{{.Name}} x {{.Quantity}} <span>{{.Subtotal}}</span></div>
  {{end}}<div><strong>Total {{.Total}}</strong></div>
  <p>We'll notify you when your order is on the way!</p>
</div>{{end}}
{{define "order_status"}}<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2>Order Update</h2>
  <p>Hi {{.Name}}, your order <strong>#{{.OrderNumber}}</strong> status has been updated:</p>
  <h3>{{.Status}}</h3>
  <p>{{.Message}}</p>
</div>{{end}}
`))

// Render returns the subject and HTML body for msg.
func Render(msg Message) (string, string, error) {
	var subject string
	switch msg.Template {
	case TemplateOrderConfirmation:
		subject = "Order Confirmed - " + msg.Data.OrderNumber
	case TemplateOrderStatus:
		subject = "Order Update - " + msg.Data.OrderNumber
	default:
		return "", "", fmt.Errorf("%w: unknown template %q", ErrUndeliverable, msg.Template)
	}

	var body bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&body, msg.Template, msg.Data); err != nil {
		return "", "", fmt.Errorf("%w: failed to render %s: %v", ErrUndeliverable, msg.Template, err)
	}
	return subject, body.String(), nil
}

// SMTPSender delivers rendered messages through an SMTP relay.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(addr, from, username, password string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{addr: addr, from: from, auth: auth, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") {
		return fmt.Errorf("%w: invalid recipient %q", ErrUndeliverable, msg.To)
	}

	subject, body, err := Render(msg)
	if err != nil {
		return err
	}

	var raw bytes.Buffer
	fmt.Fprintf(&raw, "From: %s\r\n", s.from)
	fmt.Fprintf(&raw, "To: %s\r\n", msg.To)
	fmt.Fprintf(&raw, "Subject: %s\r\n", subject)
	raw.WriteString("MIME-Version: 1.0\r\n")
	raw.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	raw.WriteString(body)

	if err := s.send(s.addr, s.auth, s.from, []string{msg.To}, raw.Bytes()); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}
