package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"
	texttemplate "text/template"
)

// SMTPConfig holds SMTP configuration.
type SMTPConfig struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// SMTPSink delivers the email channel.
type SMTPSink struct {
	config SMTPConfig
	server string
	auth   smtp.Auth
}

func NewSMTPSink(config SMTPConfig) *SMTPSink {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPSink{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *SMTPSink) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *SMTPSink) Deliver(ctx context.Context, msg Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	subject, body, err := renderMessage(msg)
	if err != nil {
		return err
	}
	return s.send(ctx, msg.To, subject, body)
}

// send speaks SMTP over a connection bounded by ctx's deadline.
func (s *SMTPSink) send(ctx context.Context, to, subject, htmlBody string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.config.EnableTLS {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(s.compose(to, subject, htmlBody)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}

func (s *SMTPSink) compose(to, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-novora"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Open your survey link in a browser.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type messageData struct {
	Title     string
	Link      string
	ExpiresAt string
	Custom    string
}

func renderMessage(msg Message) (subject, body string, err error) {
	data := messageData{Title: msg.Title, Link: msg.Link, ExpiresAt: msg.ExpiresAt.Format("Mon 2 Jan 2006")}
	if strings.TrimSpace(msg.Template) != "" {
		// Plan templates are plain text; the HTML layout escapes them.
		custom, err := renderText(msg.Template, data)
		if err != nil {
			return "", "", fmt.Errorf("render custom template: %w", err)
		}
		data.Custom = custom
	}
	tmpl := invitationTemplate
	subject = fmt.Sprintf("Your feedback: %s", msg.Title)
	if msg.Kind == KindReminder {
		tmpl = reminderTemplate
		subject = fmt.Sprintf("Reminder: %s", msg.Title)
	}
	body, err = renderTemplate(tmpl, data)
	if err != nil {
		return "", "", fmt.Errorf("render %s template: %w", msg.Kind, err)
	}
	return subject, body, nil
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(tmpl string, data any) (string, error) {
	t, err := texttemplate.New("custom").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>{{.Title}}</h2>
    {{if .Custom}}<p>{{.Custom}}</p>{{else}}<p>Your team would value your feedback. The survey takes a few minutes and your answers are anonymous.</p>{{end}}
    <p><a href="{{.Link}}" class="button">Start the survey</a></p>
    <p>The link works once and expires on {{.ExpiresAt}}.</p>
    <div class="footer">
        <p>Results are only shown for groups large enough to keep individual answers private.</p>
    </div>
</body>
</html>`

const reminderTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reminder: {{.Title}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>{{.Title}}</h2>
    {{if .Custom}}<p>{{.Custom}}</p>{{else}}<p>There is still time to share your feedback.</p>{{end}}
    <p><a href="{{.Link}}">Open the survey</a> (expires {{.ExpiresAt}})</p>
</body>
</html>`
