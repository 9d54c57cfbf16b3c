// Package mailer renders and sends the alert mail enqueued by the
// background watchdog loop (SPEC_FULL.md §4.9 item 2). Rendering uses
// text/template and delivery uses net/smtp with STARTTLS — both stdlib,
// following the teacher pack's own SMTP sender
// (iota-uz-iota-sdk/modules/core/services/twofactor/otp_sender.go), which
// reaches for net/smtp directly rather than a third-party mail client; see
// DESIGN.md for why no pack dependency covers outbound SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

// Config holds the SMTP transport settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Mailer renders a mail's template_body and delivers it over SMTP.
type Mailer struct {
	cfg Config
}

// New builds a Mailer from cfg, defaulting Timeout to 10s if unset.
func New(cfg Config) *Mailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Mailer{cfg: cfg}
}

// Render executes body as a text/template against context, matching
// SPEC_FULL.md §4.9's "render the template against its template_body".
func Render(body string, context map[string]string) (string, error) {
	tmpl, err := template.New("mail").Parse(body)
	if err != nil {
		return "", fmt.Errorf("mailer: parse template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, context); err != nil {
		return "", fmt.Errorf("mailer: execute template: %w", err)
	}
	return sb.String(), nil
}

// Send delivers one rendered message to recipients via SMTP with STARTTLS,
// following the teacher's EmailOTPSender.sendWithTLS dial/STARTTLS/Auth
// sequence, generalized from a single OTP recipient to an arbitrary list.
func (m *Mailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("mailer: no recipients")
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.cfg.From, strings.Join(recipients, ", "), subject, body)

	dialer := net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailer: dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mailer: new client: %w", err)
	}
	defer client.Quit()

	if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("mailer: starttls: %w", err)
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mailer: auth: %w", err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mailer: mail from: %w", err)
	}
	for _, r := range recipients {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("mailer: rcpt %s: %w", r, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mailer: data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return fmt.Errorf("mailer: write body: %w", err)
	}
	return w.Close()
}
