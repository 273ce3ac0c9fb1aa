// Package notify sends operator-facing email alerts, grounded on the
// teacher's internal/notification package (net/smtp + html/template).
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/smukkama/gearmand/internal/backlog"
	"github.com/smukkama/gearmand/pkg/config"
)

// EmailNotifier implements backlog.Notifier by sending plain-text-styled
// HTML email through SMTP.
type EmailNotifier struct {
	cfg config.SMTPConfig
}

func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (e *EmailNotifier) Notify(_ context.Context, n backlog.Notification) error {
	var subject, body string
	var err error

	if n.Triggered {
		subject = fmt.Sprintf("gearmand backlog alarm TRIGGERED - %s", n.Function)
		body, err = renderTriggered(n)
	} else {
		subject = fmt.Sprintf("gearmand backlog alarm CLEARED - %s", n.Function)
		body, err = renderCleared(n)
	}
	if err != nil {
		return fmt.Errorf("notify: render template: %w", err)
	}

	return e.sendEmail(subject, body)
}

func renderTriggered(n backlog.Notification) (string, error) {
	const tmpl = `
Backlog Alarm Triggered
========================

Function: {{.Function}}
Queue depth: {{.Depth}}
Threshold: {{.Threshold}}
Breach started: {{.Since}}

The function {{.Function}} has held more than {{.Threshold}} queued jobs
since {{.Since}}. Workers may be too slow, too few, or stalled.
`
	t, err := template.New("triggered").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderCleared(n backlog.Notification) (string, error) {
	const tmpl = `
Backlog Alarm Cleared
=======================

Function: {{.Function}}

The queue depth for {{.Function}} has returned under threshold.
`
	t, err := template.New("cleared").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		e.cfg.To, subject, body)

	return smtp.SendMail(addr, auth, e.cfg.From, []string{e.cfg.To}, []byte(msg))
}
