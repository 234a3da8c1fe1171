package report

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/jordan-wright/email"
)

type sendFunc func(m *email.Email, addr string, auth smtp.Auth) error

// EmailReporter mails the text rendering of a report over SMTP.
type EmailReporter struct {
	cfg  EmailConfig
	send sendFunc
}

var _ Reporter = (*EmailReporter)(nil)

func NewEmailReporter(cfg EmailConfig) (*EmailReporter, error) {
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email report needs from and to addresses")
	}
	if cfg.SMTP.Host == "" {
		return nil, errors.New("email report needs an smtp host")
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 25
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	return &EmailReporter{cfg: cfg, send: func(m *email.Email, addr string, auth smtp.Auth) error {
		return m.Send(addr, auth)
	}}, nil
}

func (e *EmailReporter) Submit(ctx context.Context, r *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := email.NewEmail()
	m.From = e.cfg.From
	m.To = e.cfg.To
	m.Subject = e.subject(r)
	m.Text = []byte(Summary(r) + "\n\n" + Render(r) + "\n")

	addr := e.cfg.SMTP.Host + ":" + strconv.Itoa(e.cfg.SMTP.Port)
	var auth smtp.Auth
	if e.cfg.SMTP.User != "" {
		auth = smtp.PlainAuth("", e.cfg.SMTP.User, e.cfg.SMTP.Password, e.cfg.SMTP.Host)
	}
	err := e.send(m, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(m, addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

func (e *EmailReporter) subject(r *Report) string {
	names := make([]string, 0, len(r.Entries))
	for _, en := range r.Entries {
		names = append(names, en.Job.PrettyName())
	}
	return strings.NewReplacer(
		"{count}", strconv.Itoa(len(r.Entries)),
		"{jobs}", strings.Join(names, ", "),
	).Replace(e.cfg.Subject)
}
