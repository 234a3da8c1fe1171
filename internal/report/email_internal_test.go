package report

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/runner"
)

func TestEmailReporter(t *testing.T) {
	t.Parallel()
	r, err := NewEmailReporter(EmailConfig{
		From: "kansoku@example.com",
		To:   []string{"me@example.com"},
		SMTP: SMTPConfig{Host: "mail.example.com", Port: 587, User: "u", Password: "p"},
	})
	require.NoError(t, err)

	var addrs []string
	var auths []smtp.Auth
	var sent *email.Email
	r.send = func(m *email.Email, addr string, auth smtp.Auth) error {
		addrs = append(addrs, addr)
		auths = append(auths, auth)
		sent = m
		if auth != nil {
			return errors.New("smtp: server doesn't support AUTH")
		}
		return nil
	}

	job := &jobs.ShellJob{Base: jobs.Base{Name: "clock"}, Command: "date"}
	rep := &Report{Entries: []Entry{{Result: runner.Result{Job: job, Verb: runner.VerbNew}}}}
	require.NoError(t, r.Submit(context.Background(), rep))

	assert.Equal(t, []string{"mail.example.com:587", "mail.example.com:587"}, addrs)
	assert.NotNil(t, auths[0])
	assert.Nil(t, auths[1], "retried without auth")
	assert.Equal(t, "[kansoku] 1 changes: clock", sent.Subject)
	assert.Contains(t, string(sent.Text), "NEW: clock (date)")
}

func TestNewEmailReporter_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewEmailReporter(EmailConfig{From: "a@example.com"})
	assert.Error(t, err)
	_, err = NewEmailReporter(EmailConfig{From: "a@example.com", To: []string{"b@example.com"}})
	assert.Error(t, err)
}
