package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhookPayload is compatible with Slack and Mattermost incoming webhooks;
// the extra fields carry the run for other consumers.
type webhookPayload struct {
	Text    string       `json:"text"`
	RunID   string       `json:"run_id"`
	Entries []webhookJob `json:"entries"`
}

type webhookJob struct {
	Verb     string `json:"verb"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Error    string `json:"error,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// WebhookReporter posts a report as JSON.
type WebhookReporter struct {
	cfg    WebhookConfig
	client *resty.Client
}

var _ Reporter = (*WebhookReporter)(nil)

func NewWebhookReporter(cfg WebhookConfig) (*WebhookReporter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook report needs a url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)
	return &WebhookReporter{cfg: cfg, client: client}, nil
}

func (w *WebhookReporter) Submit(ctx context.Context, r *Report) error {
	text := Render(r)
	if w.cfg.MaxLength > 0 && len(text) > w.cfg.MaxLength {
		text = text[:w.cfg.MaxLength]
	}
	payload := webhookPayload{Text: text, RunID: r.RunID, Entries: make([]webhookJob, len(r.Entries))}
	for i, e := range r.Entries {
		payload.Entries[i] = webhookJob{
			Verb:     string(e.Verb),
			Name:     e.Job.PrettyName(),
			Location: e.Job.Location(),
			Error:    e.ErrorMessage,
			Diff:     e.Diff,
		}
	}

	res, err := w.client.R().SetContext(ctx).SetBody(payload).Post(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("post webhook: %s", res.Status())
	}
	return nil
}
