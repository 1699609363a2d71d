// Package action hands enforcement intents to the host platform.
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/elum-utils/aiocensor/adapters/internal/transport"
	"github.com/elum-utils/aiocensor/interfaces"
	"github.com/elum-utils/aiocensor/models"
)

// WebhookOptions configures the webhook handler.
type WebhookOptions struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Retries on connection errors and 5xx.
	Retries int
	Headers map[string]string
}

// Webhook posts every intent as JSON to a URL.
type Webhook struct {
	url    string
	client *resty.Client
}

// NewWebhook creates a webhook handler.
func NewWebhook(opt WebhookOptions) (*Webhook, error) {
	if opt.URL == "" {
		return nil, errors.New("action: webhook url is required")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	client := transport.NewClient("", opt.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(opt.Headers).
		SetRetryCount(opt.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if opt.Token != "" {
		client.SetAuthToken(opt.Token)
	}
	return &Webhook{url: opt.URL, client: client}, nil
}

// Execute posts intent and fails on any non-2xx response.
func (w *Webhook) Execute(ctx context.Context, intent models.ActionIntent) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(intent).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("action: webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("action: webhook: status %d", resp.StatusCode())
	}
	return nil
}

// Log writes intents to a logger and never fails.
type Log struct {
	logger interfaces.Logger
}

// NewLog creates a logging handler.
func NewLog(logger interfaces.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Execute(_ context.Context, intent models.ActionIntent) error {
	if l.logger == nil {
		return nil
	}
	l.logger.Info("enforcement action", map[string]any{
		"action":     string(intent.Action),
		"tier":       intent.Tier.String(),
		"user_id":    intent.UserID,
		"group_id":   intent.GroupID,
		"message_id": intent.MessageID,
		"reason":     intent.Reason,
		"recall":     intent.Recall,
	})
	return nil
}

// Multi runs every handler and joins their errors.
type Multi []interfaces.ActionHandler

func (m Multi) Execute(ctx context.Context, intent models.ActionIntent) error {
	var errs []error
	for _, h := range m {
		if err := h.Execute(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
