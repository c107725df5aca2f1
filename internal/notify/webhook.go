package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// WebhookSink POSTs change events as JSON to a fixed URL.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink returns nil when url is empty.
func NewWebhookSink(client *resty.Client, url string) *WebhookSink {
	if url == "" || client == nil {
		return nil
	}
	return &WebhookSink{client: client, url: url}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, ev ChangeEvent) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-Inbox-Event", ev.Kind).
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("forward webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("forward webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
