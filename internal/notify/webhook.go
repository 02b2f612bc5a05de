package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/domain"
)

const (
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookMaxElapsed = 30 * time.Second
)

// WebhookDispatcher POSTs notifications as JSON to an HTTP endpoint.
type WebhookDispatcher struct {
	URL        string
	Secret     string
	Client     *http.Client
	MaxElapsed time.Duration
}

func NewWebhookDispatcher(cfg config.Webhook) (*WebhookDispatcher, error) {
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	maxElapsed := defaultWebhookMaxElapsed
	if cfg.MaxElapsed != "" {
		d, err := time.ParseDuration(cfg.MaxElapsed)
		if err != nil {
			return nil, fmt.Errorf("webhook max_elapsed: %w", err)
		}
		maxElapsed = d
	}
	return &WebhookDispatcher{
		URL:        cfg.URL,
		Secret:     cfg.Secret,
		Client:     &http.Client{Timeout: timeout},
		MaxElapsed: maxElapsed,
	}, nil
}

type webhookNotification struct {
	ID             string                  `json:"id"`
	Type           domain.NotificationType `json:"type"`
	RecipientID    string                  `json:"recipient_id"`
	BailMobiliteID string                  `json:"bail_mobilite_id,omitempty"`
	ScheduledAt    string                  `json:"scheduled_at"`
	Attempt        int                     `json:"attempt"`
	Data           domain.NotificationData `json:"data"`
}

func (d *WebhookDispatcher) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.MaxElapsed
	return bo
}

// Dispatch posts n, retrying transport errors and 5xx responses with
// exponential backoff. 4xx responses are not retried.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	data, err := d.encode(n)
	if err != nil {
		return err
	}
	return backoff.Retry(func() error {
		return d.post(ctx, n, data)
	}, backoff.WithContext(d.newBackoff(), ctx))
}

// DispatchOnce posts n a single time, bounded by the client timeout.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context, n domain.Notification) error {
	data, err := d.encode(n)
	if err != nil {
		return err
	}
	err = d.post(ctx, n, data)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (d *WebhookDispatcher) encode(n domain.Notification) ([]byte, error) {
	body := webhookNotification{
		ID:          n.ID,
		Type:        n.Type,
		RecipientID: n.RecipientID,
		ScheduledAt: n.ScheduledAt.UTC().Format(time.RFC3339),
		Attempt:     n.DeliveryAttempts,
		Data:        n.Data,
	}
	if n.BailMobiliteID != nil {
		body.BailMobiliteID = *n.BailMobiliteID
	}
	return json.Marshal(body)
}

func (d *WebhookDispatcher) post(ctx context.Context, n domain.Notification, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BailMobilite-Notification", string(n.Type))
	req.Header.Set("X-BailMobilite-Delivery", n.ID)
	if strings.TrimSpace(d.Secret) != "" {
		req.Header.Set("X-BailMobilite-Secret", d.Secret)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	if res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
