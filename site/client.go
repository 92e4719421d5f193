// Package site calls back into a tenant's website: it fetches the business
// context used in prompts and mirrors conversation traffic to the site's
// webhook. Both calls are best effort.
package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-autoreply/metrics"
	"whatsapp-autoreply/queue"
)

const (
	contextPath = "/api/whatsapp-context.php"
	webhookPath = "/api/whatsapp-webhook.php"

	// DirectionInbound marks a message received from a customer.
	DirectionInbound = "inbound"
	// DirectionOutbound marks a reply sent by the service.
	DirectionOutbound = "outbound"
)

// Context is the business data a prompt template can reference.
type Context struct {
	Bookings string
	FAQs     string
	Shop     string
	Greeting string
}

// WebhookEvent is the body posted to the site webhook.
type WebhookEvent struct {
	Direction string `json:"direction"`
	RemoteJID string `json:"remoteJid"`
	Phone     string `json:"phone"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	PushName  string `json:"pushName,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Enqueuer accepts fire-and-forget work.
type Enqueuer interface {
	Enqueue(task queue.Task) error
}

// Client talks to tenant sites.
type Client struct {
	http   *http.Client
	queue  Enqueuer
	logger zerolog.Logger
}

// NewClient creates a site client. Webhook posts run on q.
func NewClient(timeout time.Duration, q Enqueuer, logger zerolog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		queue:  q,
		logger: logger.With().Str("component", "site").Logger(),
	}
}

type contextResponse struct {
	Bookings json.RawMessage `json:"bookings"`
	FAQs     json.RawMessage `json:"faqs"`
	Shop     json.RawMessage `json:"shop"`
	Settings struct {
		Greeting string `json:"greeting"`
	} `json:"settings"`
}

// FetchContext loads the site context. Callers degrade to an empty Context
// on error.
func (c *Client) FetchContext(ctx context.Context, siteURL, licenseKey string) (*Context, error) {
	if siteURL == "" {
		return &Context{}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(siteURL, contextPath), nil)
	if err != nil {
		return nil, fmt.Errorf("building context request: %w", err)
	}
	req.Header.Set("X-License-Key", licenseKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncrementSiteFailure("context")
		return nil, fmt.Errorf("fetching context: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.IncrementSiteFailure("context")
		return nil, fmt.Errorf("fetching context: unexpected status %d", resp.StatusCode)
	}

	var body contextResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		metrics.IncrementSiteFailure("context")
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	return &Context{
		Bookings: text(body.Bookings),
		FAQs:     text(body.FAQs),
		Shop:     text(body.Shop),
		Greeting: body.Settings.Greeting,
	}, nil
}

// Mirror queues a webhook post. It never blocks and never fails the caller.
func (c *Client) Mirror(siteURL, licenseKey string, evt WebhookEvent) {
	if siteURL == "" || c.queue == nil {
		return
	}
	err := c.queue.Enqueue(queue.Task{
		Name: "webhook",
		Run: func(ctx context.Context) error {
			return c.postWebhook(ctx, siteURL, licenseKey, evt)
		},
	})
	if err != nil {
		metrics.IncrementSiteFailure("webhook")
		c.logger.Warn().Err(err).Str("license", licenseKey).Msg("Webhook mirror dropped")
	}
}

func (c *Client) postWebhook(ctx context.Context, siteURL, licenseKey string, evt WebhookEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(siteURL, webhookPath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-License-Key", licenseKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncrementSiteFailure("webhook")
		c.logger.Debug().Err(err).Str("license", licenseKey).Msg("Webhook post failed")
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		metrics.IncrementSiteFailure("webhook")
		return fmt.Errorf("posting webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func endpoint(siteURL, path string) string {
	return strings.TrimRight(siteURL, "/") + path
}

// text accepts a JSON string or any other JSON value, which is passed to the
// prompt verbatim.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
