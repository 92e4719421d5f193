// Package license talks to the license API: key validation and credit
// metering.
package license

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
)

// CreditKind names a metered resource.
type CreditKind string

const (
	CreditAI      CreditKind = "ai"
	CreditMessage CreditKind = "message"
)

// Info is the validation result for a key.
type Info struct {
	Valid    bool   `json:"valid"`
	Status   string `json:"status"`
	TenantID string `json:"tenantId"`
	Reason   string `json:"reason,omitempty"`
}

// Service is what the rest of the service needs from licensing.
type Service interface {
	ValidateLicense(ctx context.Context, licenseKey string) (*Info, error)
	ConsumeCredits(ctx context.Context, licenseKey string, kind CreditKind, amount int) error
}

// Client implements Service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a license API client.
func NewClient(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "license").Logger(),
	}
}

// ValidateLicense returns ErrInvalidLicense when the key is unknown or not
// active. Transport failures are returned as is.
func (c *Client) ValidateLicense(ctx context.Context, licenseKey string) (*Info, error) {
	if licenseKey == "" {
		return nil, ErrInvalidLicense
	}

	var info Info
	status, err := c.post(ctx, "/licenses/validate", map[string]interface{}{"licenseKey": licenseKey}, &info)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusForbidden:
		return nil, ErrInvalidLicense
	case status != http.StatusOK:
		return nil, fmt.Errorf("validating license: unexpected status %d", status)
	case !info.Valid:
		c.logger.Debug().Str("status", info.Status).Str("reason", info.Reason).Msg("License rejected")
		return nil, fmt.Errorf("%w: %s", ErrInvalidLicense, info.Reason)
	}
	return &info, nil
}

// ConsumeCredits debits amount credits of kind. 402 maps to
// ErrInsufficientCredits.
func (c *Client) ConsumeCredits(ctx context.Context, licenseKey string, kind CreditKind, amount int) error {
	status, err := c.post(ctx, "/licenses/credits/consume", map[string]interface{}{
		"licenseKey": licenseKey,
		"kind":       kind,
		"amount":     amount,
	}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case http.StatusNotFound, http.StatusForbidden:
		return ErrInvalidLicense
	}
	return fmt.Errorf("consuming %s credits: unexpected status %d", kind, status)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
