// Package ai wraps an OpenAI-compatible chat completion API and meters one
// AI credit per call.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"whatsapp-autoreply/license"
	"whatsapp-autoreply/metrics"
	"whatsapp-autoreply/utils"
)

// Client implements Service
type Client struct {
	client      *openai.Client
	credits     CreditConsumer
	logger      zerolog.Logger
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	retry       *utils.RetryConfig
}

// NewClient creates a client for baseURL. An empty baseURL uses OpenAI.
func NewClient(baseURL, apiKey string, credits CreditConsumer, logger zerolog.Logger, opts ...ClientOption) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	c := &Client{
		client:      openai.NewClientWithConfig(cfg),
		credits:     credits,
		logger:      logger.With().Str("component", "ai").Logger(),
		model:       openai.GPT4oMini,
		maxTokens:   300,
		temperature: 0.7,
		timeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry == nil {
		c.retry = &utils.RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsedTime:  c.timeout,
		}
	}
	return c
}

// Chat debits one AI credit and asks the model. ErrNoCredits is returned
// without calling the model.
func (c *Client) Chat(ctx context.Context, licenseKey string, messages []Message, opts Options) (*Completion, error) {
	if c.credits != nil {
		err := c.credits.ConsumeCredits(ctx, licenseKey, license.CreditAI, 1)
		if errors.Is(err, license.ErrInsufficientCredits) {
			return nil, ErrNoCredits
		}
		if err != nil {
			return nil, fmt.Errorf("consuming AI credit: %w", err)
		}
	}

	req := c.request(messages, opts)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := utils.WithRetry(ctx, func() error {
		result, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Debug().Err(err).Str("license", licenseKey).Msg("Completion failed, retrying")
			return err
		}
		resp = result
		return nil
	}, c.retry)
	metrics.RecordAILatency(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from AI")
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (c *Client) request(messages []Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

// 4xx other than 429 will not get better by retrying.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}
