package ai

import (
	"errors"
	"time"

	"whatsapp-autoreply/utils"
)

// ErrNoCredits means the license has no AI credits left.
var ErrNoCredits = errors.New("no AI credits")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Options override the client defaults for one call. Zero values keep the
// defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Completion is the model answer.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

type ClientOption func(*Client)

// WithModel sets the default model and sampling parameters.
func WithModel(model string, maxTokens int, temperature float32) ClientOption {
	return func(c *Client) {
		c.model = model
		c.maxTokens = maxTokens
		c.temperature = temperature
	}
}

// WithRetry replaces the retry schedule for failed completions.
func WithRetry(cfg *utils.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithTimeout bounds a single Chat call including retries.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}
