// Package pipeline turns inbound WhatsApp text into AI replies: mirror, rate
// check, site context, prompt, completion, send, record, mirror.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whatsapp-autoreply/ai"
	"whatsapp-autoreply/license"
	"whatsapp-autoreply/metrics"
	"whatsapp-autoreply/site"
	"whatsapp-autoreply/transport"
	"whatsapp-autoreply/whatsapp"
)

// DefaultPrompt is used when a session has no prompt template.
const DefaultPrompt = "You are a friendly customer service assistant for a small business, answering on WhatsApp. " +
	"Reply briefly and in the customer's language. If you do not know the answer, say so and offer to pass the question to a person."

// SiteClient reaches the tenant site.
type SiteClient interface {
	FetchContext(ctx context.Context, siteURL, licenseKey string) (*site.Context, error)
	Mirror(siteURL, licenseKey string, evt site.WebhookEvent)
}

// CreditConsumer debits license credits.
type CreditConsumer interface {
	ConsumeCredits(ctx context.Context, licenseKey string, kind license.CreditKind, amount int) error
}

// Pipeline implements whatsapp.MessageHandler.
type Pipeline struct {
	ai      ai.Service
	site    SiteClient
	credits CreditConsumer
	logger  zerolog.Logger
	now     func() time.Time
}

func New(aiService ai.Service, siteClient SiteClient, credits CreditConsumer, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		ai:      aiService,
		site:    siteClient,
		credits: credits,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
	}
}

// HandleMessage runs one inbound message through the pipeline. The session
// calls it serially, so the rate check and the record cannot interleave.
func (p *Pipeline) HandleMessage(ctx context.Context, r whatsapp.Replier, msg *transport.Message) {
	if Ignored(msg) {
		return
	}
	text := ExtractText(msg.Content)
	if text == "" {
		return
	}

	key := r.LicenseKey()
	cfg := r.Config()
	logger := p.logger.With().Str("license", key).Str("message_id", msg.ID).Logger()

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	p.site.Mirror(cfg.SiteURL, key, site.WebhookEvent{
		Direction: site.DirectionInbound,
		RemoteJID: msg.ChatJID,
		Phone:     Phone(msg.ChatJID),
		Content:   text,
		MessageID: msg.ID,
		PushName:  msg.PushName,
		Timestamp: ts.Unix(),
	})

	limiter := r.Limiter()
	if !limiter.CanSendNow() {
		metrics.RecordReply(metrics.ReplyRateLimited)
		logger.Debug().Int("per_minute", limiter.Max()).Msg("Reply suppressed by rate limit")
		return
	}

	siteCtx, err := p.site.FetchContext(ctx, cfg.SiteURL, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Site context unavailable, using empty context")
		siteCtx = &site.Context{}
	}

	reply, outcome := p.reply(ctx, key, BuildPrompt(cfg, siteCtx), text, siteCtx.Greeting, logger)
	if reply == "" {
		metrics.RecordReply(outcome)
		return
	}

	if err := r.SendText(ctx, msg.ChatJID, reply); err != nil {
		metrics.RecordReply(metrics.ReplySendFailed)
		logger.Error().Err(err).Msg("Failed to send reply")
		return
	}
	limiter.RecordSend()
	metrics.RecordReply(outcome)

	if err := p.credits.ConsumeCredits(ctx, key, license.CreditMessage, 1); err != nil {
		logger.Warn().Err(err).Msg("Failed to consume message credit")
	}

	p.site.Mirror(cfg.SiteURL, key, site.WebhookEvent{
		Direction: site.DirectionOutbound,
		RemoteJID: msg.ChatJID,
		Phone:     Phone(msg.ChatJID),
		Content:   reply,
		MessageID: uuid.NewString(),
		Timestamp: p.now().Unix(),
	})
}

// reply asks the model and falls back to the greeting, or to nothing.
func (p *Pipeline) reply(ctx context.Context, key, system, text, greeting string, logger zerolog.Logger) (string, string) {
	completion, err := p.ai.Chat(ctx, key, []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: text},
	}, ai.Options{})

	if err == nil {
		if content := strings.TrimSpace(completion.Content); content != "" {
			return content, metrics.ReplySent
		}
		err = errors.New("empty completion")
	}

	if errors.Is(err, ai.ErrNoCredits) {
		logger.Info().Msg("No AI credits left")
	} else {
		logger.Warn().Err(err).Msg("AI reply failed")
	}
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		return greeting, metrics.ReplyFallback
	}
	return "", metrics.ReplyOmitted
}

// BuildPrompt fills the template placeholders with enabled site sections.
// Disabled sections become empty strings.
func BuildPrompt(cfg whatsapp.SessionConfig, c *site.Context) string {
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		return DefaultPrompt
	}
	var bookings, faqs, shop string
	if cfg.Tags.Bookings {
		bookings = c.Bookings
	}
	if cfg.Tags.FAQs {
		faqs = c.FAQs
	}
	if cfg.Tags.Shop {
		shop = c.Shop
	}
	return strings.NewReplacer(
		"{{bookings}}", bookings,
		"{{faqs}}", faqs,
		"{{shop}}", shop,
	).Replace(cfg.PromptTemplate)
}
