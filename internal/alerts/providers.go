package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qms/qsystem/internal/config"

	"github.com/slack-go/slack"
)

type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

// NewProvider picks the provider named by cfg.Provider. ok is false when
// alerts are disabled.
func NewProvider(cfg config.AlertConfig, logger *slog.Logger) (provider Provider, ok bool) {
	if logger == nil {
		logger = slog.Default()
	}
	kind := strings.TrimSpace(cfg.Provider)
	switch kind {
	case "", "off", "none":
		return nil, false
	case "log", "stub":
		return logProvider{logger: logger}, true
	case "noop":
		return noopProvider{}, true
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.Warn("ALERT_WEBHOOK_URL not set, alerts go to the log")
			return logProvider{logger: logger}, true
		}
		return newWebhookProvider(cfg.WebhookURL, cfg.WebhookToken), true
	case "slack":
		if cfg.SlackWebhookURL == "" {
			logger.Warn("ALERT_SLACK_WEBHOOK_URL not set, alerts go to the log")
			return logProvider{logger: logger}, true
		}
		return slackProvider{url: cfg.SlackWebhookURL}, true
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(cfg.Provider, cfg.WebhookToken), true
		}
		logger.Warn("unknown alert provider, alerts go to the log", "provider", kind)
		return logProvider{logger: logger}, true
	}
}

type logProvider struct {
	logger *slog.Logger
}

func (p logProvider) Send(ctx context.Context, message, recipient string) error {
	p.logger.Info("guest alert", "recipient", recipient, "message", message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, message, recipient string) error {
	return nil
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string) webhookProvider {
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected alert: %s", resp.Status)
	}
	return nil
}

type slackProvider struct {
	url string
}

func (p slackProvider) Send(ctx context.Context, message, recipient string) error {
	text := message
	if recipient != "" {
		text = fmt.Sprintf("%s (%s)", message, recipient)
	}
	if err := slack.PostWebhookContext(ctx, p.url, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
