package integrations

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type messagePayload struct {
	Channel   string            `json:"channel"`
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Body      string            `json:"body"`
	Variables map[string]string `json:"variables,omitempty"`
}

// WebhookMessenger posts rendered messages to the SMS/email gateway.
type WebhookMessenger struct {
	http *resty.Client
	log  *zap.Logger
}

func NewWebhookMessenger(baseURL, apiKey string, log *zap.Logger) *WebhookMessenger {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(retryOnServerError).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &WebhookMessenger{http: client, log: log}
}

func (m *WebhookMessenger) Send(ctx context.Context, msg waitlist.Message) error {
	var apiErr apiError
	resp, err := m.http.R().
		SetContext(ctx).
		SetBody(messagePayload{
			Channel:   string(msg.Channel),
			To:        msg.Recipient,
			Template:  msg.TemplateKey,
			Body:      msg.Body,
			Variables: msg.Variables,
		}).
		SetError(&apiErr).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("send %s message: %w", msg.Channel, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send %s message: status %d: %s", msg.Channel, resp.StatusCode(), apiErr)
	}

	m.log.Debug("message sent",
		zap.String("channel", string(msg.Channel)),
		zap.String("template", msg.TemplateKey),
	)
	return nil
}

// LogMessenger writes messages to the log instead of delivering them.
type LogMessenger struct {
	log *zap.Logger
}

func NewLogMessenger(log *zap.Logger) *LogMessenger {
	return &LogMessenger{log: log}
}

func (m *LogMessenger) Send(_ context.Context, msg waitlist.Message) error {
	m.log.Info("outbound message",
		zap.String("channel", string(msg.Channel)),
		zap.String("to", msg.Recipient),
		zap.String("template", msg.TemplateKey),
		zap.String("body", msg.Body),
	)
	return nil
}
