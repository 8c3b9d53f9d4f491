package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "ZKGuard-Chain/internal/errors"
	"ZKGuard-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	ExecutionID string            `json:"executionId,omitempty"`
	UserOpHash  string            `json:"userOpHash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// EventFromError 根据错误码注册表构造事件。
func EventFromError(err error, executionID string) Event {
	return Event{
		Code:        xerrors.CodeOf(err),
		Message:     err.Error(),
		Severity:    xerrors.SeverityOf(err),
		ExecutionID: executionID,
		Metadata:    metadataOf(err),
		OccurredAt:  time.Now().UTC(),
	}
}

func metadataOf(err error) map[string]string {
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()
	}
	return nil
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入日志与审计流。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("execution_id", event.ExecutionID),
		slog.String("user_op_hash", event.UserOpHash),
		slog.String("message", event.Message),
	}
	logger.Named("alerting").Error("告警", attrs...)
	logger.AuditEvent("alerting", "alert_raised", attrs...)
	return nil
}

// WebhookNotifier 以 JSON 形式向 HTTP 端点投递告警。
type WebhookNotifier struct {
	URL    string
	Label  string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("execution_id", event.ExecutionID))
		return nil
	}
	payload, err := json.Marshal(struct {
		Channel string `json:"channel,omitempty"`
		Text    string `json:"text"`
		Event   Event  `json:"event"`
	}{
		Channel: n.Label,
		Text:    fmt.Sprintf("[%s] %s - %s", event.Severity, event.Code, event.Message),
		Event:   event,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// New 按配置装配分发器，日志渠道始终启用。
func New(webhookURL, label string) *FanoutDispatcher {
	notifiers := []Notifier{LogNotifier{}}
	if strings.TrimSpace(webhookURL) != "" {
		notifiers = append(notifiers, &WebhookNotifier{URL: webhookURL, Label: label})
	}
	return NewFanout(notifiers...)
}
