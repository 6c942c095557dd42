package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"telemail/backend/internal/domain"
	"telemail/backend/internal/monitoring"
)

var (
	// ErrFormatRejected 表示传输层拒绝了富文本格式。
	// Notifier 实现负责把底层错误包装成该错误。
	ErrFormatRejected = errors.New("rich formatting rejected by transport")
)

const (
	maxAttempts      = 3
	defaultRetryWait = time.Second
)

// Notifier 是把内容推送给会话的通知通道，由 telegram 包实现。
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string, rich bool) error
	NotifyFile(ctx context.Context, chatID int64, filename string, content []byte, caption string) error
}

// Engine 负责出站投递：摘要、附件转发、重试与格式降级。
type Engine struct {
	notifier Notifier
	log      *zap.Logger
	metrics  *monitoring.Metrics

	retryWait time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine 创建投递引擎。
func NewEngine(notifier Notifier, log *zap.Logger, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		notifier:  notifier,
		log:       log,
		metrics:   metrics,
		retryWait: defaultRetryWait,
		sleep:     sleepContext,
	}
}

// Deliver 将一封入站邮件投递到指定会话。
//
// 先发送正文摘要，再发送附件数量提示，然后逐个转发附件。
// 单个附件失败只产生一条降级提示，不影响其余附件。
// 只有摘要投递失败才视为整体失败。
func (e *Engine) Deliver(ctx context.Context, chatID int64, msg *domain.InboundMessage) error {
	summary := formatSummary(msg)

	if err := e.sendText(ctx, chatID, summary); err != nil {
		e.metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("deliver summary to chat %d: %w", chatID, err)
	}

	if n := len(msg.Attachments); n > 0 {
		notice := fmt.Sprintf("📎 This mail has %d attached file(s), forwarding them now...", n)
		if err := e.sendText(ctx, chatID, notice); err != nil {
			e.log.Warn("attachment notice not delivered",
				zap.Int64("chat_id", chatID),
				zap.Error(err),
			)
		}

		for _, att := range msg.Attachments {
			if err := e.forwardAttachment(ctx, chatID, att); err != nil {
				e.metrics.AttachmentFailuresTotal.Inc()
				e.log.Error("attachment forwarding failed",
					zap.Int64("chat_id", chatID),
					zap.String("filename", att.Filename),
					zap.Error(err),
				)

				degraded := fmt.Sprintf(
					"❌ Could not forward the file %q. It may be too large or of an unsupported type.",
					att.Filename,
				)
				if err := e.sendText(ctx, chatID, degraded); err != nil {
					e.log.Warn("degraded-delivery notice not delivered",
						zap.Int64("chat_id", chatID),
						zap.Error(err),
					)
				}
				continue
			}
			e.metrics.AttachmentsForwardedTotal.Inc()
		}
	}

	e.metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	return nil
}

// sendText 带重试地发送一条文本通知。
//
// 首次尝试使用富文本；若失败原因是格式被拒绝，
// 后续尝试剥离控制字符改用纯文本，且在本次投递内不再升级。
func (e *Engine) sendText(ctx context.Context, chatID int64, text string) error {
	rich := true

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload := text
		if !rich {
			payload = StripMarkdown(text)
		}

		err := e.notifier.Notify(ctx, chatID, payload, rich)
		if err == nil {
			return nil
		}
		lastErr = err

		e.log.Warn("notify attempt failed",
			zap.Int64("chat_id", chatID),
			zap.Int("attempt", attempt),
			zap.Bool("rich", rich),
			zap.Error(err),
		)

		if rich && errors.Is(err, ErrFormatRejected) {
			rich = false
		}

		if attempt < maxAttempts {
			e.metrics.DeliveryRetriesTotal.Inc()
			if err := e.sleep(ctx, e.retryWait); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("notify chat %d after %d attempts: %w", chatID, maxAttempts, lastErr)
}

// forwardAttachment 带重试地转发单个附件。
func (e *Engine) forwardAttachment(ctx context.Context, chatID int64, att *domain.Attachment) error {
	caption := fmt.Sprintf("📎 File: %s", att.Filename)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := e.notifier.NotifyFile(ctx, chatID, att.Filename, att.Content, caption)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxAttempts {
			e.metrics.DeliveryRetriesTotal.Inc()
			if err := e.sleep(ctx, e.retryWait); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("forward attachment %q to chat %d after %d attempts: %w",
		att.Filename, chatID, maxAttempts, lastErr)
}

// formatSummary 生成发给会话的邮件摘要文本。
func formatSummary(msg *domain.InboundMessage) string {
	from := msg.FromName
	if from == "" {
		from = "Unknown sender"
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	body := msg.Text
	if body == "" {
		body = "(empty message)"
	}

	var b strings.Builder
	b.WriteString("📬 New mail received!\n\n")
	fmt.Fprintf(&b, "👤 From: %s\n", from)
	fmt.Fprintf(&b, "📌 Subject: %s\n", subject)
	fmt.Fprintf(&b, "🕐 Time: %s\n\n", msg.Date.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "📝 Message:\n%s", body)
	return b.String()
}

// StripMarkdown 移除 Telegram Markdown 的全部控制字符，
// 用于降级为纯文本的重试。
func StripMarkdown(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '_', '[', ']', '(', ')', '~', '`', '>', '#',
			'+', '-', '=', '|', '{', '}', '.', '\\':
			return -1
		}
		return r
	}, s)
}

// sleepContext 等待给定时长，上下文取消时提前返回。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
