package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telemail/backend/internal/delivery"
)

// Notifier 通过 Telegram 把文本与文件推送给会话，
// 实现 delivery.Notifier。
type Notifier struct {
	api api
}

// Notify 发送一条文本消息。rich 为真时使用 Markdown 解析。
func (n *Notifier) Notify(ctx context.Context, chatID int64, text string, rich bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if rich {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}

	if _, err := n.api.Send(msg); err != nil {
		return wrapSendError("send message", err)
	}
	return nil
}

// NotifyFile 把附件内容作为文档发送。
func (n *Notifier) NotifyFile(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: content})
	doc.Caption = caption

	if _, err := n.api.Send(doc); err != nil {
		return wrapSendError("send document", err)
	}
	return nil
}

// wrapSendError 统一包装发送错误，把 Telegram 的实体解析失败
// 标记为格式拒绝，供投递引擎触发纯文本降级。
func wrapSendError(op string, err error) error {
	if isFormatRejection(err) {
		return fmt.Errorf("%s: %v: %w", op, err, delivery.ErrFormatRejected)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isFormatRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") ||
		strings.Contains(msg, "parse entities")
}
