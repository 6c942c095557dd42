package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// api 是对 tgbotapi.BotAPI 的最小抽象，便于测试注入。
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetMe() (tgbotapi.User, error)
}

// Mailboxes 是机器人命令面需要的注册表能力。
type Mailboxes interface {
	Create(chatID int64) (string, error)
	BySession(chatID int64) (string, bool)
}

// Bot 驱动 Telegram 长轮询并分发聊天命令。
//
// 轮询直接调用 GetUpdates 而不是 tgbotapi 的 channel 封装，
// 这样轮询错误对健康监督器可见。
type Bot struct {
	api         api
	mailboxes   Mailboxes
	notifier    *Notifier
	supervisor  *Supervisor
	log         *zap.Logger
	pollTimeout int
	offset      int
}

// NewBot 用真实的 Telegram API 创建机器人。
func NewBot(token string, pollTimeout int, mailboxes Mailboxes, log *zap.Logger) (*Bot, error) {
	client, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot api: %w", err)
	}
	log.Info("telegram bot authorized", zap.String("username", client.Self.UserName))

	return newBot(client, pollTimeout, mailboxes, log), nil
}

func newBot(client api, pollTimeout int, mailboxes Mailboxes, log *zap.Logger) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 10
	}
	b := &Bot{
		api:         client,
		mailboxes:   mailboxes,
		notifier:    &Notifier{api: client},
		log:         log,
		pollTimeout: pollTimeout,
	}
	b.supervisor = NewSupervisor(b.restartChannel, log)
	return b
}

// Notifier 返回发往会话的通知通道，投递引擎使用它。
func (b *Bot) Notifier() *Notifier {
	return b.notifier
}

// ConsecutiveErrors 返回轮询通道当前的连续错误计数，供健康检查使用。
func (b *Bot) ConsecutiveErrors() int {
	return b.supervisor.ConsecutiveErrors()
}

// Run 运行轮询循环直到上下文取消。
//
// 轮询错误交给监督器处理，监督器判定为致命时 Run 返回错误，
// 进程应当退出。
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			b.log.Info("telegram polling stopped")
			return nil
		default:
		}

		cfg := tgbotapi.NewUpdate(b.offset + 1)
		cfg.Timeout = b.pollTimeout

		updates, err := b.api.GetUpdates(cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := b.supervisor.OnError(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}
		b.supervisor.ResetOnSuccess()

		for _, update := range updates {
			b.offset = update.UpdateID
			b.handleUpdate(ctx, update)
		}
	}
}

// restartChannel 重建与 Telegram 的会话：重新校验机器人身份。
// 等待间隔由监督器负责。
func (b *Bot) restartChannel(ctx context.Context) error {
	if _, err := b.api.GetMe(); err != nil {
		return fmt.Errorf("verify bot identity: %w", err)
	}
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	chatID := update.Message.Chat.ID
	name := update.Message.From.FirstName
	if name == "" {
		name = "there"
	}

	var reply string
	switch update.Message.Command() {
	case "start":
		reply = fmt.Sprintf(
			"Hi %s! 👋\n\n"+
				"Welcome to the temporary email service. I can create disposable "+
				"addresses for you and forward any mail they receive right here.\n\n"+
				"📧 /newmail - create a new address\n"+
				"📨 /mymail - show your current address\n"+
				"❓ /help - how this works\n\n"+
				"Ready? Just send /newmail! 😊", name)

	case "newmail":
		address, err := b.mailboxes.Create(chatID)
		if err != nil {
			b.log.Error("failed to create mailbox",
				zap.Int64("chat_id", chatID),
				zap.Error(err),
			)
			reply = fmt.Sprintf("Sorry %s, something went wrong creating your address. Please try again in a moment!", name)
			break
		}
		reply = fmt.Sprintf(
			"✨ Done %s! Here is your new address:\n\n"+
				"📧 %s\n\n"+
				"It is active right away. When mail arrives I will forward it here. "+
				"Need a fresh one later? Just send /newmail again and the old address "+
				"stops working immediately.", name, address)

	case "mymail":
		if address, ok := b.mailboxes.BySession(chatID); ok {
			reply = fmt.Sprintf(
				"Hi %s! 👋\n\nYour current address:\n\n📧 %s\n\nStill active and ready to use! 😊",
				name, address)
		} else {
			reply = fmt.Sprintf(
				"Hi %s! You don't have an address yet. 🤔\n\nSend /newmail and I'll create one for you!",
				name)
		}

	case "help":
		reply = "🎯 How it works:\n\n" +
			"1. Send /newmail to get a disposable address\n" +
			"2. Use it anywhere you like\n" +
			"3. Incoming mail shows up here automatically\n" +
			"4. Send /newmail again for a fresh address (the old one is discarded)\n\n" +
			"📧 /newmail - create a new address\n" +
			"📨 /mymail - show your current address"

	default:
		return
	}

	if err := b.notifier.Notify(ctx, chatID, reply, false); err != nil {
		b.log.Error("failed to send command reply",
			zap.Int64("chat_id", chatID),
			zap.String("command", update.Message.Command()),
			zap.Error(err),
		)
	}
}
