package smtp

import (
	"context"
	"fmt"
	"io"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"telemail/backend/internal/domain"
	"telemail/backend/internal/monitoring"
)

// MaxMessageBytes 单封邮件的最大字节数，25 MiB。
const MaxMessageBytes = 25 << 20

// Router 根据收件地址解析目标会话，由 registry 实现。
type Router interface {
	ByAddress(address string) (int64, bool)
}

// Deliverer 执行出站投递，由 delivery.Engine 实现。
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, msg *domain.InboundMessage) error
}

// TaskPool 承接投递任务的协程池。
type TaskPool interface {
	Submit(task func())
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【策略说明】
// 这是一个只接收邮件的中继入口，刻意不做任何发件人认证：
// 发件方不是系统用户，无法完成凭证协商。
// 收件人校验采用 accept-then-drop：
// - Rcpt 阶段只做语法检查，对未知地址同样返回成功
// - Data 阶段查注册表，查不到的收件人静默丢弃（仅记日志）
// 不退信、不返回 550，避免向外部泄露哪些地址真实存在，
// 也避免异常发件方触发协议层重试风暴。
type Backend struct {
	router  Router
	engine  Deliverer
	pool    TaskPool
	limiter *ConnectionLimiter
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewBackend 创建 SMTP Backend。limiter 可以为 nil 表示不限流。
func NewBackend(
	router Router,
	engine Deliverer,
	taskPool TaskPool,
	limiter *ConnectionLimiter,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *Backend {
	return &Backend{
		router:  router,
		engine:  engine,
		pool:    taskPool,
		limiter: limiter,
		log:     log,
		metrics: metrics,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		b.metrics.SMTPConnectionsRejectedTotal.Inc()
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}

	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	b.log.Debug("smtp connection accepted", zap.String("remote", remote))

	return &session{backend: b, limited: b.limiter != nil}, nil
}

type session struct {
	backend *Backend
	limited bool

	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令，记录发件地址即可。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 只做语法检查。存在性检查延后到 Data 阶段，
// 未知地址不在协议层暴露（见 Backend 的策略说明）。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容：完整缓冲、解析、路由。
//
// 解析失败与未知收件人都向发送方返回成功（accept-then-drop），
// 只留下日志与指标。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(io.LimitReader(r, MaxMessageBytes))
	if err != nil {
		return fmt.Errorf("read message data: %w", err)
	}

	s.backend.metrics.MessagesReceivedTotal.Inc()

	parsed, err := Parse(rawBytes)
	if err != nil {
		s.backend.metrics.MessagesDroppedTotal.WithLabelValues("parse_error").Inc()
		s.backend.log.Error("inbound message dropped: parse failure",
			zap.String("from", s.fromAddress),
			zap.Error(err),
		)
		return nil
	}

	for _, rcpt := range s.recipients {
		chatID, ok := s.backend.router.ByAddress(rcpt)
		if !ok {
			s.backend.metrics.MessagesDroppedTotal.WithLabelValues("unknown_recipient").Inc()
			s.backend.log.Info("inbound message dropped: recipient not registered",
				zap.String("to", rcpt),
			)
			continue
		}

		msg := *parsed
		msg.To = rcpt

		s.backend.metrics.MessagesRoutedTotal.Inc()
		s.submitDelivery(chatID, &msg)
	}

	return nil
}

// submitDelivery 把投递交给协程池执行，SMTP 会话不等待结果。
func (s *session) submitDelivery(chatID int64, msg *domain.InboundMessage) {
	backend := s.backend
	backend.pool.Submit(func() {
		if err := backend.engine.Deliver(context.Background(), chatID, msg); err != nil {
			backend.log.Error("outbound delivery failed",
				zap.Int64("chat_id", chatID),
				zap.String("to", msg.To),
				zap.Error(err),
			)
		}
	})
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接配额。
func (s *session) Logout() error {
	if s.limited {
		s.backend.limiter.Release()
		s.limited = false
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
