package health

import (
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// BotProbe 是健康检查对机器人控制通道的最小依赖。
type BotProbe interface {
	ConsecutiveErrors() int
}

// MailboxCounter 是健康检查对注册表的最小依赖。
type MailboxCounter interface {
	Len() int
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器并注册默认探针。
//
// liveness 关注进程自身；readiness 额外要求控制通道没有
// 处于连续错误累积状态，注册表可以响应查询。
func NewHealthChecker(bot BotProbe, boxes MailboxCounter, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	hc.health.AddLivenessCheck("process", func() error {
		return nil
	})

	hc.health.AddReadinessCheck("control-channel", BotCheck(bot))
	hc.health.AddReadinessCheck("registry", RegistryCheck(boxes))

	return hc
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 暴露 liveness 端点处理函数。
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 暴露 readiness 端点处理函数。
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// BotCheck 控制通道健康检查。
//
// 连续轮询错误意味着通道正在退化，监督器介入前先反映在就绪态上。
func BotCheck(bot BotProbe) healthcheck.Check {
	return func() error {
		if bot == nil {
			return fmt.Errorf("control channel not initialized")
		}
		if n := bot.ConsecutiveErrors(); n > 0 {
			return fmt.Errorf("control channel degraded: %d consecutive polling errors", n)
		}
		return nil
	}
}

// RegistryCheck 注册表健康检查。
func RegistryCheck(boxes MailboxCounter) healthcheck.Check {
	return func() error {
		if boxes == nil {
			return fmt.Errorf("registry not initialized")
		}
		// 触发一次加锁读取，确认注册表没有死锁
		_ = boxes.Len()
		return nil
	}
}
