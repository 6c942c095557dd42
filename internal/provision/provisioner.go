package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemail/backend/internal/cloudflare"
)

// State 表示配置状态机所处的阶段。
type State int

const (
	StateIdle State = iota
	StateRecordsReconciling
	StatePropagationPolling
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecordsReconciling:
		return "records_reconciling"
	case StatePropagationPolling:
		return "propagation_polling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultPollAttempts = 10
	defaultPollInterval = 30 * time.Second

	mxPriority = 10
)

// Provider 是配置阶段需要的 DNS 提供商能力，由 cloudflare.Client 实现。
type Provider interface {
	Zone(ctx context.Context) error
	ListRecords(ctx context.Context) ([]cloudflare.Record, error)
	CreateRecord(ctx context.Context, record cloudflare.Record) (*cloudflare.Record, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// Provisioner 在启动时调和 DNS 记录并等待传播。
//
// 状态流转：
//
//	Idle → RecordsReconciling → PropagationPolling → Ready
//	Idle → RecordsReconciling → Failed （凭证或记录创建失败，启动中止）
//
// 传播确认是尽力而为：轮询上限用尽后照常进入 Ready，
// 只留下警告日志，邮件监听照常启动。
type Provisioner struct {
	provider Provider
	domain   string
	serverIP string
	log      *zap.Logger

	pollAttempts int
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State
}

// New 创建配置状态机。
func New(provider Provider, domain, serverIP string, log *zap.Logger) *Provisioner {
	return &Provisioner{
		provider:     provider,
		domain:       strings.ToLower(domain),
		serverIP:     serverIP,
		log:          log,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
		sleep:        sleepContext,
		state:        StateIdle,
	}
}

// State 返回当前状态。
func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provisioner) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.log.Info("provisioning state changed", zap.Stringer("state", s))
}

// Run 执行一次完整的启动配置流程。
//
// 返回错误时系统不能安全地认领域名，调用方应中止启动。
func (p *Provisioner) Run(ctx context.Context) error {
	p.setState(StateRecordsReconciling)

	if err := p.provider.Zone(ctx); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("provider credential check: %w", err)
	}

	if err := p.reconcileRecords(ctx); err != nil {
		p.setState(StateFailed)
		return err
	}

	p.setState(StatePropagationPolling)
	if err := p.awaitPropagation(ctx); err != nil {
		return err
	}

	p.setState(StateReady)
	return nil
}

// reconcileRecords 删除根名上已有的 MX/A/TXT 记录，再创建
// 本系统需要的三条记录。
func (p *Provisioner) reconcileRecords(ctx context.Context) error {
	existing, err := p.provider.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("list existing records: %w", err)
	}

	for _, record := range existing {
		if !p.ownsRecordType(record.Type) || !p.isRootName(record.Name) {
			continue
		}
		if err := p.provider.DeleteRecord(ctx, record.ID); err != nil {
			// 删除失败不致命，创建阶段仍可能成功
			p.log.Warn("failed to delete conflicting record",
				zap.String("record_id", record.ID),
				zap.String("type", record.Type),
				zap.Error(err),
			)
		}
	}

	wanted := []cloudflare.Record{
		{Type: "MX", Name: "@", Content: p.domain, Priority: mxPriority, Proxied: false},
		{Type: "A", Name: "@", Content: p.serverIP, Proxied: false},
		{Type: "TXT", Name: "@", Content: fmt.Sprintf("v=spf1 ip4:%s ~all", p.serverIP), Proxied: false},
	}

	for _, record := range wanted {
		if _, err := p.provider.CreateRecord(ctx, record); err != nil {
			return fmt.Errorf("reconcile %s record: %w", record.Type, err)
		}
		p.log.Info("dns record created",
			zap.String("type", record.Type),
			zap.String("content", record.Content),
		)
	}

	return nil
}

// awaitPropagation 轮询提供商的记录列表，确认 MX 与 SPF 可见。
//
// 轮询有硬上限，无论结果如何都在有限时间内返回。
func (p *Provisioner) awaitPropagation(ctx context.Context) error {
	for attempt := 1; attempt <= p.pollAttempts; attempt++ {
		records, err := p.provider.ListRecords(ctx)
		if err != nil {
			p.log.Warn("propagation poll failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if hasPropagated(records) {
			p.log.Info("dns records propagated", zap.Int("attempt", attempt))
			return nil
		}

		if attempt < p.pollAttempts {
			p.log.Info("waiting for dns propagation",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.pollAttempts),
			)
			if err := p.sleep(ctx, p.pollInterval); err != nil {
				return err
			}
		}
	}

	p.log.Warn("dns records not fully propagated, proceeding anyway",
		zap.Int("attempts", p.pollAttempts),
	)
	return nil
}

func hasPropagated(records []cloudflare.Record) bool {
	var hasMX, hasSPF bool
	for _, r := range records {
		switch {
		case r.Type == "MX":
			hasMX = true
		case r.Type == "TXT" && strings.Contains(r.Content, "v=spf1"):
			hasSPF = true
		}
	}
	return hasMX && hasSPF
}

func (p *Provisioner) ownsRecordType(recordType string) bool {
	switch recordType {
	case "MX", "A", "TXT":
		return true
	default:
		return false
	}
}

// isRootName 判断记录是否落在根名上。提供商返回的 Name
// 可能是 "@"、域名本身或完整 FQDN。
func (p *Provisioner) isRootName(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	return name == "@" || name == p.domain
}

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
