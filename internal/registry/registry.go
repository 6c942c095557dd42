package registry

import (
	"strings"
	"sync"
	"time"

	"telemail/backend/internal/domain"
)

// Generator 生成新的邮箱地址，可注入以便测试。
type Generator func(domain string) (string, error)

// Registry 持有地址与会话之间的双向索引，是系统唯一的可变共享状态。
//
// 两个索引始终在同一把锁下一起修改，保证任意时刻
// byAddress 与 byChat 相互一致：地址指向的会话反向指向同一地址。
// 不设 TTL，绑定只在被新绑定取代时删除。
type Registry struct {
	mu        sync.RWMutex
	byAddress map[string]*domain.Binding
	byChat    map[int64]*domain.Binding

	domain   string
	generate Generator
}

// New 创建注册表。generate 为 nil 时使用默认的随机地址生成器。
func New(mailDomain string, generate Generator) *Registry {
	if generate == nil {
		generate = GenerateAddress
	}
	return &Registry{
		byAddress: make(map[string]*domain.Binding),
		byChat:    make(map[int64]*domain.Binding),
		domain:    mailDomain,
		generate:  generate,
	}
}

// Create 为会话生成新邮箱并建立绑定。
//
// 同一会话已有的旧绑定会被原子地从两个索引中移除，
// 旧地址随即不可路由。
func (r *Registry) Create(chatID int64) (string, error) {
	address, err := r.generate(r.domain)
	if err != nil {
		return "", err
	}
	address = strings.ToLower(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byChat[chatID]; ok {
		delete(r.byAddress, old.Address)
		delete(r.byChat, chatID)
	}

	binding := &domain.Binding{
		Address:   address,
		ChatID:    chatID,
		CreatedAt: time.Now().UTC(),
	}
	r.byAddress[address] = binding
	r.byChat[chatID] = binding

	return address, nil
}

// ByAddress 根据地址查找会话。地址匹配不区分大小写。
func (r *Registry) ByAddress(address string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.byAddress[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return 0, false
	}
	return binding.ChatID, true
}

// BySession 返回会话当前的活跃地址。
func (r *Registry) BySession(chatID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.byChat[chatID]
	if !ok {
		return "", false
	}
	return binding.Address, true
}

// Len 返回当前活跃绑定数量，用于监控指标。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChat)
}
