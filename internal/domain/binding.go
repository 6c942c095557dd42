package domain

import "time"

// Binding 表示一次性邮箱地址与 Telegram 会话之间的活跃绑定。
//
// 一个会话同一时刻最多拥有一个活跃地址；重新申请邮箱会使旧绑定失效。
// 绑定只存在于内存中，进程重启后全部作废。
type Binding struct {
	Address   string    `json:"address"`
	ChatID    int64     `json:"chatId"`
	CreatedAt time.Time `json:"createdAt"`
}
