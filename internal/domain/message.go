package domain

import "time"

// InboundMessage 表示一封经过解析、等待转发的入站邮件。
//
// 消息不做持久化：转发成功或被丢弃后即销毁。
type InboundMessage struct {
	To          string
	FromName    string
	Subject     string
	Text        string
	Date        time.Time
	Attachments []*Attachment
}
