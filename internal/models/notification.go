package models

import (
	"time"
)

// ChannelResult 单个通道的尝试结果
// 每次通道尝试向通知追加一条结果，已有结果不原地修改
type ChannelResult struct {
	Channel   Channel   `json:"channel"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EmergencyNotification 紧急通知（对应 emergency_notifications 表）
type EmergencyNotification struct {
	NotificationID      string             `json:"notification_id" db:"notification_id"`
	UserID              string             `json:"user_id" db:"user_id"`
	AlertID             string             `json:"alert_id" db:"alert_id"`
	Message             string             `json:"message" db:"message"`
	Tier                AlertTier          `json:"tier" db:"tier"`
	Status              NotificationStatus `json:"status" db:"status"`
	ChannelResults      []ChannelResult    `json:"channel_results" db:"channel_results"` // JSONB 数组，只追加
	EscalationTriggered bool               `json:"escalation_triggered" db:"escalation_triggered"`
	CreatedAt           time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at" db:"updated_at"`
}

// ChannelsUsed 返回已尝试的通道列表
func (n *EmergencyNotification) ChannelsUsed() []Channel {
	channels := make([]Channel, 0, len(n.ChannelResults))
	for _, r := range n.ChannelResults {
		channels = append(channels, r.Channel)
	}
	return channels
}

// AnySucceeded 是否至少有一个通道成功
// 状态不变式：Status == SENT 当且仅当至少一个 ChannelResult.Success 为 true
func (n *EmergencyNotification) AnySucceeded() bool {
	for _, r := range n.ChannelResults {
		if r.Success {
			return true
		}
	}
	return false
}
