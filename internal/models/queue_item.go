package models

import (
	"encoding/json"
	"time"
)

// OfflineQueueItem 离线队列项（对应 offline_queue 表）
// 成功或超过最大重试次数后删除（丢弃时写审计记录）
type OfflineQueueItem struct {
	ItemID        string          `json:"item_id" db:"item_id"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Category      DataCategory    `json:"category" db:"category"`
	Priority      QueuePriority   `json:"priority" db:"priority"`
	EnqueuedAt    time.Time       `json:"enqueued_at" db:"enqueued_at"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	MaxRetries    int             `json:"max_retries" db:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
}

// Eligible 当前时刻是否可以尝试投递（退避期内跳过）
func (i *OfflineQueueItem) Eligible(now time.Time) bool {
	return !i.NextAttemptAt.After(now)
}

// Exhausted 是否已超过最大重试次数
func (i *OfflineQueueItem) Exhausted() bool {
	return i.RetryCount > i.MaxRetries
}
