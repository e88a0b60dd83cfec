package models

import (
	"time"
)

// SyncOperation 同步操作记录（对应 sync_operations 表）
// 同步开始时创建，终态一旦写入即不可变
type SyncOperation struct {
	OperationID   string       `json:"operation_id" db:"operation_id"`
	CaregiverID   string       `json:"caregiver_id" db:"caregiver_id"`
	Strategy      SyncStrategy `json:"strategy" db:"strategy"`
	Status        SyncStatus   `json:"status" db:"status"`
	StartedAt     time.Time    `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	RecordsSynced int          `json:"records_synced" db:"records_synced"`
	ErrorMessage  *string      `json:"error_message,omitempty" db:"error_message"`
}

// SyncResult 一次同步调用的聚合结果
// 单个照护者失败不中断其他照护者，错误收集到 Errors
type SyncResult struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	RecordsSynced int       `json:"records_synced"`
	Errors        []string  `json:"errors"`
}

// SyncItem 待同步的单条数据
type SyncItem struct {
	ItemID    string       `json:"item_id"`
	Category  DataCategory `json:"category"`
	Payload   []byte       `json:"payload"`
	UpdatedAt time.Time    `json:"updated_at"`
}
