package models

import (
	"time"
)

// ModeSwitchRequest 模式切换请求
type ModeSwitchRequest struct {
	FromMode     DeviceMode `json:"from_mode"`
	ToMode       DeviceMode `json:"to_mode"`
	RequestedBy  string     `json:"requested_by"` // 请求者ID（老人本人或照护者）
	AuthToken    string     `json:"auth_token,omitempty"`
	RequesterAge int        `json:"requester_age"`
}

// ModeSwitchValidation 模式切换校验结果
type ModeSwitchValidation struct {
	Result  ValidationResult `json:"result"`
	IsValid bool             `json:"is_valid"`
	Reason  string           `json:"reason"`
}

// SecurityAuditEvent 安全审计事件（对应 security_audit_events 表，只写一次）
type SecurityAuditEvent struct {
	EventID     string           `json:"event_id" db:"event_id"`
	RequesterID string           `json:"requester_id" db:"requester_id"`
	FromMode    DeviceMode       `json:"from_mode" db:"from_mode"`
	ToMode      DeviceMode       `json:"to_mode" db:"to_mode"`
	Result      ValidationResult `json:"result" db:"result"`
	Reason      string           `json:"reason" db:"reason"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}
