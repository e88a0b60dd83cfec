package models

import (
	"time"
)

// CaregiverConnection 照护者连接（对应 caregiver_connections 表）
// 连接只停用不删除，权限集由同意流程维护（外部写入）
type CaregiverConnection struct {
	CaregiverID string     `json:"caregiver_id" db:"caregiver_id"`
	UserID      string     `json:"user_id" db:"user_id"`
	Permissions []string   `json:"permissions" db:"permissions"` // JSONB 字符串数组
	Active      bool       `json:"active" db:"active"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// HasPermission 检查照护者是否持有指定权限
func (c *CaregiverConnection) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
