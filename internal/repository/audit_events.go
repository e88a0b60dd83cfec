package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"carelink-sync/internal/models"

	"go.uber.org/zap"
)

// AuditEventsRepository 审计事件仓库（只追加）
type AuditEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditEventsRepository 创建审计事件仓库
func NewAuditEventsRepository(db *sql.DB, logger *zap.Logger) *AuditEventsRepository {
	return &AuditEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSecurityEvent 写入安全审计事件（写一次，不可变）
func (r *AuditEventsRepository) CreateSecurityEvent(ctx context.Context, event *models.SecurityAuditEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.RequesterID == "" {
		return fmt.Errorf("requester_id is required")
	}

	query := `
		INSERT INTO security_audit_events (
			event_id,
			requester_id,
			from_mode,
			to_mode,
			result,
			reason,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.RequesterID,
		event.FromMode,
		event.ToMode,
		event.Result,
		event.Reason,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security audit event: %w", err)
	}

	return nil
}

// CreateEngineEvent 写入通用引擎审计记录（队列丢弃、升级摘要、锁定记录等）
func (r *AuditEventsRepository) CreateEngineEvent(ctx context.Context, eventID, kind string, payload interface{}) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if kind == "" {
		return fmt.Errorf("kind is required")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO engine_audit_events (
			event_id,
			kind,
			payload,
			created_at
		) VALUES (
			$1, $2, $3, $4
		)
	`

	_, err = r.db.ExecContext(ctx, query, eventID, kind, payloadJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create engine audit event: %w", err)
	}

	return nil
}

// CountModeSwitches 统计请求者在窗口内获批准的模式切换次数
// 安全门的速率限制同时依赖 Redis 计数器，此查询用于重启后的计数恢复
func (r *AuditEventsRepository) CountModeSwitches(ctx context.Context, requesterID string, window time.Duration) (int, error) {
	if requesterID == "" {
		return 0, fmt.Errorf("requester_id is required")
	}

	thresholdTime := time.Now().Add(-window)

	query := `
		SELECT COUNT(1)
		FROM security_audit_events
		WHERE requester_id = $1
		  AND result = 'APPROVED'
		  AND created_at > $2
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, requesterID, thresholdTime).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mode switches: %w", err)
	}

	return count, nil
}
