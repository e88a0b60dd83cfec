package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"carelink-sync/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotificationsRepository 紧急通知仓库
type NotificationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationsRepository 创建紧急通知仓库
func NewNotificationsRepository(db *sql.DB, logger *zap.Logger) *NotificationsRepository {
	return &NotificationsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification 创建紧急通知
func (r *NotificationsRepository) CreateNotification(ctx context.Context, n *models.EmergencyNotification) error {
	if n == nil {
		return fmt.Errorf("notification is required")
	}
	if n.NotificationID == "" {
		return fmt.Errorf("notification_id is required")
	}
	if n.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	resultsJSON, err := json.Marshal(n.ChannelResults)
	if err != nil {
		return fmt.Errorf("failed to marshal channel results: %w", err)
	}

	query := `
		INSERT INTO emergency_notifications (
			notification_id,
			user_id,
			alert_id,
			message,
			tier,
			status,
			channel_results,
			escalation_triggered,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		n.NotificationID,
		n.UserID,
		n.AlertID,
		n.Message,
		n.Tier,
		n.Status,
		resultsJSON,
		n.EscalationTriggered,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// AppendChannelResult 向通知追加一条通道结果（通道结果只追加不修改）
func (r *NotificationsRepository) AppendChannelResult(ctx context.Context, notificationID string, result models.ChannelResult) error {
	if notificationID == "" {
		return fmt.Errorf("notification_id is required")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal channel result: %w", err)
	}

	// JSONB 数组原子追加，避免读-改-写竞争
	query := `
		UPDATE emergency_notifications
		SET channel_results = COALESCE(channel_results, '[]'::jsonb) || $1::jsonb,
		    updated_at = CURRENT_TIMESTAMP
		WHERE notification_id = $2
	`

	res, err := r.db.ExecContext(ctx, query, resultJSON, notificationID)
	if err != nil {
		return fmt.Errorf("failed to append channel result: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("notification not found: notification_id=%s", notificationID)
	}

	return nil
}

// UpdateStatus 更新通知状态
func (r *NotificationsRepository) UpdateStatus(ctx context.Context, notificationID string, status models.NotificationStatus) error {
	if notificationID == "" {
		return fmt.Errorf("notification_id is required")
	}

	query := `
		UPDATE emergency_notifications
		SET status = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE notification_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, notificationID)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("notification not found: notification_id=%s", notificationID)
	}

	return nil
}

// GetNotification 获取单个通知
func (r *NotificationsRepository) GetNotification(ctx context.Context, notificationID string) (*models.EmergencyNotification, error) {
	if notificationID == "" {
		return nil, fmt.Errorf("notification_id is required")
	}

	query := `
		SELECT
			notification_id,
			user_id,
			alert_id,
			message,
			tier,
			status,
			channel_results,
			escalation_triggered,
			created_at,
			updated_at
		FROM emergency_notifications
		WHERE notification_id = $1
	`

	var n models.EmergencyNotification
	var resultsJSON []byte

	err := r.db.QueryRowContext(ctx, query, notificationID).Scan(
		&n.NotificationID,
		&n.UserID,
		&n.AlertID,
		&n.Message,
		&n.Tier,
		&n.Status,
		&resultsJSON,
		&n.EscalationTriggered,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("notification not found: notification_id=%s", notificationID)
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &n.ChannelResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel results: %w", err)
		}
	} else {
		n.ChannelResults = []models.ChannelResult{}
	}

	return &n, nil
}

// GetRecentNotification 获取最近的同一警报通知（用于去重检查）
// 窗口内已有同一 user_id + alert_id 的通知时复用，实现至少一次投递下的消费端幂等
func (r *NotificationsRepository) GetRecentNotification(ctx context.Context, userID, alertID string, withinMinutes int) (*models.EmergencyNotification, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	thresholdTime := time.Now().Add(-time.Duration(withinMinutes) * time.Minute)

	query := `
		SELECT
			notification_id,
			user_id,
			alert_id,
			message,
			tier,
			status,
			channel_results,
			escalation_triggered,
			created_at,
			updated_at
		FROM emergency_notifications
		WHERE user_id = $1
		  AND alert_id = $2
		  AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	var n models.EmergencyNotification
	var resultsJSON []byte

	err := r.db.QueryRowContext(ctx, query, userID, alertID, thresholdTime).Scan(
		&n.NotificationID,
		&n.UserID,
		&n.AlertID,
		&n.Message,
		&n.Tier,
		&n.Status,
		&resultsJSON,
		&n.EscalationTriggered,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 窗口内没有重复通知
		}
		return nil, fmt.Errorf("failed to query recent notification: %w", err)
	}

	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &n.ChannelResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channel results: %w", err)
		}
	} else {
		n.ChannelResults = []models.ChannelResult{}
	}

	return &n, nil
}

// CountRecentCriticalAlerts 统计窗口内的危急（CRITICAL 及以上）警报数量
// 升级规则：IMMEDIATE 警报且 24 小时内已有 >= 阈值条时追加紧急服务通道
func (r *NotificationsRepository) CountRecentCriticalAlerts(ctx context.Context, userID string, window time.Duration) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}

	thresholdTime := time.Now().Add(-window)

	criticalTiers := models.CriticalAlertTiers()
	tiers := make([]string, 0, len(criticalTiers))
	for _, t := range criticalTiers {
		tiers = append(tiers, string(t))
	}

	query := `
		SELECT COUNT(1)
		FROM emergency_notifications
		WHERE user_id = $1
		  AND tier = ANY($2)
		  AND created_at > $3
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID, pq.Array(tiers), thresholdTime).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent critical alerts: %w", err)
	}

	return count, nil
}
