package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"carelink-sync/internal/models"

	"go.uber.org/zap"
)

// OfflineQueueRepository 离线队列仓库
// Postgres 表是队列的持久化事实来源，进程内堆只是排空顺序索引
type OfflineQueueRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOfflineQueueRepository 创建离线队列仓库
func NewOfflineQueueRepository(db *sql.DB, logger *zap.Logger) *OfflineQueueRepository {
	return &OfflineQueueRepository{
		db:     db,
		logger: logger,
	}
}

// InsertItem 写入队列项
func (r *OfflineQueueRepository) InsertItem(ctx context.Context, item *models.OfflineQueueItem) error {
	if item == nil {
		return fmt.Errorf("item is required")
	}
	if item.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}

	query := `
		INSERT INTO offline_queue (
			item_id,
			payload,
			category,
			priority,
			enqueued_at,
			retry_count,
			max_retries,
			next_attempt_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		item.ItemID,
		item.Payload,
		item.Category,
		item.Priority,
		item.EnqueuedAt,
		item.RetryCount,
		item.MaxRetries,
		item.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}

	return nil
}

// ListItems 按排空顺序返回全部队列项
// 排序契约：优先级主序（CRITICAL 最先）、入队时间次序（同优先级内严格 FIFO）
func (r *OfflineQueueRepository) ListItems(ctx context.Context) ([]*models.OfflineQueueItem, error) {
	query := `
		SELECT
			item_id,
			payload,
			category,
			priority,
			enqueued_at,
			retry_count,
			max_retries,
			next_attempt_at
		FROM offline_queue
		ORDER BY
			CASE priority
				WHEN 'CRITICAL' THEN 0
				WHEN 'HIGH' THEN 1
				WHEN 'MEDIUM' THEN 2
				WHEN 'LOW' THEN 3
				ELSE 4
			END ASC,
			enqueued_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	items := []*models.OfflineQueueItem{}
	for rows.Next() {
		var item models.OfflineQueueItem
		err := rows.Scan(
			&item.ItemID,
			&item.Payload,
			&item.Category,
			&item.Priority,
			&item.EnqueuedAt,
			&item.RetryCount,
			&item.MaxRetries,
			&item.NextAttemptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}

	return items, nil
}

// UpdateRetry 更新重试记录（失败后回写 retry_count 和下次可尝试时间）
func (r *OfflineQueueRepository) UpdateRetry(ctx context.Context, itemID string, retryCount int, nextAttemptAt time.Time) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	query := `
		UPDATE offline_queue
		SET retry_count = $1,
		    next_attempt_at = $2
		WHERE item_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, retryCount, nextAttemptAt, itemID)
	if err != nil {
		return fmt.Errorf("failed to update queue item retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("queue item not found: item_id=%s", itemID)
	}

	return nil
}

// DeleteItem 删除队列项（投递成功或超过最大重试次数后调用）
func (r *OfflineQueueRepository) DeleteItem(ctx context.Context, itemID string) error {
	if itemID == "" {
		return fmt.Errorf("item_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM offline_queue WHERE item_id = $1`,
		itemID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// 幂等：已被其他排空流程删除不算错误
		r.logger.Debug("Queue item already deleted",
			zap.String("item_id", itemID),
		)
	}

	return nil
}

// CountItems 统计队列项数量
func (r *OfflineQueueRepository) CountItems(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM offline_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}
