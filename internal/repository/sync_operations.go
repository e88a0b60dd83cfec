package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"carelink-sync/internal/models"

	"go.uber.org/zap"
)

// SyncOperationsRepository 同步操作仓库
type SyncOperationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSyncOperationsRepository 创建同步操作仓库
func NewSyncOperationsRepository(db *sql.DB, logger *zap.Logger) *SyncOperationsRepository {
	return &SyncOperationsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSyncOperation 创建同步操作记录（同步开始时写入）
func (r *SyncOperationsRepository) CreateSyncOperation(ctx context.Context, op *models.SyncOperation) error {
	if op == nil {
		return fmt.Errorf("operation is required")
	}
	if op.OperationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if op.CaregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}

	query := `
		INSERT INTO sync_operations (
			operation_id,
			caregiver_id,
			strategy,
			status,
			started_at,
			completed_at,
			records_synced,
			error_message
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		op.OperationID,
		op.CaregiverID,
		op.Strategy,
		op.Status,
		op.StartedAt,
		op.CompletedAt,
		op.RecordsSynced,
		op.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync operation: %w", err)
	}

	return nil
}

// CompleteSyncOperation 写入终态（COMPLETED/FAILED）
// WHERE 条件排除已终态的记录，保证终态只写一次
func (r *SyncOperationsRepository) CompleteSyncOperation(ctx context.Context, operationID string, status models.SyncStatus, recordsSynced int, errorMessage *string) error {
	if operationID == "" {
		return fmt.Errorf("operation_id is required")
	}
	if !status.IsTerminal() {
		return fmt.Errorf("status must be terminal: %s", status)
	}

	query := `
		UPDATE sync_operations
		SET status = $1,
		    completed_at = $2,
		    records_synced = $3,
		    error_message = $4
		WHERE operation_id = $5
		  AND status IN ('PENDING', 'IN_PROGRESS')
	`

	result, err := r.db.ExecContext(ctx, query,
		status,
		time.Now(),
		recordsSynced,
		errorMessage,
		operationID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("sync operation not found or already terminal: operation_id=%s", operationID)
	}

	return nil
}

// GetSyncOperation 获取单个同步操作记录
func (r *SyncOperationsRepository) GetSyncOperation(ctx context.Context, operationID string) (*models.SyncOperation, error) {
	if operationID == "" {
		return nil, fmt.Errorf("operation_id is required")
	}

	query := `
		SELECT
			operation_id,
			caregiver_id,
			strategy,
			status,
			started_at,
			completed_at,
			records_synced,
			error_message
		FROM sync_operations
		WHERE operation_id = $1
	`

	var op models.SyncOperation
	var completedAt sql.NullTime
	var errorMessage sql.NullString

	err := r.db.QueryRowContext(ctx, query, operationID).Scan(
		&op.OperationID,
		&op.CaregiverID,
		&op.Strategy,
		&op.Status,
		&op.StartedAt,
		&completedAt,
		&op.RecordsSynced,
		&errorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sync operation not found: operation_id=%s", operationID)
		}
		return nil, fmt.Errorf("failed to get sync operation: %w", err)
	}

	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	if errorMessage.Valid {
		op.ErrorMessage = &errorMessage.String
	}

	return &op, nil
}

// ListSyncItems 查询待同步数据（按类别过滤，可选增量时间下限）
// since 非空时仅返回该时刻之后更新的数据（INCREMENTAL 策略）
func (r *SyncOperationsRepository) ListSyncItems(ctx context.Context, userID string, categories []models.DataCategory, since *time.Time) ([]models.SyncItem, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(categories) == 0 {
		return []models.SyncItem{}, nil
	}

	args := []interface{}{userID}
	argN := 2

	placeholders := make([]string, len(categories))
	for i, c := range categories {
		placeholders[i] = fmt.Sprintf("$%d", argN)
		args = append(args, string(c))
		argN++
	}

	where := []string{
		"user_id = $1",
		fmt.Sprintf("category IN (%s)", strings.Join(placeholders, ", ")),
	}

	if since != nil {
		where = append(where, fmt.Sprintf("updated_at > $%d", argN))
		args = append(args, *since)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT
			item_id,
			category,
			payload,
			updated_at
		FROM sync_items
		WHERE %s
		ORDER BY updated_at ASC
	`, strings.Join(where, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync items: %w", err)
	}
	defer rows.Close()

	items := []models.SyncItem{}
	for rows.Next() {
		var item models.SyncItem
		if err := rows.Scan(&item.ItemID, &item.Category, &item.Payload, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync items: %w", err)
	}

	return items, nil
}
