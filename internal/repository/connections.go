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

// ConnectionsRepository 照护者连接仓库
type ConnectionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConnectionsRepository 创建照护者连接仓库
func NewConnectionsRepository(db *sql.DB, logger *zap.Logger) *ConnectionsRepository {
	return &ConnectionsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateConnection 创建照护者连接
func (r *ConnectionsRepository) CreateConnection(ctx context.Context, conn *models.CaregiverConnection) error {
	if conn == nil {
		return fmt.Errorf("connection is required")
	}
	if conn.CaregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}
	if conn.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	permissionsJSON, err := json.Marshal(conn.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO caregiver_connections (
			caregiver_id,
			user_id,
			permissions,
			active,
			last_sync_at,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		conn.CaregiverID,
		conn.UserID,
		permissionsJSON,
		conn.Active,
		conn.LastSyncAt,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create caregiver connection: %w", err)
	}

	return nil
}

// GetConnection 根据 caregiver_id 获取连接
func (r *ConnectionsRepository) GetConnection(ctx context.Context, caregiverID string) (*models.CaregiverConnection, error) {
	if caregiverID == "" {
		return nil, fmt.Errorf("caregiver_id is required")
	}

	query := `
		SELECT
			caregiver_id,
			user_id,
			permissions,
			active,
			last_sync_at,
			created_at,
			updated_at
		FROM caregiver_connections
		WHERE caregiver_id = $1
	`

	conn, err := r.scanConnection(r.db.QueryRowContext(ctx, query, caregiverID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("caregiver connection not found: caregiver_id=%s", caregiverID)
		}
		return nil, fmt.Errorf("failed to get caregiver connection: %w", err)
	}

	return conn, nil
}

// GetActiveConnections 获取全部活跃的照护者连接
func (r *ConnectionsRepository) GetActiveConnections(ctx context.Context) ([]*models.CaregiverConnection, error) {
	query := `
		SELECT
			caregiver_id,
			user_id,
			permissions,
			active,
			last_sync_at,
			created_at,
			updated_at
		FROM caregiver_connections
		WHERE active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active connections: %w", err)
	}
	defer rows.Close()

	connections := []*models.CaregiverConnection{}
	for rows.Next() {
		conn, err := r.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan caregiver connection: %w", err)
		}
		connections = append(connections, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}

// UpdateLastSyncTime 更新照护者的最后同步时间
// 仅在该照护者的发送成功后调用，各照护者独立推进
func (r *ConnectionsRepository) UpdateLastSyncTime(ctx context.Context, caregiverID string, syncedAt time.Time) error {
	if caregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}

	query := `
		UPDATE caregiver_connections
		SET last_sync_at = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE caregiver_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, syncedAt, caregiverID)
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("caregiver connection not found: caregiver_id=%s", caregiverID)
	}

	return nil
}

// DeactivateConnection 停用照护者连接（连接只停用不删除）
func (r *ConnectionsRepository) DeactivateConnection(ctx context.Context, caregiverID string) error {
	if caregiverID == "" {
		return fmt.Errorf("caregiver_id is required")
	}

	query := `
		UPDATE caregiver_connections
		SET active = FALSE,
		    updated_at = CURRENT_TIMESTAMP
		WHERE caregiver_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, caregiverID)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("caregiver connection not found: caregiver_id=%s", caregiverID)
	}

	return nil
}

// ValidateToken 校验照护者令牌
// 令牌由配对流程写入 caregiver_tokens 表，过期后视为无效
func (r *ConnectionsRepository) ValidateToken(ctx context.Context, caregiverID, token string) (bool, error) {
	if caregiverID == "" {
		return false, fmt.Errorf("caregiver_id is required")
	}
	if token == "" {
		return false, nil
	}

	query := `
		SELECT COUNT(1)
		FROM caregiver_tokens
		WHERE caregiver_id = $1
		  AND token = $2
		  AND expires_at > CURRENT_TIMESTAMP
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, caregiverID, token).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to validate caregiver token: %w", err)
	}

	return count > 0, nil
}

// HasComplexModeConsent 检查用户是否已记录复杂模式的同意
func (r *ConnectionsRepository) HasComplexModeConsent(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT COUNT(1)
		FROM mode_consents
		WHERE user_id = $1
		  AND consent_type = 'complex_mode'
		  AND revoked_at IS NULL
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check complex mode consent: %w", err)
	}

	return count > 0, nil
}

// rowScanner 兼容 *sql.Row 和 *sql.Rows 的扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConnection 扫描单行照护者连接
func (r *ConnectionsRepository) scanConnection(row rowScanner) (*models.CaregiverConnection, error) {
	var conn models.CaregiverConnection
	var permissionsJSON []byte
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&conn.CaregiverID,
		&conn.UserID,
		&permissionsJSON,
		&conn.Active,
		&lastSyncAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}

	if len(permissionsJSON) > 0 {
		if err := json.Unmarshal(permissionsJSON, &conn.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	} else {
		conn.Permissions = []string{}
	}

	return &conn, nil
}
