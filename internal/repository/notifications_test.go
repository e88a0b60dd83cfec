package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carelink-sync/internal/models"
)

func setupMockNotificationsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *NotificationsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewNotificationsRepository(db, logger)

	return db, mock, repo
}

// ============================================
// 危急警报计数测试
// ============================================

func TestCountRecentCriticalAlerts_UsesCriticalTierSet(t *testing.T) {
	db, mock, repo := setupMockNotificationsDB(t)
	defer db.Close()

	ctx := context.Background()

	// 等级集合由 IsCriticalOrAbove 推导，和仓库查询共用一个口径
	tiers := []string{}
	for _, tier := range models.CriticalAlertTiers() {
		tiers = append(tiers, string(tier))
	}

	mock.ExpectQuery(`SELECT COUNT(.|\n)*FROM emergency_notifications`).
		WithArgs("user-1", pq.Array(tiers), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountRecentCriticalAlerts(ctx, "user-1", 24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRecentCriticalAlerts_MissingUserID(t *testing.T) {
	db, mock, repo := setupMockNotificationsDB(t)
	defer db.Close()

	count, err := repo.CountRecentCriticalAlerts(context.Background(), "", 24*time.Hour)

	assert.Error(t, err)
	assert.Equal(t, 0, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
