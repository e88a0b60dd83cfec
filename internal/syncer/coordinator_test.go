package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
	"carelink-sync/internal/queue"
	"carelink-sync/internal/repository"
	"carelink-sync/internal/transport"
)

// fakeSyncTransport 按目标地址控制成败的发送替身
type fakeSyncTransport struct {
	mu       sync.Mutex
	failFor  map[string]bool
	blockAll bool
	sent     []string
}

func (f *fakeSyncTransport) Send(ctx context.Context, destination string, payload []byte) (*transport.SendResult, error) {
	if f.blockAll {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor[destination] {
		return &transport.SendResult{Success: false, Message: "unreachable"}, fmt.Errorf("unreachable")
	}
	f.sent = append(f.sent, destination)
	return &transport.SendResult{Success: true, Message: "delivered"}, nil
}

func testSyncConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sync.FullTimeoutSec = 30
	cfg.Sync.CriticalTimeoutSec = 10
	cfg.Sync.MaxConcurrent = 4
	cfg.Queue.DefaultMaxRetries = 5
	cfg.Queue.BackoffStepMs = 60000
	return cfg
}

func setupTestCoordinator(t *testing.T, tr transport.Transport) (*Coordinator, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	// 照护者并发处理，SQL 顺序不确定
	mock.MatchExpectationsInOrder(false)

	logger := zap.NewNop()
	cfg := testSyncConfig()
	connRepo := repository.NewConnectionsRepository(db, logger)
	opsRepo := repository.NewSyncOperationsRepository(db, logger)
	queueRepo := repository.NewOfflineQueueRepository(db, logger)
	auditRepo := repository.NewAuditEventsRepository(db, logger)
	auditLog := audit.NewLog(auditRepo, nil, "", logger)
	offlineQ := queue.NewOfflineQueue(cfg, queueRepo, auditLog, nil, logger)

	c := NewCoordinator(cfg, connRepo, opsRepo, tr, offlineQ, logger)
	return c, mock, db
}

func activeConnectionRows(conns ...*models.CaregiverConnection) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"caregiver_id", "user_id", "permissions", "active",
		"last_sync_at", "created_at", "updated_at",
	})
	now := time.Now()
	for _, c := range conns {
		permissions := `["full_access"]`
		if len(c.Permissions) > 0 {
			permissions = `["` + c.Permissions[0] + `"]`
		}
		rows.AddRow(c.CaregiverID, c.UserID, permissions, true, nil, now, now)
	}
	return rows
}

func syncItemRows(items ...models.SyncItem) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"item_id", "category", "payload", "updated_at"})
	for _, item := range items {
		rows.AddRow(item.ItemID, string(item.Category), []byte(`{}`), time.Now())
	}
	return rows
}

// ============================================
// 同步策略管理测试
// ============================================

func TestSetSyncStrategy(t *testing.T) {
	c, _, db := setupTestCoordinator(t, &fakeSyncTransport{})
	defer db.Close()

	// 默认增量
	assert.Equal(t, models.SyncStrategyIncremental, c.GetCurrentSyncStrategy())

	require.NoError(t, c.SetSyncStrategy(models.SyncStrategyOpportunistic))
	assert.Equal(t, models.SyncStrategyOpportunistic, c.GetCurrentSyncStrategy())

	err := c.SetSyncStrategy(models.SyncStrategy("BOGUS"))
	assert.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Equal(t, models.SyncStrategyOpportunistic, c.GetCurrentSyncStrategy())
}

// ============================================
// 全量同步测试
// ============================================

func TestPerformFullSync_Success(t *testing.T) {
	tr := &fakeSyncTransport{}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`FROM caregiver_connections`).
		WillReturnRows(activeConnectionRows(&models.CaregiverConnection{
			CaregiverID: "caregiver-1",
			UserID:      "user-1",
			Permissions: []string{models.PermissionViewEmergency},
		}))
	mock.ExpectExec(`INSERT INTO sync_operations`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM sync_items`).
		WillReturnRows(syncItemRows(
			models.SyncItem{ItemID: "item-1", Category: models.CategoryEmergencyEvent},
			models.SyncItem{ItemID: "item-2", Category: models.CategoryLocation},
		))
	mock.ExpectExec(`UPDATE sync_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE caregiver_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := c.PerformFullSync(ctx)

	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	// location 被权限过滤，只送出 1 条
	assert.Equal(t, 1, result.RecordsSynced)
	assert.Equal(t, []string{"caregiver-1"}, tr.sent)

	// 整体成功推进全局 lastFullSync
	assert.False(t, c.LastFullSyncTime().IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPerformFullSync_IsolatesCaregiverFailure(t *testing.T) {
	tr := &fakeSyncTransport{failFor: map[string]bool{"caregiver-2": true}}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`FROM caregiver_connections`).
		WillReturnRows(activeConnectionRows(
			&models.CaregiverConnection{CaregiverID: "caregiver-1", UserID: "user-1", Permissions: []string{models.PermissionViewEmergency}},
			&models.CaregiverConnection{CaregiverID: "caregiver-2", UserID: "user-1", Permissions: []string{models.PermissionViewEmergency}},
		))

	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO sync_operations`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`FROM sync_items`).
			WillReturnRows(syncItemRows(models.SyncItem{ItemID: "item-1", Category: models.CategoryEmergencyEvent}))
		mock.ExpectExec(`UPDATE sync_operations`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// 成功方推进 last_sync_at
	mock.ExpectExec(`UPDATE caregiver_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 失败方的投递进入离线队列
	mock.ExpectExec(`INSERT INTO offline_queue`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result := c.PerformFullSync(ctx)

	// 单个照护者失败不中断其他照护者
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "caregiver-2")
	assert.Equal(t, 1, result.RecordsSynced)
	assert.Equal(t, []string{"caregiver-1"}, tr.sent)

	// 整体失败不推进全局 lastFullSync
	assert.True(t, c.LastFullSyncTime().IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 强制同步与权限过滤测试
// ============================================

func TestPerformForcedSync_OnlyTargetUser(t *testing.T) {
	tr := &fakeSyncTransport{}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`FROM caregiver_connections`).
		WillReturnRows(activeConnectionRows(
			&models.CaregiverConnection{CaregiverID: "caregiver-1", UserID: "user-1", Permissions: []string{models.PermissionViewEmergency}},
			&models.CaregiverConnection{CaregiverID: "caregiver-other", UserID: "user-2", Permissions: []string{models.PermissionViewEmergency}},
		))
	mock.ExpectExec(`INSERT INTO sync_operations`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM sync_items`).
		WillReturnRows(syncItemRows(models.SyncItem{ItemID: "item-1", Category: models.CategoryEmergencyEvent}))
	mock.ExpectExec(`UPDATE sync_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE caregiver_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := c.PerformForcedSync(ctx, "user-1")

	assert.True(t, result.Success)
	assert.Equal(t, []string{"caregiver-1"}, tr.sent)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSync_AllItemsDeniedSkipsSend(t *testing.T) {
	tr := &fakeSyncTransport{}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	// 照护者只有位置权限，但待同步数据全是紧急事件
	mock.ExpectQuery(`FROM caregiver_connections`).
		WillReturnRows(activeConnectionRows(&models.CaregiverConnection{
			CaregiverID: "caregiver-1",
			UserID:      "user-1",
			Permissions: []string{models.PermissionViewLocation},
		}))
	mock.ExpectExec(`INSERT INTO sync_operations`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM sync_items`).
		WillReturnRows(syncItemRows(models.SyncItem{ItemID: "item-1", Category: models.CategoryEmergencyEvent}))
	// 无可发送数据：完成操作但不发送、不推进 last_sync_at
	mock.ExpectExec(`UPDATE sync_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := c.PerformCriticalSync(ctx)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.RecordsSynced)
	assert.Empty(t, tr.sent)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 超时测试
// ============================================

func TestSync_TimeoutFailsOperationAndEnqueues(t *testing.T) {
	tr := &fakeSyncTransport{blockAll: true}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	// 极短超时触发到期
	c.config.Sync.CriticalTimeoutSec = 0

	ctx := context.Background()

	mock.ExpectQuery(`FROM caregiver_connections`).
		WillReturnRows(activeConnectionRows(&models.CaregiverConnection{
			CaregiverID: "caregiver-1",
			UserID:      "user-1",
			Permissions: []string{models.PermissionViewEmergency},
		}))
	mock.ExpectExec(`INSERT INTO sync_operations`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM sync_items`).
		WillReturnRows(syncItemRows(models.SyncItem{ItemID: "item-1", Category: models.CategoryEmergencyEvent}))
	// 到期记为 FAILED 终态而非未处理异常
	mock.ExpectExec(`UPDATE sync_operations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO offline_queue`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result := c.PerformEmergencySync(ctx, "user-1")

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "timed out")

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 离线重放测试
// ============================================

func TestRedeliverQueued_Success(t *testing.T) {
	tr := &fakeSyncTransport{}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectExec(`UPDATE caregiver_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.RedeliverQueued(ctx, &QueuedDelivery{
		CaregiverID: "caregiver-1",
		UserID:      "user-1",
		Strategy:    models.SyncStrategyFull,
		Items: []models.SyncItem{
			{ItemID: "item-1", Category: models.CategoryHealthStatus},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"caregiver-1"}, tr.sent)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeliverQueued_FailureReturnsRetryableError(t *testing.T) {
	tr := &fakeSyncTransport{failFor: map[string]bool{"caregiver-1": true}}
	c, mock, db := setupTestCoordinator(t, tr)
	defer db.Close()

	ctx := context.Background()

	err := c.RedeliverQueued(ctx, &QueuedDelivery{
		CaregiverID: "caregiver-1",
		UserID:      "user-1",
		Strategy:    models.SyncStrategyFull,
		Items:       []models.SyncItem{{ItemID: "item-1", Category: models.CategoryHealthStatus}},
	})

	assert.Error(t, err)
	assert.True(t, models.IsRetryable(err))

	require.NoError(t, mock.ExpectationsWereMet())
}
