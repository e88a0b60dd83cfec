package escalation

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

// fakeChannel 记录发送目标的通道测试替身
type fakeChannel struct {
	mu           sync.Mutex
	succeed      bool
	destinations []string
}

func (f *fakeChannel) Send(ctx context.Context, destination string, payload []byte) (*transport.SendResult, error) {
	f.mu.Lock()
	f.destinations = append(f.destinations, destination)
	f.mu.Unlock()

	if f.succeed {
		return &transport.SendResult{Success: true, Message: "delivered"}, nil
	}
	return &transport.SendResult{Success: false, Message: "channel down"}, fmt.Errorf("channel down")
}

func (f *fakeChannel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destinations)
}

func testEscalationConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Escalation.ChannelTimeoutSec = 2
	cfg.Escalation.CriticalWindowHours = 24
	cfg.Escalation.CriticalCountTrigger = 3
	cfg.Escalation.NationalHotlineNumber = "988"
	cfg.Queue.DefaultMaxRetries = 5
	return cfg
}

// setupTestDispatcher 注册全部通道的测试替身，succeed 控制除热线外通道是否成功
func setupTestDispatcher(t *testing.T, succeed bool) (*Dispatcher, map[models.Channel]*fakeChannel, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	// 通道结果并发追加，SQL 顺序不确定
	mock.MatchExpectationsInOrder(false)

	logger := zap.NewNop()
	cfg := testEscalationConfig()

	registry := transport.NewRegistry()
	fakes := make(map[models.Channel]*fakeChannel)
	for _, ch := range []models.Channel{
		models.ChannelPhoneCall,
		models.ChannelSMS,
		models.ChannelPush,
		models.ChannelEmail,
		models.ChannelBackupHotline,
		models.ChannelDialerIntent,
		models.ChannelNationalHotline,
		models.ChannelEmergencyServices,
	} {
		f := &fakeChannel{succeed: succeed}
		fakes[ch] = f
		registry.Register(ch, f)
	}

	notifRepo := repository.NewNotificationsRepository(db, logger)
	auditRepo := repository.NewAuditEventsRepository(db, logger)
	auditLog := audit.NewLog(auditRepo, nil, "", logger)
	queueRepo := repository.NewOfflineQueueRepository(db, logger)
	offlineQ := queue.NewOfflineQueue(cfg, queueRepo, auditLog, nil, logger)

	d := NewDispatcher(cfg, registry, notifRepo, auditLog, offlineQ, logger)
	return d, fakes, mock, db
}

func notificationRows(notificationID, userID, alertID string, tier models.AlertTier, status models.NotificationStatus, escalated bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"notification_id", "user_id", "alert_id", "message", "tier", "status",
		"channel_results", "escalation_triggered", "created_at", "updated_at",
	}).AddRow(
		notificationID, userID, alertID, "help needed", string(tier), string(status),
		`[]`, escalated, now, now,
	)
}

// ============================================
// 通道扇出测试
// ============================================

func TestNotifyWait_HighTierFansOutConfiguredChannels(t *testing.T) {
	d, fakes, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	ctx := context.Background()

	// 去重未命中
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO emergency_notifications`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 3 条通道结果 + 终态更新
	for i := 0; i < 4; i++ {
		mock.ExpectExec(`UPDATE emergency_notifications`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// 升级摘要审计
	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 终态回读
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications`).
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusSent, false))

	n, err := d.NotifyWait(ctx, "user-1", "alert-1", "help needed", models.AlertTierHigh)

	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusSent, n.Status)

	// HIGH 等级只用电话、短信、推送
	assert.Equal(t, 1, fakes[models.ChannelPhoneCall].calls())
	assert.Equal(t, 1, fakes[models.ChannelSMS].calls())
	assert.Equal(t, 1, fakes[models.ChannelPush].calls())
	assert.Equal(t, 0, fakes[models.ChannelEmail].calls())
	assert.Equal(t, 0, fakes[models.ChannelEmergencyServices].calls())
	assert.Equal(t, 0, fakes[models.ChannelNationalHotline].calls())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyWait_ImmediateWithCriticalHistoryEscalates(t *testing.T) {
	d, fakes, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnError(sql.ErrNoRows)
	// 24 小时内已有 3 条危急警报
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO emergency_notifications`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 5 个常规通道 + emergency_services + 终态
	for i := 0; i < 7; i++ {
		mock.ExpectExec(`UPDATE emergency_notifications`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications`).
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierImmediate, models.NotificationStatusSent, true))

	n, err := d.NotifyWait(ctx, "user-1", "alert-1", "fall detected", models.AlertTierImmediate)

	require.NoError(t, err)
	assert.True(t, n.EscalationTriggered)
	assert.Equal(t, 1, fakes[models.ChannelEmergencyServices].calls())
	assert.Equal(t, 1, fakes[models.ChannelBackupHotline].calls())

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 失败隔离与兜底测试
// ============================================

func TestNotifyWait_AllChannelsFailFallsBackToHotline(t *testing.T) {
	d, fakes, mock, db := setupTestDispatcher(t, false)
	defer db.Close()

	// 兜底热线可用
	fakes[models.ChannelNationalHotline].succeed = true

	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO emergency_notifications`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 电话/短信/推送失败 + 拨号意图降级 + 热线兜底 + 终态
	for i := 0; i < 6; i++ {
		mock.ExpectExec(`UPDATE emergency_notifications`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications`).
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusSent, false))

	n, err := d.NotifyWait(ctx, "user-1", "alert-1", "help needed", models.AlertTierHigh)

	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusSent, n.Status)

	// 直接拨号失败降级到拨号意图
	assert.Equal(t, 1, fakes[models.ChannelDialerIntent].calls())

	// 兜底热线拨打配置的全国号码
	hotline := fakes[models.ChannelNationalHotline]
	require.Equal(t, 1, hotline.calls())
	assert.Equal(t, "988", hotline.destinations[0])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyWait_HardFailureEnqueuesForRetry(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, false)
	defer db.Close()

	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO emergency_notifications`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for i := 0; i < 6; i++ {
		mock.ExpectExec(`UPDATE emergency_notifications`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// 硬失败：通知引用进入离线队列
	mock.ExpectExec(`INSERT INTO offline_queue`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications`).
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusFailed, false))

	n, err := d.NotifyWait(ctx, "user-1", "alert-1", "help needed", models.AlertTierHigh)

	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusFailed, n.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 去重测试
// ============================================

func TestNotify_DuplicateAlertReusesNotification(t *testing.T) {
	d, fakes, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	ctx := context.Background()

	// 去重窗口内已有同一警报的通知
	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnRows(notificationRows("n-existing", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusSent, false))

	n, err := d.Notify(ctx, "user-1", "alert-1", "help needed", models.AlertTierHigh)

	require.NoError(t, err)
	assert.Equal(t, "n-existing", n.NotificationID)

	// 不发起新的扇出
	for ch, f := range fakes {
		assert.Equal(t, 0, f.calls(), "channel %s must not be attempted", ch)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 参数校验测试
// ============================================

func TestNotify_MissingUserID(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	n, err := d.Notify(context.Background(), "", "alert-1", "msg", models.AlertTierLow)

	assert.Error(t, err)
	assert.Nil(t, n)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_UnknownTier(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*LIMIT 1`).
		WillReturnError(sql.ErrNoRows)

	n, err := d.Notify(context.Background(), "user-1", "alert-1", "msg", models.AlertTier("BOGUS"))

	assert.Error(t, err)
	assert.Nil(t, n)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 通知生命周期测试
// ============================================

func TestAcknowledgeDelivery_SentBecomesDelivered(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*WHERE notification_id`).
		WithArgs("n-1").
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusSent, false))
	mock.ExpectExec(`UPDATE emergency_notifications`).
		WithArgs(string(models.NotificationStatusDelivered), "n-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.AcknowledgeDelivery(context.Background(), "n-1")

	assert.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeDelivery_RejectsNonSentStatus(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*WHERE notification_id`).
		WithArgs("n-1").
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierHigh, models.NotificationStatusFailed, false))

	err := d.AcknowledgeDelivery(context.Background(), "n-1")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "can only acknowledge sent notifications")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_DeliveredBecomesResolved(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*WHERE notification_id`).
		WithArgs("n-1").
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierImmediate, models.NotificationStatusDelivered, true))
	mock.ExpectExec(`UPDATE emergency_notifications`).
		WithArgs(string(models.NotificationStatusResolved), "n-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Resolve(context.Background(), "n-1")

	assert.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_RejectsPendingStatus(t *testing.T) {
	d, _, mock, db := setupTestDispatcher(t, true)
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM emergency_notifications(.|\n)*WHERE notification_id`).
		WithArgs("n-1").
		WillReturnRows(notificationRows("n-1", "user-1", "alert-1", models.AlertTierLow, models.NotificationStatusPending, false))

	err := d.Resolve(context.Background(), "n-1")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "can only resolve sent or delivered notifications")
	require.NoError(t, mock.ExpectationsWereMet())
}
