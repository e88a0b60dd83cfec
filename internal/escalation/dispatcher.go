package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
	"carelink-sync/internal/queue"
	"carelink-sync/internal/repository"
	"carelink-sync/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dedupWindowMinutes 同一警报的去重窗口
// 离线队列按至少一次投递，重放已成功的紧急事件在这里变成安全的空操作
const dedupWindowMinutes = 5

// Dispatcher 紧急升级调度器
// 按等级并发扇出通知通道，单通道失败不影响其他通道；
// Notify 本身只启动调度立即返回，各通道结果在完成时追加到同一条通知
type Dispatcher struct {
	config       *config.Config
	registry     *transport.Registry
	notifRepo    *repository.NotificationsRepository
	auditLog     *audit.Log
	offlineQueue *queue.OfflineQueue // 全通道失败后的重试入口，可为 nil
	logger       *zap.Logger
}

// NewDispatcher 创建升级调度器
func NewDispatcher(
	cfg *config.Config,
	registry *transport.Registry,
	notifRepo *repository.NotificationsRepository,
	auditLog *audit.Log,
	offlineQueue *queue.OfflineQueue,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		config:       cfg,
		registry:     registry,
		notifRepo:    notifRepo,
		auditLog:     auditLog,
		offlineQueue: offlineQueue,
		logger:       logger,
	}
}

// QueuedRedispatch 离线队列中待重放的紧急通知引用
type QueuedRedispatch struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
	AlertID        string `json:"alert_id"`
}

// Notify 发起紧急通知（异步调度）
// 创建记录并启动通道扇出后立即返回（交互延迟预算内），
// 返回的通知状态为 PENDING，终态由后台扇出完成后写入
func (d *Dispatcher) Notify(ctx context.Context, userID, alertID, message string, tier models.AlertTier) (*models.EmergencyNotification, error) {
	n, channels, err := d.prepare(ctx, userID, alertID, message, tier)
	if err != nil {
		return nil, err
	}
	if channels == nil {
		// 去重命中：复用窗口内已有的通知
		return n, nil
	}

	// 扇出在独立上下文中完成：调用方的请求上下文结束不应撤销升级
	go d.dispatch(context.Background(), n, channels, true)

	return n, nil
}

// NotifyWait 发起紧急通知并等待全部通道完成（测试与同步调用场景）
func (d *Dispatcher) NotifyWait(ctx context.Context, userID, alertID, message string, tier models.AlertTier) (*models.EmergencyNotification, error) {
	n, channels, err := d.prepare(ctx, userID, alertID, message, tier)
	if err != nil {
		return nil, err
	}
	if channels == nil {
		return n, nil
	}

	d.dispatch(ctx, n, channels, true)

	return d.notifRepo.GetNotification(ctx, n.NotificationID)
}

// Redispatch 重放一次失败的紧急通知（离线队列排空时调用）
// 返回错误表示仍然全通道失败，由队列按退避继续重试
func (d *Dispatcher) Redispatch(ctx context.Context, notificationID string) error {
	n, err := d.notifRepo.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.Status != models.NotificationStatusFailed && n.Status != models.NotificationStatusPending {
		// 已经送达或人工解决，重放是空操作
		return nil
	}

	channels := ChannelsForTier(n.Tier)
	if channels == nil {
		return fmt.Errorf("%w: unknown alert tier %s", models.ErrConfiguration, n.Tier)
	}
	if n.EscalationTriggered {
		channels = append(channels, models.ChannelEmergencyServices)
	}

	d.dispatch(ctx, n, channels, false)

	updated, err := d.notifRepo.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if updated.Status == models.NotificationStatusFailed {
		return fmt.Errorf("%w: all channels failed on redispatch", models.ErrChannelUnavailable)
	}
	return nil
}

// AcknowledgeDelivery 确认通知已送达接收端（状态 SENT → DELIVERED）
func (d *Dispatcher) AcknowledgeDelivery(ctx context.Context, notificationID string) error {
	n, err := d.notifRepo.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.Status != models.NotificationStatusSent {
		return fmt.Errorf("can only acknowledge sent notifications, current status: %s", n.Status)
	}

	return d.notifRepo.UpdateStatus(ctx, notificationID, models.NotificationStatusDelivered)
}

// Resolve 人工解决通知（SENT 或 DELIVERED 状态可解决）
func (d *Dispatcher) Resolve(ctx context.Context, notificationID string) error {
	n, err := d.notifRepo.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.Status != models.NotificationStatusSent && n.Status != models.NotificationStatusDelivered {
		return fmt.Errorf("can only resolve sent or delivered notifications, current status: %s", n.Status)
	}

	return d.notifRepo.UpdateStatus(ctx, notificationID, models.NotificationStatusResolved)
}

// prepare 去重检查、升级判定并创建通知记录
// channels 返回 nil 表示去重命中，不需要新的扇出
func (d *Dispatcher) prepare(ctx context.Context, userID, alertID, message string, tier models.AlertTier) (*models.EmergencyNotification, []models.Channel, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", models.ErrConfiguration)
	}
	if alertID == "" {
		return nil, nil, fmt.Errorf("%w: alert_id is required", models.ErrConfiguration)
	}

	// 去重检查：窗口内同一 user+alert 已有通知时直接复用
	existing, err := d.notifRepo.GetRecentNotification(ctx, userID, alertID, dedupWindowMinutes)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		d.logger.Info("Duplicate emergency alert, reusing notification",
			zap.String("user_id", userID),
			zap.String("alert_id", alertID),
			zap.String("notification_id", existing.NotificationID),
		)
		return existing, nil, nil
	}

	channels := ChannelsForTier(tier)
	if channels == nil {
		return nil, nil, fmt.Errorf("%w: unknown alert tier %s", models.ErrConfiguration, tier)
	}

	// 升级判定：IMMEDIATE 且 24 小时内危急警报达到阈值时追加紧急服务通道
	escalationTriggered := false
	if tier == models.AlertTierImmediate {
		window := time.Duration(d.config.Escalation.CriticalWindowHours) * time.Hour
		count, err := d.notifRepo.CountRecentCriticalAlerts(ctx, userID, window)
		if err != nil {
			// 计数失败按未达阈值处理，通知本身不能被阻断
			d.logger.Error("Failed to count recent critical alerts",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else if count >= d.config.Escalation.CriticalCountTrigger {
			channels = append(channels, models.ChannelEmergencyServices)
			escalationTriggered = true
		}
	}

	now := time.Now()
	n := &models.EmergencyNotification{
		NotificationID:      uuid.New().String(),
		UserID:              userID,
		AlertID:             alertID,
		Message:             message,
		Tier:                tier,
		Status:              models.NotificationStatusPending,
		ChannelResults:      []models.ChannelResult{},
		EscalationTriggered: escalationTriggered,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := d.notifRepo.CreateNotification(ctx, n); err != nil {
		return nil, nil, err
	}

	return n, channels, nil
}

// dispatch 并发扇出全部通道并写入终态
// firstAttempt 为真时，全通道失败的通知进入离线队列等待重放
func (d *Dispatcher) dispatch(ctx context.Context, n *models.EmergencyNotification, channels []models.Channel, firstAttempt bool) {
	payload, err := json.Marshal(map[string]string{
		"notification_id": n.NotificationID,
		"alert_id":        n.AlertID,
		"message":         n.Message,
		"tier":            string(n.Tier),
	})
	if err != nil {
		d.logger.Error("Failed to marshal notification payload",
			zap.String("notification_id", n.NotificationID),
			zap.Error(err),
		)
		return
	}

	results := make([]models.ChannelResult, 0, len(channels))
	resultCh := make(chan models.ChannelResult, len(channels)*2)

	var wg sync.WaitGroup
	for _, channel := range channels {
		wg.Add(1)
		go func(ch models.Channel) {
			defer wg.Done()
			result := d.attemptChannel(ctx, ch, n.UserID, payload)
			resultCh <- result

			// 直接拨号失败降级到仅拨号意图（发出后不可撤销，视为即发即弃）
			if ch == models.ChannelPhoneCall && !result.Success {
				resultCh <- d.attemptChannel(ctx, models.ChannelDialerIntent, n.UserID, payload)
			}
		}(channel)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	anySuccess := false
	for result := range resultCh {
		results = append(results, result)
		if result.Success {
			anySuccess = true
		}

		// 结果在完成时追加到通知，不等全部通道结束
		if err := d.notifRepo.AppendChannelResult(ctx, n.NotificationID, result); err != nil {
			d.logger.Error("Failed to append channel result",
				zap.String("notification_id", n.NotificationID),
				zap.String("channel", string(result.Channel)),
				zap.Error(err),
			)
		}
	}

	// 全部联系通道失败时兜底拨打全国热线
	if !anySuccess {
		fallback := d.attemptChannel(ctx, models.ChannelNationalHotline, d.config.Escalation.NationalHotlineNumber, payload)
		results = append(results, fallback)
		if fallback.Success {
			anySuccess = true
		}
		if err := d.notifRepo.AppendChannelResult(ctx, n.NotificationID, fallback); err != nil {
			d.logger.Error("Failed to append fallback result",
				zap.String("notification_id", n.NotificationID),
				zap.Error(err),
			)
		}
	}

	// 聚合状态：至少一个通道成功为 SENT，全部失败为 FAILED
	status := models.NotificationStatusFailed
	if anySuccess {
		status = models.NotificationStatusSent
	}
	if err := d.notifRepo.UpdateStatus(ctx, n.NotificationID, status); err != nil {
		d.logger.Error("Failed to update notification status",
			zap.String("notification_id", n.NotificationID),
			zap.Error(err),
		)
	}

	if status == models.NotificationStatusFailed {
		// 硬失败：调用方需要展示人工兜底（热线号码），不能无声消失
		d.logger.Error("All escalation channels failed",
			zap.String("notification_id", n.NotificationID),
			zap.String("user_id", n.UserID),
			zap.String("national_hotline", d.config.Escalation.NationalHotlineNumber),
		)

		if firstAttempt && d.offlineQueue != nil {
			redispatch := &QueuedRedispatch{
				NotificationID: n.NotificationID,
				UserID:         n.UserID,
				AlertID:        n.AlertID,
			}
			if _, err := d.offlineQueue.Enqueue(ctx, models.CategoryEmergencyEvent, models.QueuePriorityCritical, redispatch); err != nil {
				d.logger.Error("Failed to enqueue failed notification for retry",
					zap.String("notification_id", n.NotificationID),
					zap.Error(err),
				)
			}
		}
	}

	// 无论结果如何都写升级摘要审计
	d.auditSummary(ctx, n, results, status)
}

// attemptChannel 单通道尝试（独立超时，互不影响）
func (d *Dispatcher) attemptChannel(ctx context.Context, channel models.Channel, destination string, payload []byte) models.ChannelResult {
	result := models.ChannelResult{
		Channel:   channel,
		Timestamp: time.Now(),
	}

	t, ok := d.registry.Get(channel)
	if !ok {
		result.Success = false
		result.Message = "channel not registered"
		return result
	}

	timeout := time.Duration(d.config.Escalation.ChannelTimeoutSec) * time.Second
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sendResult, err := t.Send(sendCtx, destination, payload)
	result.Timestamp = time.Now()

	if err != nil {
		result.Success = false
		if sendCtx.Err() == context.DeadlineExceeded {
			result.Message = "channel attempt timed out"
		} else {
			result.Message = err.Error()
		}
		d.logger.Warn("Channel attempt failed",
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
		return result
	}

	result.Success = sendResult.Success
	result.Message = sendResult.Message
	return result
}

// auditSummary 写一次升级的通道摘要
func (d *Dispatcher) auditSummary(ctx context.Context, n *models.EmergencyNotification, results []models.ChannelResult, status models.NotificationStatus) {
	succeeded := []string{}
	failed := []string{}
	for _, r := range results {
		if r.Success {
			succeeded = append(succeeded, string(r.Channel))
		} else {
			failed = append(failed, string(r.Channel))
		}
	}

	if err := d.auditLog.AppendEngineEvent(ctx, audit.KindEscalationSummary, map[string]interface{}{
		"notification_id":      n.NotificationID,
		"user_id":              n.UserID,
		"alert_id":             n.AlertID,
		"tier":                 n.Tier,
		"status":               status,
		"escalation_triggered": n.EscalationTriggered,
		"channels_succeeded":   succeeded,
		"channels_failed":      failed,
	}); err != nil {
		d.logger.Error("Failed to audit escalation summary",
			zap.String("notification_id", n.NotificationID),
			zap.Error(err),
		)
	}
}
