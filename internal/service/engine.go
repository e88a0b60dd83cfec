package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"carelink-sync/common/mqtt"
	commonredis "carelink-sync/common/redis"
	"carelink-sync/internal/audit"
	"carelink-sync/internal/config"
	"carelink-sync/internal/escalation"
	"carelink-sync/internal/models"
	"carelink-sync/internal/probe"
	"carelink-sync/internal/queue"
	"carelink-sync/internal/repository"
	"carelink-sync/internal/security"
	"carelink-sync/internal/syncer"
	"carelink-sync/internal/transport"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// 维护人通知的发送超时
const advocateNotifyTimeout = 10 * time.Second

// Engine 同步与升级引擎（整合各层）
type Engine struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	connRepo     *repository.ConnectionsRepository
	opsRepo      *repository.SyncOperationsRepository
	queueRepo    *repository.OfflineQueueRepository
	notifRepo    *repository.NotificationsRepository
	auditRepo    *repository.AuditEventsRepository
	auditLog     *audit.Log
	registry     *transport.Registry
	counters     *security.CounterStore
	gate         *security.Gate
	offlineQ     *queue.OfflineQueue
	dispatcher   *escalation.Dispatcher
	coordinator  *syncer.Coordinator
	connectivity probe.ConnectivityProbe
}

// NewEngine 创建同步与升级引擎
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试数据库连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（不可达时降级：推送与同步走 Redis Stream，队列兜底重试）
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		logger.Warn("MQTT broker unreachable, running degraded",
			zap.String("broker", cfg.MQTT.Broker),
			zap.Error(err),
		)
		mqttClient = nil
	}

	// 4. 创建 Repository 层
	connRepo := repository.NewConnectionsRepository(db, logger)
	opsRepo := repository.NewSyncOperationsRepository(db, logger)
	queueRepo := repository.NewOfflineQueueRepository(db, logger)
	notifRepo := repository.NewNotificationsRepository(db, logger)
	auditRepo := repository.NewAuditEventsRepository(db, logger)

	// 5. 审计日志（Postgres 为事实来源，Redis Stream 供下游消费）
	auditLog := audit.NewLog(auditRepo, redisClient, cfg.Audit.StreamName, logger)

	// 6. 通道注册表：推送走 MQTT，其余投递任务写入 per-channel stream
	registry := transport.NewRegistry()
	if mqttClient != nil {
		registry.Register(models.ChannelPush,
			transport.NewMQTTPushTransport(mqttClient, "carelink/push/", cfg.MQTT.QoS, logger))
	} else {
		registry.Register(models.ChannelPush,
			transport.NewStreamTransport(redisClient, models.ChannelPush, "", logger))
	}
	for _, ch := range []models.Channel{
		models.ChannelPhoneCall,
		models.ChannelSMS,
		models.ChannelEmail,
		models.ChannelBackupHotline,
		models.ChannelDialerIntent,
		models.ChannelNationalHotline,
		models.ChannelEmergencyServices,
	} {
		registry.Register(ch, transport.NewStreamTransport(redisClient, ch, "", logger))
	}

	// 7. 安全门
	counters := security.NewCounterStore(cfg, redisClient, logger)
	advocate := security.NewTransportAdvocateNotifier(registry, cfg.Security.AdvocateContact, advocateNotifyTimeout, auditLog, logger)
	gate := security.NewGate(cfg, counters, connRepo, auditLog, advocate, logger)

	// 8. 离线队列与升级调度
	offlineQ := queue.NewOfflineQueue(cfg, queueRepo, auditLog, redisClient, logger)
	dispatcher := escalation.NewDispatcher(cfg, registry, notifRepo, auditLog, offlineQ, logger)

	// 9. 同步协调器：照护者投递优先 MQTT，降级为同步 outbox stream
	var syncTransport transport.Transport
	if mqttClient != nil {
		syncTransport = transport.NewMQTTPushTransport(mqttClient, "carelink/sync/", cfg.MQTT.QoS, logger)
	} else {
		syncTransport = transport.NewStreamTransport(redisClient, models.Channel("sync"), "carelink:", logger)
	}
	coordinator := syncer.NewCoordinator(cfg, connRepo, opsRepo, syncTransport, offlineQ, logger)

	return &Engine{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		connRepo:     connRepo,
		opsRepo:      opsRepo,
		queueRepo:    queueRepo,
		notifRepo:    notifRepo,
		auditRepo:    auditRepo,
		auditLog:     auditLog,
		registry:     registry,
		counters:     counters,
		gate:         gate,
		offlineQ:     offlineQ,
		dispatcher:   dispatcher,
		coordinator:  coordinator,
		connectivity: probe.NewBrokerProbe(mqttClient, redisClient),
	}, nil
}

// Start 启动引擎
// 重建离线队列索引，然后启动后台排空循环；收到 ctx 取消后循环退出
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting sync engine")

	if err := e.offlineQ.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("failed to restore offline queue: %w", err)
	}

	go e.drainLoop(ctx)

	return nil
}

// Stop 停止引擎
func (e *Engine) Stop() error {
	e.logger.Info("Stopping sync engine")

	if e.mqttClient != nil {
		e.mqttClient.Disconnect()
	}

	if err := e.db.Close(); err != nil {
		e.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := e.redisClient.Close(); err != nil {
		e.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// drainLoop 后台排空循环
// 每个周期先按网络质量门控排空离线队列，再跑一轮当前策略的后台同步
func (e *Engine) drainLoop(ctx context.Context) {
	interval := time.Duration(e.config.Queue.DrainIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Drain loop stopped")
			return
		case <-ticker.C:
			e.drainTick(ctx)
		}
	}
}

// drainTick 一次排空周期
// 质量 NONE 完全跳过；LOW 只放行 CRITICAL 条目；MEDIUM 及以上全量排空并触发后台同步
func (e *Engine) drainTick(ctx context.Context) {
	quality := e.connectivity.CurrentQuality(ctx)
	if quality == models.NetworkQualityNone {
		e.logger.Debug("No connectivity, skipping drain cycle")
		return
	}

	if _, err := e.coordinator.ProcessOfflineQueue(ctx, queue.HandlerFunc(e.handleQueueItem), drainAccept(quality)); err != nil {
		e.logger.Error("Queue drain failed",
			zap.Error(err),
		)
	}

	if quality.AtLeast(models.NetworkQualityMedium) {
		e.coordinator.PerformScheduledSync(ctx)
	}
}

// drainAccept 按网络质量决定排空放行的条目范围
// LOW 只放行 CRITICAL 条目，MEDIUM 及以上全量放行
func drainAccept(quality models.NetworkQuality) func(*models.OfflineQueueItem) bool {
	return func(item *models.OfflineQueueItem) bool {
		if quality.AtLeast(models.NetworkQualityMedium) {
			return true
		}
		return item.Priority == models.QueuePriorityCritical
	}
}

// handleQueueItem 按载荷类型重放队列项的原始操作
// 紧急事件条目重放升级扇出，其余条目重放照护者投递
func (e *Engine) handleQueueItem(ctx context.Context, item *models.OfflineQueueItem) error {
	if item.Category == models.CategoryEmergencyEvent {
		var rd escalation.QueuedRedispatch
		if err := json.Unmarshal(item.Payload, &rd); err == nil && rd.NotificationID != "" {
			return e.dispatcher.Redispatch(ctx, rd.NotificationID)
		}
	}

	var delivery syncer.QueuedDelivery
	if err := json.Unmarshal(item.Payload, &delivery); err != nil {
		return fmt.Errorf("failed to decode queue payload: %w", err)
	}
	if delivery.CaregiverID == "" {
		return fmt.Errorf("%w: queue item %s has no routable payload", models.ErrConfiguration, item.ItemID)
	}

	return e.coordinator.RedeliverQueued(ctx, &delivery)
}

// RequestModeSwitch 设备模式切换请求入口（经过安全门）
func (e *Engine) RequestModeSwitch(ctx context.Context, userID string, req models.ModeSwitchRequest) (*models.ModeSwitchValidation, error) {
	return e.gate.ValidateModeSwitch(ctx, userID, req)
}

// ActivateEmergencyEscape 激活紧急逃生窗口（物理按键或语音触发，不经过安全门）
func (e *Engine) ActivateEmergencyEscape(ctx context.Context, userID, method string) error {
	return e.gate.ActivateEmergencyEscape(ctx, userID, method)
}

// TriggerEmergency 触发紧急升级
// 通知扇出异步进行，随后镜像一轮 EMERGENCY 同步让照护者立刻拿到事件数据
func (e *Engine) TriggerEmergency(ctx context.Context, userID, alertID, message string, tier models.AlertTier) (*models.EmergencyNotification, error) {
	n, err := e.dispatcher.Notify(ctx, userID, alertID, message, tier)
	if err != nil {
		return nil, err
	}

	go e.coordinator.PerformEmergencySync(context.Background(), userID)

	return n, nil
}

// AcknowledgeDelivery 确认紧急通知已送达接收端
func (e *Engine) AcknowledgeDelivery(ctx context.Context, notificationID string) error {
	return e.dispatcher.AcknowledgeDelivery(ctx, notificationID)
}

// ResolveNotification 人工解决紧急通知
func (e *Engine) ResolveNotification(ctx context.Context, notificationID string) error {
	return e.dispatcher.Resolve(ctx, notificationID)
}

// TriggerManualSync 手动触发指定用户的同步
func (e *Engine) TriggerManualSync(ctx context.Context, userID string) *models.SyncResult {
	return e.coordinator.PerformForcedSync(ctx, userID)
}

// PerformFullSync 触发一轮全量同步
func (e *Engine) PerformFullSync(ctx context.Context) *models.SyncResult {
	return e.coordinator.PerformFullSync(ctx)
}

// PerformCriticalSync 触发一轮关键类别同步
func (e *Engine) PerformCriticalSync(ctx context.Context) *models.SyncResult {
	return e.coordinator.PerformCriticalSync(ctx)
}

// SetSyncStrategy 设置当前同步策略
func (e *Engine) SetSyncStrategy(strategy models.SyncStrategy) error {
	return e.coordinator.SetSyncStrategy(strategy)
}

// GetCurrentSyncStrategy 获取当前同步策略
func (e *Engine) GetCurrentSyncStrategy() models.SyncStrategy {
	return e.coordinator.GetCurrentSyncStrategy()
}

// QueueSize 当前离线队列长度（运维观测）
func (e *Engine) QueueSize() int {
	return e.offlineQ.Size()
}
