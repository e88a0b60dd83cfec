package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
	"carelink-sync/internal/queue"
	"carelink-sync/internal/repository"
	"carelink-sync/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// QueuedDelivery 投递失败后进入离线队列的载荷
type QueuedDelivery struct {
	CaregiverID string              `json:"caregiver_id"`
	UserID      string              `json:"user_id"`
	Strategy    models.SyncStrategy `json:"strategy"`
	Items       []models.SyncItem   `json:"items"`
}

// Coordinator 照护者同步协调器
// 每个照护者作为独立任务处理，单个失败不中断其他照护者；
// 并发受工作池上限约束，进行中的照护者通过 inflight 集合保证同一时刻至多一个操作
type Coordinator struct {
	config    *config.Config
	connRepo  *repository.ConnectionsRepository
	opsRepo   *repository.SyncOperationsRepository
	transport transport.Transport
	queue     *queue.OfflineQueue
	logger    *zap.Logger

	mu           sync.Mutex
	strategy     models.SyncStrategy
	lastFullSync time.Time
	inflight     map[string]bool // caregiver_id → 是否有进行中的操作
}

// NewCoordinator 创建同步协调器
func NewCoordinator(
	cfg *config.Config,
	connRepo *repository.ConnectionsRepository,
	opsRepo *repository.SyncOperationsRepository,
	t transport.Transport,
	offlineQueue *queue.OfflineQueue,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		config:    cfg,
		connRepo:  connRepo,
		opsRepo:   opsRepo,
		transport: t,
		queue:     offlineQueue,
		logger:    logger,
		strategy:  models.SyncStrategyIncremental,
		inflight:  make(map[string]bool),
	}
}

// SetSyncStrategy 设置当前同步策略（管理钩子）
func (c *Coordinator) SetSyncStrategy(strategy models.SyncStrategy) error {
	if !strategy.IsValid() {
		return fmt.Errorf("%w: invalid sync strategy %s", models.ErrConfiguration, strategy)
	}
	c.mu.Lock()
	c.strategy = strategy
	c.mu.Unlock()
	return nil
}

// GetCurrentSyncStrategy 获取当前同步策略
func (c *Coordinator) GetCurrentSyncStrategy() models.SyncStrategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// LastFullSyncTime 最近一次整体成功的全量同步时间
func (c *Coordinator) LastFullSyncTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFullSync
}

// PerformFullSync 对全部活跃照护者执行全量同步
// 整体成功（无任何错误）时才推进全局 lastFullSync
func (c *Coordinator) PerformFullSync(ctx context.Context) *models.SyncResult {
	result := c.syncConnections(ctx, models.SyncStrategyFull, "")

	if result.Success {
		c.mu.Lock()
		c.lastFullSync = result.Timestamp
		c.mu.Unlock()
	}

	return result
}

// PerformCriticalSync 仅同步关键类别（紧急事件、滥用警报、健康状态）
func (c *Coordinator) PerformCriticalSync(ctx context.Context) *models.SyncResult {
	return c.syncConnections(ctx, models.SyncStrategyCritical, "")
}

// PerformForcedSync 手动触发指定用户的同步（MANUAL 策略）
func (c *Coordinator) PerformForcedSync(ctx context.Context, userID string) *models.SyncResult {
	return c.syncConnections(ctx, models.SyncStrategyManual, userID)
}

// PerformEmergencySync 紧急触发后的镜像同步（仅紧急事件+滥用警报）
func (c *Coordinator) PerformEmergencySync(ctx context.Context, userID string) *models.SyncResult {
	return c.syncConnections(ctx, models.SyncStrategyEmergency, userID)
}

// syncConnections 对活跃照护者执行一轮同步
// userID 非空时仅同步该用户的照护者
func (c *Coordinator) syncConnections(ctx context.Context, strategy models.SyncStrategy, userID string) *models.SyncResult {
	result := &models.SyncResult{
		Timestamp: time.Now(),
		Errors:    []string{},
	}

	connections, err := c.connRepo.GetActiveConnections(ctx)
	if err != nil {
		result.Success = false
		result.Message = "failed to load caregiver connections"
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	// 按用户过滤（强制同步场景）
	if userID != "" {
		filtered := connections[:0]
		for _, conn := range connections {
			if conn.UserID == userID {
				filtered = append(filtered, conn)
			}
		}
		connections = filtered
	}

	// 工作池上限内并发处理，每个照护者独立隔离
	sem := semaphore.NewWeighted(int64(c.config.Sync.MaxConcurrent))
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	for _, conn := range connections {
		if err := sem.Acquire(ctx, 1); err != nil {
			resultMu.Lock()
			result.Errors = append(result.Errors, fmt.Sprintf("caregiver %s: %v", conn.CaregiverID, err))
			resultMu.Unlock()
			break
		}

		wg.Add(1)
		go func(conn *models.CaregiverConnection) {
			defer wg.Done()
			defer sem.Release(1)

			synced, err := c.syncCaregiver(ctx, conn, strategy)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("caregiver %s: %v", conn.CaregiverID, err))
				return
			}
			result.RecordsSynced += synced
		}(conn)
	}

	wg.Wait()

	result.Success = len(result.Errors) == 0
	if result.Success {
		result.Message = fmt.Sprintf("%s sync completed: %d records", strategy, result.RecordsSynced)
	} else {
		// 对用户呈现中性的"有网络时会重试"状态，细节在 Errors 里
		result.Message = "sync incomplete, will retry when possible"
	}

	c.logger.Info("Sync round finished",
		zap.String("strategy", string(strategy)),
		zap.Int("caregiver_count", len(connections)),
		zap.Int("records_synced", result.RecordsSynced),
		zap.Int("error_count", len(result.Errors)),
	)

	return result
}

// syncCaregiver 同步单个照护者
// 返回成功发送的记录数；失败的投递进入离线队列后仍返回错误（计入本轮错误列表）
func (c *Coordinator) syncCaregiver(ctx context.Context, conn *models.CaregiverConnection, strategy models.SyncStrategy) (int, error) {
	// 不变式：同一照护者同一时刻至多一个进行中的操作
	if !c.markInflight(conn.CaregiverID) {
		c.logger.Debug("Sync already in flight for caregiver, skipping",
			zap.String("caregiver_id", conn.CaregiverID),
		)
		return 0, nil
	}
	defer c.clearInflight(conn.CaregiverID)

	op := &models.SyncOperation{
		OperationID: uuid.New().String(),
		CaregiverID: conn.CaregiverID,
		Strategy:    strategy,
		Status:      models.SyncStatusInProgress,
		StartedAt:   time.Now(),
	}
	if err := c.opsRepo.CreateSyncOperation(ctx, op); err != nil {
		return 0, err
	}

	// 类别选择 + 增量时间下限
	categories := CategoriesForStrategy(strategy)
	var since *time.Time
	if strategy == models.SyncStrategyIncremental {
		since = conn.LastSyncAt
	}

	items, err := c.opsRepo.ListSyncItems(ctx, conn.UserID, categories, since)
	if err != nil {
		c.failOperation(ctx, op.OperationID, err)
		return 0, err
	}

	// 权限过滤（默认拒绝），被拒绝的数据不发送也不重试
	filtered := FilterByPermissions(conn, items)
	if len(filtered) == 0 {
		c.completeOperation(ctx, op.OperationID, 0)
		return 0, nil
	}

	payload, err := json.Marshal(filtered)
	if err != nil {
		c.failOperation(ctx, op.OperationID, err)
		return 0, err
	}

	// 超时发送：到期记为 FAILED 操作而非未处理异常
	sendCtx, cancel := context.WithTimeout(ctx, TimeoutForStrategy(c.config, strategy))
	defer cancel()

	sendResult, err := c.transport.Send(sendCtx, conn.CaregiverID, payload)
	if err != nil || !sendResult.Success {
		sendErr := err
		if sendErr == nil {
			sendErr = fmt.Errorf("%w: %s", models.ErrTransientNetwork, sendResult.Message)
		} else if sendCtx.Err() == context.DeadlineExceeded {
			sendErr = fmt.Errorf("%w: sync send timed out after %s",
				models.ErrTimeout, TimeoutForStrategy(c.config, strategy))
		}

		c.failOperation(ctx, op.OperationID, sendErr)
		c.enqueueFailedDelivery(ctx, conn, strategy, filtered)
		return 0, sendErr
	}

	c.completeOperation(ctx, op.OperationID, len(filtered))

	// 该照护者的 last_sync_at 独立推进，不依赖整体结果
	if err := c.connRepo.UpdateLastSyncTime(ctx, conn.CaregiverID, time.Now()); err != nil {
		c.logger.Error("Failed to advance caregiver last sync time",
			zap.String("caregiver_id", conn.CaregiverID),
			zap.Error(err),
		)
	}

	return len(filtered), nil
}

// PerformScheduledSync 按当前策略执行一轮后台同步
// FULL 策略走 PerformFullSync 以维持全局 lastFullSync 推进规则
func (c *Coordinator) PerformScheduledSync(ctx context.Context) *models.SyncResult {
	strategy := c.GetCurrentSyncStrategy()
	if strategy == models.SyncStrategyFull {
		return c.PerformFullSync(ctx)
	}
	return c.syncConnections(ctx, strategy, "")
}

// ProcessOfflineQueue 排空离线队列
// handler 负责按类别重放条目的原始操作，accept 控制本轮放行哪些条目
func (c *Coordinator) ProcessOfflineQueue(ctx context.Context, handler queue.Handler, accept func(*models.OfflineQueueItem) bool) (*queue.DrainStats, error) {
	return c.queue.Drain(ctx, handler, accept)
}

// RedeliverQueued 重放离线队列中的失败投递（排空消费端）
// 下游应用按 item_id 去重，重复投递是安全的空操作
func (c *Coordinator) RedeliverQueued(ctx context.Context, delivery *QueuedDelivery) error {
	payload, err := json.Marshal(delivery.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal queued delivery: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx,
		time.Duration(c.config.Sync.CriticalTimeoutSec)*time.Second)
	defer cancel()

	sendResult, err := c.transport.Send(sendCtx, delivery.CaregiverID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
	}
	if !sendResult.Success {
		return fmt.Errorf("%w: %s", models.ErrTransientNetwork, sendResult.Message)
	}

	if err := c.connRepo.UpdateLastSyncTime(ctx, delivery.CaregiverID, time.Now()); err != nil {
		c.logger.Error("Failed to advance caregiver last sync time",
			zap.String("caregiver_id", delivery.CaregiverID),
			zap.Error(err),
		)
	}

	return nil
}

// enqueueFailedDelivery 将失败的投递放入离线队列等待机会重试
// 队列优先级取该批数据中最高的类别优先级
func (c *Coordinator) enqueueFailedDelivery(ctx context.Context, conn *models.CaregiverConnection, strategy models.SyncStrategy, items []models.SyncItem) {
	priority := models.QueuePriorityLow
	category := models.CategoryAppUsage
	for _, item := range items {
		if item.Category.Priority().Rank() < priority.Rank() {
			priority = item.Category.Priority()
			category = item.Category
		}
	}

	delivery := &QueuedDelivery{
		CaregiverID: conn.CaregiverID,
		UserID:      conn.UserID,
		Strategy:    strategy,
		Items:       items,
	}

	if _, err := c.queue.Enqueue(ctx, category, priority, delivery); err != nil {
		c.logger.Error("Failed to enqueue failed delivery",
			zap.String("caregiver_id", conn.CaregiverID),
			zap.Error(err),
		)
	}
}

// failOperation 写入 FAILED 终态
func (c *Coordinator) failOperation(ctx context.Context, operationID string, cause error) {
	msg := cause.Error()
	if err := c.opsRepo.CompleteSyncOperation(ctx, operationID, models.SyncStatusFailed, 0, &msg); err != nil {
		c.logger.Error("Failed to mark sync operation failed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
	}
}

// completeOperation 写入 COMPLETED 终态
func (c *Coordinator) completeOperation(ctx context.Context, operationID string, recordsSynced int) {
	if err := c.opsRepo.CompleteSyncOperation(ctx, operationID, models.SyncStatusCompleted, recordsSynced, nil); err != nil {
		c.logger.Error("Failed to mark sync operation completed",
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
	}
}

// markInflight 标记照护者进入同步，已有进行中操作时返回 false
func (c *Coordinator) markInflight(caregiverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[caregiverID] {
		return false
	}
	c.inflight[caregiverID] = true
	return true
}

// clearInflight 清除进行中标记
func (c *Coordinator) clearInflight(caregiverID string) {
	c.mu.Lock()
	delete(c.inflight, caregiverID)
	c.mu.Unlock()
}
