package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
	"carelink-sync/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler 队列项消费接口
// 排空时重放队列项的原始操作；消费方必须对重复投递幂等（至少一次语义）
type Handler interface {
	Handle(ctx context.Context, item *models.OfflineQueueItem) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, item *models.OfflineQueueItem) error

// Handle 实现 Handler 接口
func (f HandlerFunc) Handle(ctx context.Context, item *models.OfflineQueueItem) error {
	return f(ctx, item)
}

// DrainStats 一次排空的统计
type DrainStats struct {
	Processed int // 实际尝试投递的条目数
	Succeeded int // 投递成功并删除
	Requeued  int // 失败后退避重新排队
	Dropped   int // 超过最大重试次数被丢弃（已写审计）
	Skipped   int // 退避期内跳过
}

// OfflineQueue 离线队列
// Postgres 表为持久化事实来源，进程内堆只是排空顺序索引，启动时从表重建
type OfflineQueue struct {
	config      *config.Config
	repo        *repository.OfflineQueueRepository
	auditLog    *audit.Log
	redisClient *redis.Client
	logger      *zap.Logger

	mu    sync.Mutex
	index *orderedIndex
}

// NewOfflineQueue 创建离线队列
func NewOfflineQueue(
	cfg *config.Config,
	repo *repository.OfflineQueueRepository,
	auditLog *audit.Log,
	redisClient *redis.Client,
	logger *zap.Logger,
) *OfflineQueue {
	return &OfflineQueue{
		config:      cfg,
		repo:        repo,
		auditLog:    auditLog,
		redisClient: redisClient,
		logger:      logger,
		index:       newOrderedIndex(),
	}
}

// LoadFromStore 从 Postgres 重建排空顺序索引（启动时调用）
// 表查询已按优先级/入队时间排序，依序入堆保持稳定序号
func (q *OfflineQueue) LoadFromStore(ctx context.Context) error {
	items, err := q.repo.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue from store: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.index = newOrderedIndex()
	for _, item := range items {
		q.index.push(item)
	}

	q.logger.Info("Offline queue loaded",
		zap.Int("item_count", len(items)),
	)

	return nil
}

// Enqueue 入队一条未投递的工作项
func (q *OfflineQueue) Enqueue(ctx context.Context, category models.DataCategory, priority models.QueuePriority, payload interface{}) (*models.OfflineQueueItem, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	now := time.Now()
	item := &models.OfflineQueueItem{
		ItemID:        uuid.New().String(),
		Payload:       payloadJSON,
		Category:      category,
		Priority:      priority,
		EnqueuedAt:    now,
		RetryCount:    0,
		MaxRetries:    q.config.Queue.DefaultMaxRetries,
		NextAttemptAt: now, // 立即可尝试
	}

	// 先落盘再入索引：崩溃后可从表重建
	if err := q.repo.InsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist queue item: %w", err)
	}

	q.mu.Lock()
	q.index.push(item)
	q.mu.Unlock()

	q.logger.Debug("Queue item enqueued",
		zap.String("item_id", item.ItemID),
		zap.String("category", string(item.Category)),
		zap.String("priority", string(item.Priority)),
	)

	return item, nil
}

// Drain 按排空顺序处理队列项
// accept 非 nil 时只处理其放行的条目（网络质量门控），其余条目跳过且不计重试；
// 跨进程互斥通过 Redis SETNX 锁保证，并发 Drain 调用直接返回空统计
func (q *OfflineQueue) Drain(ctx context.Context, handler Handler, accept func(*models.OfflineQueueItem) bool) (*DrainStats, error) {
	stats := &DrainStats{}

	// 获取排空锁（TTL 防止崩溃后死锁）
	locked, err := q.acquireDrainLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	if !locked {
		q.logger.Debug("Drain already in progress, skipping")
		return stats, nil
	}
	defer q.releaseDrainLock(ctx)

	now := time.Now()

	// 弹空堆：可尝试的交给 handler，退避期内的暂存后重新入堆
	q.mu.Lock()
	var eligible []*models.OfflineQueueItem
	var deferred []*models.OfflineQueueItem
	for {
		item := q.index.pop()
		if item == nil {
			break
		}
		if item.Eligible(now) && (accept == nil || accept(item)) {
			eligible = append(eligible, item)
		} else {
			deferred = append(deferred, item)
		}
	}
	for _, item := range deferred {
		q.index.push(item)
	}
	q.mu.Unlock()

	stats.Skipped = len(deferred)

	for i, item := range eligible {
		select {
		case <-ctx.Done():
			// 全部未处理的条目放回索引，等下个排空周期
			q.mu.Lock()
			for _, remaining := range eligible[i:] {
				q.index.push(remaining)
			}
			q.mu.Unlock()
			return stats, ctx.Err()
		default:
		}

		stats.Processed++

		if err := handler.Handle(ctx, item); err != nil {
			q.handleFailure(ctx, item, err, stats)
			continue
		}

		// 投递成功：删除持久化记录
		if err := q.repo.DeleteItem(ctx, item.ItemID); err != nil {
			q.logger.Error("Failed to delete delivered queue item",
				zap.String("item_id", item.ItemID),
				zap.Error(err),
			)
		}
		stats.Succeeded++
	}

	q.logger.Info("Queue drain completed",
		zap.Int("processed", stats.Processed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("requeued", stats.Requeued),
		zap.Int("dropped", stats.Dropped),
		zap.Int("skipped", stats.Skipped),
	)

	return stats, nil
}

// Size 当前索引内的条目数
func (q *OfflineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index.len()
}

// handleFailure 投递失败后的重试簿记
// 退避公式：backoff = retryCount * 步长（默认60秒），超过最大重试次数丢弃并写审计
func (q *OfflineQueue) handleFailure(ctx context.Context, item *models.OfflineQueueItem, cause error, stats *DrainStats) {
	item.RetryCount++

	if item.Exhausted() {
		// 丢弃不能无声：写审计记录
		if err := q.repo.DeleteItem(ctx, item.ItemID); err != nil {
			q.logger.Error("Failed to delete exhausted queue item",
				zap.String("item_id", item.ItemID),
				zap.Error(err),
			)
		}
		if err := q.auditLog.AppendEngineEvent(ctx, audit.KindQueueDrop, map[string]interface{}{
			"item_id":     item.ItemID,
			"category":    item.Category,
			"priority":    item.Priority,
			"retry_count": item.RetryCount,
			"max_retries": item.MaxRetries,
			"reason":      "max retries exceeded",
			"last_error":  cause.Error(),
		}); err != nil {
			q.logger.Error("Failed to audit dropped queue item",
				zap.String("item_id", item.ItemID),
				zap.Error(err),
			)
		}
		q.logger.Warn("Queue item dropped after max retries",
			zap.String("item_id", item.ItemID),
			zap.String("category", string(item.Category)),
			zap.Int("retry_count", item.RetryCount),
		)
		stats.Dropped++
		return
	}

	backoff := time.Duration(item.RetryCount) * time.Duration(q.config.Queue.BackoffStepMs) * time.Millisecond
	item.NextAttemptAt = time.Now().Add(backoff)

	if err := q.repo.UpdateRetry(ctx, item.ItemID, item.RetryCount, item.NextAttemptAt); err != nil {
		q.logger.Error("Failed to persist queue item retry",
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
	}

	q.requeue(item)
	stats.Requeued++

	q.logger.Debug("Queue item requeued with backoff",
		zap.String("item_id", item.ItemID),
		zap.Int("retry_count", item.RetryCount),
		zap.Duration("backoff", backoff),
	)
}

// requeue 将条目放回排空顺序索引
func (q *OfflineQueue) requeue(item *models.OfflineQueueItem) {
	q.mu.Lock()
	q.index.push(item)
	q.mu.Unlock()
}

// acquireDrainLock 获取跨进程排空锁
func (q *OfflineQueue) acquireDrainLock(ctx context.Context) (bool, error) {
	if q.redisClient == nil {
		return true, nil // 无 Redis 时退化为进程内互斥（mu 已保证）
	}
	ttl := time.Duration(q.config.Queue.DrainLockTTLSec) * time.Second
	return q.redisClient.SetNX(ctx, q.config.Queue.DrainLockKey, "1", ttl).Result()
}

// releaseDrainLock 释放排空锁
func (q *OfflineQueue) releaseDrainLock(ctx context.Context) {
	if q.redisClient == nil {
		return
	}
	if err := q.redisClient.Del(ctx, q.config.Queue.DrainLockKey).Err(); err != nil {
		q.logger.Warn("Failed to release drain lock",
			zap.Error(err),
		)
	}
}
