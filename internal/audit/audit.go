package audit

import (
	"context"
	"fmt"
	"time"

	commonredis "carelink-sync/common/redis"
	"carelink-sync/internal/models"
	"carelink-sync/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 引擎审计记录类型
const (
	KindQueueDrop         = "queue_item_dropped"    // 队列项超过最大重试次数被丢弃
	KindEscalationSummary = "escalation_summary"    // 一次紧急升级的通道摘要
	KindLockout           = "security_lockout"      // 累计可疑事件触发系统锁定
	KindEscapeActivated   = "emergency_escape"      // 紧急逃生激活
	KindAdvocateNotified  = "advocate_notification" // 老人权益维护人已通知
)

// Log 审计日志（Postgres 追加 + Redis Stream 发布给下游消费）
// 记录只追加，按单调时间戳全序
type Log struct {
	repo        *repository.AuditEventsRepository
	redisClient *redis.Client
	streamName  string
	logger      *zap.Logger
}

// NewLog 创建审计日志
func NewLog(repo *repository.AuditEventsRepository, redisClient *redis.Client, streamName string, logger *zap.Logger) *Log {
	return &Log{
		repo:        repo,
		redisClient: redisClient,
		streamName:  streamName,
		logger:      logger,
	}
}

// AppendSecurityEvent 追加一条安全审计事件
// 安全门的每次评估必须恰好写入一条
func (l *Log) AppendSecurityEvent(ctx context.Context, event *models.SecurityAuditEvent) error {
	if err := l.repo.CreateSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append security audit event: %w", err)
	}

	// Stream 发布失败不影响主流程（Postgres 已落盘）
	l.publish(ctx, "security", event)

	return nil
}

// CountModeSwitches 统计窗口内获批准的模式切换次数
// 速率限制的 Redis 计数缺失时（重启/清空）从审计表恢复窗口计数
func (l *Log) CountModeSwitches(ctx context.Context, requesterID string, window time.Duration) (int, error) {
	return l.repo.CountModeSwitches(ctx, requesterID, window)
}

// AppendEngineEvent 追加一条引擎审计记录
func (l *Log) AppendEngineEvent(ctx context.Context, kind string, payload interface{}) error {
	eventID := uuid.New().String()

	if err := l.repo.CreateEngineEvent(ctx, eventID, kind, payload); err != nil {
		return fmt.Errorf("failed to append engine audit event: %w", err)
	}

	l.publish(ctx, kind, payload)

	return nil
}

// publish 发布审计记录到 Redis Stream（尽力而为）
func (l *Log) publish(ctx context.Context, kind string, payload interface{}) {
	if l.redisClient == nil {
		return
	}

	if _, err := commonredis.PublishJSONToStream(ctx, l.redisClient, l.streamName, map[string]interface{}{
		"kind":    kind,
		"payload": payload,
		"at":      time.Now().Unix(),
	}); err != nil {
		l.logger.Warn("Failed to publish audit event to stream",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
