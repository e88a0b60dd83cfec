package security

import (
	"context"
	"fmt"
	"time"

	"carelink-sync/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CounterStore 安全计数器与紧急逃生标志（Redis 原子操作）
// 速率限制计数、可疑事件计数和逃生标志是引擎仅有的并发可变共享状态，
// 全部通过 Redis 的原子 INCR/SETNX 更新，避免并发请求下的丢失更新
type CounterStore struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCounterStore 创建计数器存储
func NewCounterStore(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *CounterStore {
	return &CounterStore{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// rateLimitKey 速率限制计数器键
func (s *CounterStore) rateLimitKey(requesterID string) string {
	return fmt.Sprintf("%srate:%s", s.config.Security.CounterKeyPrefix, requesterID)
}

// suspiciousKey 可疑事件计数器键
func (s *CounterStore) suspiciousKey(requesterID string) string {
	return fmt.Sprintf("%ssuspicious:%s", s.config.Security.CounterKeyPrefix, requesterID)
}

// escapeKey 紧急逃生标志键
func (s *CounterStore) escapeKey(userID string) string {
	return fmt.Sprintf("%s%s", s.config.Security.EscapeKeyPrefix, userID)
}

// IncrModeSwitch 记录一次获批准的模式切换（窗口计数）
// 首次递增时设置窗口 TTL，窗口过期后计数自动清零
func (s *CounterStore) IncrModeSwitch(ctx context.Context, requesterID string) error {
	key := s.rateLimitKey(requesterID)

	count, err := s.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to increment mode switch counter: %w", err)
	}

	if count == 1 {
		window := time.Duration(s.config.Security.RateLimitWindowMin) * time.Minute
		if err := s.redisClient.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("failed to set mode switch counter TTL: %w", err)
		}
	}

	return nil
}

// SeedModeSwitch 用审计表恢复的计数初始化速率限制计数器
// 仅在键不存在时写入；恢复值按整窗 TTL 播种，宁可偏保守
func (s *CounterStore) SeedModeSwitch(ctx context.Context, requesterID string, count int) error {
	window := time.Duration(s.config.Security.RateLimitWindowMin) * time.Minute

	if err := s.redisClient.SetNX(ctx, s.rateLimitKey(requesterID), count, window).Err(); err != nil {
		return fmt.Errorf("failed to seed mode switch counter: %w", err)
	}

	return nil
}

// ModeSwitchCount 读取窗口内的模式切换次数
func (s *CounterStore) ModeSwitchCount(ctx context.Context, requesterID string) (int, error) {
	val, err := s.redisClient.Get(ctx, s.rateLimitKey(requesterID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get mode switch count: %w", err)
	}
	return val, nil
}

// IncrSuspicious 记录一次可疑事件（滚动窗口计数）
func (s *CounterStore) IncrSuspicious(ctx context.Context, requesterID string) error {
	key := s.suspiciousKey(requesterID)

	count, err := s.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to increment suspicious counter: %w", err)
	}

	if count == 1 {
		window := time.Duration(s.config.Security.SuspiciousWindowHour) * time.Hour
		if err := s.redisClient.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("failed to set suspicious counter TTL: %w", err)
		}
	}

	return nil
}

// SuspiciousCount 读取窗口内的可疑事件数
func (s *CounterStore) SuspiciousCount(ctx context.Context, requesterID string) (int, error) {
	val, err := s.redisClient.Get(ctx, s.suspiciousKey(requesterID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get suspicious count: %w", err)
	}
	return val, nil
}

// ActivateEscape 激活紧急逃生标志（带有效期）
func (s *CounterStore) ActivateEscape(ctx context.Context, userID, method string) error {
	ttl := time.Duration(s.config.Security.EscapeWindowMin) * time.Minute

	if err := s.redisClient.Set(ctx, s.escapeKey(userID), method, ttl).Err(); err != nil {
		return fmt.Errorf("failed to activate emergency escape: %w", err)
	}

	s.logger.Info("Emergency escape activated",
		zap.String("user_id", userID),
		zap.String("method", method),
		zap.Duration("window", ttl),
	)

	return nil
}

// EscapeActive 检查紧急逃生标志是否有效
func (s *CounterStore) EscapeActive(ctx context.Context, userID string) (bool, error) {
	count, err := s.redisClient.Exists(ctx, s.escapeKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check emergency escape: %w", err)
	}
	return count > 0, nil
}
