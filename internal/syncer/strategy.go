package syncer

import (
	"time"

	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
)

// CategoriesForStrategy 按策略选择数据类别
//   - FULL / MANUAL / INCREMENTAL: 全部类别（INCREMENTAL 的时间下限单独施加）
//   - CRITICAL: 紧急事件、滥用警报、健康状态
//   - OPPORTUNISTIC: 弱网机会同步，仅 CRITICAL/HIGH 优先级类别
//   - EMERGENCY: 仅紧急事件和滥用警报
func CategoriesForStrategy(strategy models.SyncStrategy) []models.DataCategory {
	switch strategy {
	case models.SyncStrategyFull, models.SyncStrategyManual, models.SyncStrategyIncremental:
		return models.AllCategories()
	case models.SyncStrategyCritical:
		return []models.DataCategory{
			models.CategoryEmergencyEvent,
			models.CategoryAbuseAlert,
			models.CategoryHealthStatus,
		}
	case models.SyncStrategyOpportunistic:
		categories := []models.DataCategory{}
		for _, c := range models.AllCategories() {
			p := c.Priority()
			if p == models.QueuePriorityCritical || p == models.QueuePriorityHigh {
				categories = append(categories, c)
			}
		}
		return categories
	case models.SyncStrategyEmergency:
		return []models.DataCategory{
			models.CategoryEmergencyEvent,
			models.CategoryAbuseAlert,
		}
	}
	return nil
}

// TimeoutForStrategy 单次发送超时
// FULL/MANUAL 30秒，CRITICAL/EMERGENCY 10秒（时间敏感路径）
func TimeoutForStrategy(cfg *config.Config, strategy models.SyncStrategy) time.Duration {
	switch strategy {
	case models.SyncStrategyCritical, models.SyncStrategyEmergency:
		return time.Duration(cfg.Sync.CriticalTimeoutSec) * time.Second
	default:
		return time.Duration(cfg.Sync.FullTimeoutSec) * time.Second
	}
}
