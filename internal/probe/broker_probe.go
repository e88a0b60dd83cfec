package probe

import (
	"context"
	"time"

	"carelink-sync/common/mqtt"
	"carelink-sync/internal/models"

	"github.com/go-redis/redis/v8"
)

// BrokerProbe 基于后端连通性的网络质量探测
// MQTT 与 Redis 都可达视为 HIGH，仅一个可达视为 LOW，都不可达为 NONE
type BrokerProbe struct {
	mqttClient  *mqtt.Client
	redisClient *redis.Client
}

// NewBrokerProbe 创建后端连通性探测器
func NewBrokerProbe(mqttClient *mqtt.Client, redisClient *redis.Client) *BrokerProbe {
	return &BrokerProbe{
		mqttClient:  mqttClient,
		redisClient: redisClient,
	}
}

// CurrentQuality 探测当前网络质量
func (p *BrokerProbe) CurrentQuality(ctx context.Context) models.NetworkQuality {
	reachable := 0

	if p.mqttClient != nil && p.mqttClient.IsConnected() {
		reachable++
	}

	if p.redisClient != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.redisClient.Ping(pingCtx).Err(); err == nil {
			reachable++
		}
		cancel()
	}

	switch reachable {
	case 2:
		return models.NetworkQualityHigh
	case 1:
		return models.NetworkQualityLow
	default:
		return models.NetworkQualityNone
	}
}
