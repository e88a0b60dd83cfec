package transport

import (
	"context"
	"time"

	commonredis "carelink-sync/common/redis"
	"carelink-sync/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamTransport 基于 Redis Stream 的投递通道
// 引擎只负责把投递任务写入通道对应的 stream，
// 下游投递服务消费后执行实际的拨号/短信/邮件发送
type StreamTransport struct {
	client  *redis.Client
	channel models.Channel
	stream  string
	logger  *zap.Logger
}

// NewStreamTransport 创建指定通道的 stream 投递器
// stream 命名约定：<prefix><channel>，如 carelink:deliveries:sms
func NewStreamTransport(client *redis.Client, channel models.Channel, streamPrefix string, logger *zap.Logger) *StreamTransport {
	if streamPrefix == "" {
		streamPrefix = "carelink:deliveries:"
	}
	return &StreamTransport{
		client:  client,
		channel: channel,
		stream:  streamPrefix + string(channel),
		logger:  logger,
	}
}

// Send 把投递任务写入 stream
func (t *StreamTransport) Send(ctx context.Context, destination string, payload []byte) (*SendResult, error) {
	id, err := commonredis.PublishToStream(ctx, t.client, t.stream, map[string]interface{}{
		"channel":     string(t.channel),
		"destination": destination,
		"payload":     string(payload),
		"queued_at":   time.Now().Unix(),
	})
	if err != nil {
		t.logger.Error("Failed to publish delivery job",
			zap.String("stream", t.stream),
			zap.String("destination", destination),
			zap.Error(err),
		)
		return &SendResult{Success: false, Message: err.Error()}, err
	}

	return &SendResult{Success: true, Message: "queued as " + id}, nil
}
