package transport

import (
	"context"
	"fmt"

	"carelink-sync/common/mqtt"

	"go.uber.org/zap"
)

// MQTTPushTransport 基于 MQTT 的推送通道实现
// 启动器应用订阅 carelink/push/<user_id> 主题接收推送
type MQTTPushTransport struct {
	client      *mqtt.Client
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTPushTransport 创建推送通道
func NewMQTTPushTransport(client *mqtt.Client, topicPrefix string, qos byte, logger *zap.Logger) *MQTTPushTransport {
	if topicPrefix == "" {
		topicPrefix = "carelink/push/"
	}
	return &MQTTPushTransport{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Send 发布推送消息到目标用户的主题
func (t *MQTTPushTransport) Send(ctx context.Context, destination string, payload []byte) (*SendResult, error) {
	if !t.client.IsConnected() {
		return &SendResult{Success: false, Message: "mqtt broker not connected"},
			fmt.Errorf("mqtt broker not connected")
	}

	topic := t.topicPrefix + destination

	// Publish 内部会等待 token，外层的超时由调用方 ctx 控制
	done := make(chan error, 1)
	go func() {
		done <- t.client.Publish(topic, t.qos, false, payload)
	}()

	select {
	case <-ctx.Done():
		return &SendResult{Success: false, Message: "publish timed out"}, ctx.Err()
	case err := <-done:
		if err != nil {
			t.logger.Error("Failed to publish push message",
				zap.String("topic", topic),
				zap.Error(err),
			)
			return &SendResult{Success: false, Message: err.Error()}, err
		}
	}

	return &SendResult{Success: true, Message: "published to " + topic}, nil
}
