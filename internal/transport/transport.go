package transport

import (
	"context"

	"carelink-sync/internal/models"
)

// SendResult 单次发送结果
type SendResult struct {
	Success bool
	Message string
}

// Transport 通道发送接口（每个通道一个实现，对引擎不透明）
// 实现方负责自身的网络细节；引擎只施加超时并记录结果
type Transport interface {
	// Send 向目标地址发送载荷
	Send(ctx context.Context, destination string, payload []byte) (*SendResult, error)
}

// Registry 通道 → Transport 实现的注册表
type Registry struct {
	transports map[models.Channel]Transport
}

// NewRegistry 创建通道注册表
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[models.Channel]Transport),
	}
}

// Register 注册通道实现
func (r *Registry) Register(channel models.Channel, t Transport) {
	r.transports[channel] = t
}

// Get 获取通道实现
// ok=false 表示通道未注册（按 ChannelUnavailable 处理）
func (r *Registry) Get(channel models.Channel) (Transport, bool) {
	t, ok := r.transports[channel]
	return t, ok
}
