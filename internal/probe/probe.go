package probe

import (
	"context"

	"carelink-sync/internal/models"
)

// ConnectivityProbe 网络质量探测接口（由外部实现）
// 离线队列的后台排空根据质量等级决定是否尝试投递
type ConnectivityProbe interface {
	// CurrentQuality 返回当前网络质量等级
	CurrentQuality(ctx context.Context) models.NetworkQuality
}

// StaticProbe 固定质量的探测器（测试和单机部署使用）
type StaticProbe struct {
	Quality models.NetworkQuality
}

// CurrentQuality 返回固定的网络质量
func (p *StaticProbe) CurrentQuality(ctx context.Context) models.NetworkQuality {
	return p.Quality
}
