package escalation

import (
	"carelink-sync/internal/models"
)

// tierChannels 警报等级 → 通知通道集合（固定映射）
// IMMEDIATE 的所有通道并发尝试，不做串行降级
var tierChannels = map[models.AlertTier][]models.Channel{
	models.AlertTierImmediate: {
		models.ChannelPhoneCall,
		models.ChannelSMS,
		models.ChannelPush,
		models.ChannelEmail,
		models.ChannelBackupHotline,
	},
	models.AlertTierHigh: {
		models.ChannelPhoneCall,
		models.ChannelSMS,
		models.ChannelPush,
	},
	models.AlertTierMedium: {
		models.ChannelSMS,
		models.ChannelPush,
		models.ChannelEmail,
	},
	models.AlertTierLow: {
		models.ChannelPush,
		models.ChannelEmail,
	},
}

// ChannelsForTier 返回等级对应的通道集合（副本，调用方可安全追加）
func ChannelsForTier(tier models.AlertTier) []models.Channel {
	channels, ok := tierChannels[tier]
	if !ok {
		return nil
	}
	out := make([]models.Channel, len(channels))
	copy(out, channels)
	return out
}
