package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"carelink-sync/internal/models"
)

func TestChannelsForTier_FixedMapping(t *testing.T) {
	tests := []struct {
		tier     models.AlertTier
		expected []models.Channel
	}{
		{
			tier: models.AlertTierImmediate,
			expected: []models.Channel{
				models.ChannelPhoneCall,
				models.ChannelSMS,
				models.ChannelPush,
				models.ChannelEmail,
				models.ChannelBackupHotline,
			},
		},
		{
			tier: models.AlertTierHigh,
			expected: []models.Channel{
				models.ChannelPhoneCall,
				models.ChannelSMS,
				models.ChannelPush,
			},
		},
		{
			tier: models.AlertTierMedium,
			expected: []models.Channel{
				models.ChannelSMS,
				models.ChannelPush,
				models.ChannelEmail,
			},
		},
		{
			tier: models.AlertTierLow,
			expected: []models.Channel{
				models.ChannelPush,
				models.ChannelEmail,
			},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.expected, ChannelsForTier(tt.tier))
		})
	}
}

func TestChannelsForTier_UnknownTier(t *testing.T) {
	assert.Nil(t, ChannelsForTier(models.AlertTier("UNKNOWN")))
}

func TestChannelsForTier_ReturnsCopy(t *testing.T) {
	channels := ChannelsForTier(models.AlertTierLow)
	channels[0] = models.ChannelEmergencyServices

	// 修改副本不影响映射本身
	assert.Equal(t, models.ChannelPush, ChannelsForTier(models.AlertTierLow)[0])
}
