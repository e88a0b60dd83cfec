package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCriticalOrAbove(t *testing.T) {
	assert.True(t, AlertTierImmediate.IsCriticalOrAbove())
	assert.True(t, AlertTierHigh.IsCriticalOrAbove())
	assert.False(t, AlertTierMedium.IsCriticalOrAbove())
	assert.False(t, AlertTierLow.IsCriticalOrAbove())
}

func TestCriticalAlertTiers_DerivedFromPredicate(t *testing.T) {
	assert.Equal(t, []AlertTier{AlertTierImmediate, AlertTierHigh}, CriticalAlertTiers())
}
