package models

// SyncStrategy 同步策略
type SyncStrategy string

const (
	SyncStrategyFull          SyncStrategy = "FULL"          // 全量同步
	SyncStrategyCritical      SyncStrategy = "CRITICAL"      // 仅关键类别
	SyncStrategyIncremental   SyncStrategy = "INCREMENTAL"   // 自上次同步以来的增量
	SyncStrategyManual        SyncStrategy = "MANUAL"        // 手动触发（全量）
	SyncStrategyOpportunistic SyncStrategy = "OPPORTUNISTIC" // 弱网机会同步（仅 high/critical）
	SyncStrategyEmergency     SyncStrategy = "EMERGENCY"     // 紧急同步（仅紧急事件+滥用警报）
)

// IsValid 检查策略是否有效
func (s SyncStrategy) IsValid() bool {
	switch s {
	case SyncStrategyFull, SyncStrategyCritical, SyncStrategyIncremental,
		SyncStrategyManual, SyncStrategyOpportunistic, SyncStrategyEmergency:
		return true
	}
	return false
}

// SyncStatus 同步操作状态
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusCompleted  SyncStatus = "COMPLETED"
	SyncStatusFailed     SyncStatus = "FAILED"
)

// IsTerminal 是否为终态（终态只写一次，之后不可变）
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// QueuePriority 离线队列优先级
type QueuePriority string

const (
	QueuePriorityCritical QueuePriority = "CRITICAL"
	QueuePriorityHigh     QueuePriority = "HIGH"
	QueuePriorityMedium   QueuePriority = "MEDIUM"
	QueuePriorityLow      QueuePriority = "LOW"
)

// Rank 优先级序号（越小越优先，CRITICAL=0）
// 队列排序的主键，次键为入队时间（见 queue 包的比较器）
func (p QueuePriority) Rank() int {
	switch p {
	case QueuePriorityCritical:
		return 0
	case QueuePriorityHigh:
		return 1
	case QueuePriorityMedium:
		return 2
	case QueuePriorityLow:
		return 3
	}
	return 4
}

// AlertTier 紧急警报等级（决定通知通道集合）
type AlertTier string

const (
	AlertTierImmediate AlertTier = "IMMEDIATE"
	AlertTierHigh      AlertTier = "HIGH"
	AlertTierMedium    AlertTier = "MEDIUM"
	AlertTierLow       AlertTier = "LOW"
)

// IsCriticalOrAbove 是否为 CRITICAL 及以上（用于24小时升级计数）
func (t AlertTier) IsCriticalOrAbove() bool {
	return t == AlertTierImmediate || t == AlertTierHigh
}

// CriticalAlertTiers CRITICAL 及以上的警报等级（升级计数的唯一口径）
func CriticalAlertTiers() []AlertTier {
	tiers := []AlertTier{}
	for _, t := range []AlertTier{AlertTierImmediate, AlertTierHigh, AlertTierMedium, AlertTierLow} {
		if t.IsCriticalOrAbove() {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// NotificationStatus 紧急通知状态
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "PENDING"
	NotificationStatusSent      NotificationStatus = "SENT"
	NotificationStatusFailed    NotificationStatus = "FAILED"
	NotificationStatusDelivered NotificationStatus = "DELIVERED"
	NotificationStatusResolved  NotificationStatus = "RESOLVED"
)

// Channel 通知通道
type Channel string

const (
	ChannelPhoneCall         Channel = "phone_call"
	ChannelSMS               Channel = "sms"
	ChannelPush              Channel = "push"
	ChannelEmail             Channel = "email"
	ChannelBackupHotline     Channel = "backup_hotline"
	ChannelDialerIntent      Channel = "dialer_intent"      // 直接拨号失败后的降级通道
	ChannelNationalHotline   Channel = "national_hotline"   // 全部联系通道失败后的兜底
	ChannelEmergencyServices Channel = "emergency_services" // 24小时内多次危急警报时追加
)

// NetworkQuality 网络质量等级
type NetworkQuality string

const (
	NetworkQualityNone   NetworkQuality = "NONE"
	NetworkQualityLow    NetworkQuality = "LOW"
	NetworkQualityMedium NetworkQuality = "MEDIUM"
	NetworkQualityHigh   NetworkQuality = "HIGH"
)

// AtLeast 网络质量是否达到给定下限
func (q NetworkQuality) AtLeast(min NetworkQuality) bool {
	return q.rank() >= min.rank()
}

func (q NetworkQuality) rank() int {
	switch q {
	case NetworkQualityNone:
		return 0
	case NetworkQualityLow:
		return 1
	case NetworkQualityMedium:
		return 2
	case NetworkQualityHigh:
		return 3
	}
	return 0
}

// ValidationResult 模式切换校验结果
type ValidationResult string

const (
	ValidationApproved               ValidationResult = "APPROVED"
	ValidationRateLimited            ValidationResult = "RATE_LIMITED"
	ValidationAuthenticationRequired ValidationResult = "AUTHENTICATION_REQUIRED"
	ValidationInvalidCaregiverToken  ValidationResult = "INVALID_CAREGIVER_TOKEN"
	ValidationElderlyProtection      ValidationResult = "ELDERLY_PROTECTION"
	ValidationSuspiciousActivity     ValidationResult = "SUSPICIOUS_ACTIVITY"
	ValidationEmergencyEscapeActive  ValidationResult = "EMERGENCY_ESCAPE_ACTIVE"
	ValidationSystemLocked           ValidationResult = "SYSTEM_LOCKED"
)

// DeviceMode 启动器界面复杂度模式
type DeviceMode string

const (
	DeviceModeMinimal   DeviceMode = "minimal"
	DeviceModeSimple    DeviceMode = "simple"
	DeviceModeStandard  DeviceMode = "standard"
	DeviceModeAdvanced  DeviceMode = "advanced"
	DeviceModeCaregiver DeviceMode = "caregiver" // 照护者配置模式
)

// IsProtected 是否为受保护模式（切入需要认证令牌）
func (m DeviceMode) IsProtected() bool {
	return m == DeviceModeAdvanced || m == DeviceModeCaregiver
}

// IsComplex 是否为复杂模式（高龄用户未经同意不可切入）
func (m DeviceMode) IsComplex() bool {
	return m == DeviceModeStandard || m == DeviceModeAdvanced || m == DeviceModeCaregiver
}
