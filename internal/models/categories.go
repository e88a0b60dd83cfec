package models

// DataCategory 同步数据类别
type DataCategory string

const (
	CategoryEmergencyEvent DataCategory = "emergency_event" // 紧急事件
	CategoryAbuseAlert     DataCategory = "abuse_alert"     // 滥用警报
	CategoryHealthStatus   DataCategory = "health_status"   // 健康状态
	CategoryLocation       DataCategory = "location"        // 位置信息
	CategoryDeviceStatus   DataCategory = "device_status"   // 设备状态（电量、在线等）
	CategoryAppUsage       DataCategory = "app_usage"       // 应用使用记录
	CategoryModeChange     DataCategory = "mode_change"     // 模式切换记录
	CategoryContactList    DataCategory = "contact_list"    // 联系人列表
)

// 照护者权限
const (
	PermissionFullAccess     = "full_access"      // 兜底权限：未映射类别仅在持有此权限时放行
	PermissionViewEmergency  = "view_emergency"   // 查看紧急事件
	PermissionViewAbuse      = "view_abuse"       // 查看滥用警报
	PermissionViewHealth     = "view_health"      // 查看健康状态
	PermissionViewLocation   = "view_location"    // 查看位置
	PermissionViewDevice     = "view_device"      // 查看设备状态
	PermissionViewAppUsage   = "view_app_usage"   // 查看应用使用
	PermissionViewModeChange = "view_mode_change" // 查看模式切换记录
)

// categoryPermissions 类别 → 所需权限映射
// 默认拒绝：不在映射中的类别需要 full_access 才能同步
var categoryPermissions = map[DataCategory]string{
	CategoryEmergencyEvent: PermissionViewEmergency,
	CategoryAbuseAlert:     PermissionViewAbuse,
	CategoryHealthStatus:   PermissionViewHealth,
	CategoryLocation:       PermissionViewLocation,
	CategoryDeviceStatus:   PermissionViewDevice,
	CategoryAppUsage:       PermissionViewAppUsage,
	CategoryModeChange:     PermissionViewModeChange,
}

// RequiredPermission 获取类别所需的权限
// ok=false 表示类别未映射，调用方必须要求 full_access
func (c DataCategory) RequiredPermission() (string, bool) {
	perm, ok := categoryPermissions[c]
	return perm, ok
}

// categoryPriorities 类别 → 队列优先级映射（用于 OPPORTUNISTIC 筛选与离线入队）
var categoryPriorities = map[DataCategory]QueuePriority{
	CategoryEmergencyEvent: QueuePriorityCritical,
	CategoryAbuseAlert:     QueuePriorityCritical,
	CategoryHealthStatus:   QueuePriorityHigh,
	CategoryLocation:       QueuePriorityHigh,
	CategoryDeviceStatus:   QueuePriorityMedium,
	CategoryModeChange:     QueuePriorityMedium,
	CategoryAppUsage:       QueuePriorityLow,
	CategoryContactList:    QueuePriorityLow,
}

// Priority 获取类别的队列优先级（未映射的类别按 LOW 处理）
func (c DataCategory) Priority() QueuePriority {
	if p, ok := categoryPriorities[c]; ok {
		return p
	}
	return QueuePriorityLow
}

// AllCategories 返回全部已知类别（FULL/MANUAL 策略使用）
func AllCategories() []DataCategory {
	return []DataCategory{
		CategoryEmergencyEvent,
		CategoryAbuseAlert,
		CategoryHealthStatus,
		CategoryLocation,
		CategoryDeviceStatus,
		CategoryAppUsage,
		CategoryModeChange,
		CategoryContactList,
	}
}
