package syncer

import (
	"carelink-sync/internal/models"
)

// FilterByPermissions 按照护者的权限集过滤待同步数据（默认拒绝）
// 规则：
//   - 已映射类别仅在权限集包含其对应权限时放行
//   - 未映射类别需要 full_access 兜底权限
//
// 过滤发生在发送之前，被拒绝的数据不进入重试
func FilterByPermissions(conn *models.CaregiverConnection, items []models.SyncItem) []models.SyncItem {
	filtered := make([]models.SyncItem, 0, len(items))

	for _, item := range items {
		if CategoryAllowed(conn, item.Category) {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

// CategoryAllowed 检查照护者是否可同步指定类别
func CategoryAllowed(conn *models.CaregiverConnection, category models.DataCategory) bool {
	required, mapped := category.RequiredPermission()
	if !mapped {
		return conn.HasPermission(models.PermissionFullAccess)
	}
	return conn.HasPermission(required)
}
