package models

import (
	"errors"
)

// 引擎错误分类
// 重试策略按类别区分：瞬时网络错误和超时进入离线队列重试，
// 权限拒绝在发送前过滤不重试，安全违规同步返回调用方绝不重试
var (
	ErrTransientNetwork   = errors.New("transient network error")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrTimeout            = errors.New("operation timed out")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrConfiguration      = errors.New("configuration error")
	ErrSecurityViolation  = errors.New("security violation")
)

// IsRetryable 错误是否可通过离线队列重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrTimeout)
}
