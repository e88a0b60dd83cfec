package security

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/models"
	"carelink-sync/internal/transport"

	"go.uber.org/zap"
)

// AdvocateNotifier 老人权益维护人通知接口
// 维护人是照护者控制之外的独立上报联系人；系统锁定和紧急逃生激活必须通知
type AdvocateNotifier interface {
	Notify(ctx context.Context, userID, reason string) error
}

// TransportAdvocateNotifier 基于通道注册表的维护人通知实现
// 优先走邮件通道，不可用时降级到短信；每次送达写一条审计记录
type TransportAdvocateNotifier struct {
	registry *transport.Registry
	contact  string
	timeout  time.Duration
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewTransportAdvocateNotifier 创建维护人通知器
func NewTransportAdvocateNotifier(registry *transport.Registry, contact string, timeout time.Duration, auditLog *audit.Log, logger *zap.Logger) *TransportAdvocateNotifier {
	return &TransportAdvocateNotifier{
		registry: registry,
		contact:  contact,
		timeout:  timeout,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Notify 向维护人发送通知
func (n *TransportAdvocateNotifier) Notify(ctx context.Context, userID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"user_id": userID,
		"reason":  reason,
		"at":      time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal advocate notification: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	// 邮件优先，短信兜底
	for _, channel := range []models.Channel{models.ChannelEmail, models.ChannelSMS} {
		t, ok := n.registry.Get(channel)
		if !ok {
			continue
		}

		result, err := t.Send(sendCtx, n.contact, payload)
		if err == nil && result.Success {
			n.logger.Info("Advocate notified",
				zap.String("user_id", userID),
				zap.String("channel", string(channel)),
				zap.String("reason", reason),
			)

			if err := n.auditLog.AppendEngineEvent(ctx, audit.KindAdvocateNotified, map[string]interface{}{
				"user_id": userID,
				"channel": channel,
				"reason":  reason,
			}); err != nil {
				n.logger.Error("Failed to audit advocate notification",
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}

			return nil
		}

		n.logger.Warn("Advocate notification channel failed",
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}

	return fmt.Errorf("all advocate notification channels failed: %w", models.ErrChannelUnavailable)
}
