package security

import (
	"context"
	"fmt"
	"time"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/config"
	"carelink-sync/internal/models"
	"carelink-sync/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gate 模式切换安全门
// 每个照护者发起的配置变更在到达同步层之前都要经过这里。
// 校验顺序固定（首个命中即返回）：
//  1. EMERGENCY_ESCAPE_ACTIVE  老人近期触发逃生手势，阻断非本人请求
//  2. RATE_LIMITED             60分钟窗口内模式切换次数达到上限
//  3. SYSTEM_LOCKED            累计可疑事件超过锁定阈值（写锁定记录并通知维护人）
//  4. SUSPICIOUS_ACTIVITY      可疑事件数超过告警下限（低于锁定阈值）
//  5. AUTHENTICATION_REQUIRED  切入受保护模式但未携带认证令牌
//  6. INVALID_CAREGIVER_TOKEN  照护者令牌校验失败
//  7. ELDERLY_PROTECTION       高龄用户未经同意切入复杂模式
//  8. APPROVED
//
// 每次评估恰好写入一条 SecurityAuditEvent。
// 评估走内存计数器加少量读操作，保持同步快速返回（模式切换的关键路径）。
type Gate struct {
	config   *config.Config
	counters *CounterStore
	connRepo *repository.ConnectionsRepository
	auditLog *audit.Log
	advocate AdvocateNotifier
	logger   *zap.Logger
}

// NewGate 创建安全门
func NewGate(
	cfg *config.Config,
	counters *CounterStore,
	connRepo *repository.ConnectionsRepository,
	auditLog *audit.Log,
	advocate AdvocateNotifier,
	logger *zap.Logger,
) *Gate {
	return &Gate{
		config:   cfg,
		counters: counters,
		connRepo: connRepo,
		auditLog: auditLog,
		advocate: advocate,
		logger:   logger,
	}
}

// ValidateModeSwitch 校验模式切换请求
// userID 为被照护老人的用户ID；req.RequestedBy 为老人本人或照护者
// 安全违规不进入重试，结果同步返回调用方并写入审计
func (g *Gate) ValidateModeSwitch(ctx context.Context, userID string, req models.ModeSwitchRequest) (*models.ModeSwitchValidation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", models.ErrConfiguration)
	}
	if req.RequestedBy == "" {
		return nil, fmt.Errorf("%w: requested_by is required", models.ErrConfiguration)
	}

	validation, err := g.evaluate(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	// 每次评估恰好写一条审计事件
	auditEvent := &models.SecurityAuditEvent{
		EventID:     uuid.New().String(),
		RequesterID: req.RequestedBy,
		FromMode:    req.FromMode,
		ToMode:      req.ToMode,
		Result:      validation.Result,
		Reason:      validation.Reason,
		CreatedAt:   time.Now(),
	}
	if err := g.auditLog.AppendSecurityEvent(ctx, auditEvent); err != nil {
		// 审计写入失败按安全违规处理：不放行无法审计的变更
		return nil, fmt.Errorf("%w: audit append failed: %v", models.ErrSecurityViolation, err)
	}

	// 批准的切换计入速率限制窗口
	if validation.Result == models.ValidationApproved {
		if err := g.counters.IncrModeSwitch(ctx, req.RequestedBy); err != nil {
			g.logger.Error("Failed to count approved mode switch",
				zap.String("requester_id", req.RequestedBy),
				zap.Error(err),
			)
		}
	}

	g.logger.Info("Mode switch validated",
		zap.String("user_id", userID),
		zap.String("requester_id", req.RequestedBy),
		zap.String("from_mode", string(req.FromMode)),
		zap.String("to_mode", string(req.ToMode)),
		zap.String("result", string(validation.Result)),
	)

	return validation, nil
}

// evaluate 按固定顺序评估各项条件
func (g *Gate) evaluate(ctx context.Context, userID string, req models.ModeSwitchRequest) (*models.ModeSwitchValidation, error) {
	isElder := req.RequestedBy == userID

	// 1. 紧急逃生：老人本人不受逃生标志阻断
	escapeActive, err := g.counters.EscapeActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if escapeActive && !isElder {
		return &models.ModeSwitchValidation{
			Result:  models.ValidationEmergencyEscapeActive,
			IsValid: false,
			Reason:  "emergency escape active, caregiver changes blocked",
		}, nil
	}

	// 2. 速率限制：窗口内已达上限的请求者阻断
	// Redis 计数缺失时（重启/清空）从审计表恢复窗口计数并播种回计数器
	switchCount, err := g.counters.ModeSwitchCount(ctx, req.RequestedBy)
	if err != nil {
		return nil, err
	}
	if switchCount == 0 {
		window := time.Duration(g.config.Security.RateLimitWindowMin) * time.Minute
		recovered, err := g.auditLog.CountModeSwitches(ctx, req.RequestedBy, window)
		if err != nil {
			return nil, err
		}
		if recovered > 0 {
			if err := g.counters.SeedModeSwitch(ctx, req.RequestedBy, recovered); err != nil {
				g.logger.Error("Failed to seed rate limit counter",
					zap.String("requester_id", req.RequestedBy),
					zap.Error(err),
				)
			}
			switchCount = recovered
		}
	}
	if switchCount >= g.config.Security.RateLimitMax {
		return &models.ModeSwitchValidation{
			Result:  models.ValidationRateLimited,
			IsValid: false,
			Reason: fmt.Sprintf("mode switch limit reached: %d in %d minutes",
				switchCount, g.config.Security.RateLimitWindowMin),
		}, nil
	}

	// 3. 系统锁定：累计可疑事件超过阈值，永久阻断直到人工复核
	suspiciousCount, err := g.counters.SuspiciousCount(ctx, req.RequestedBy)
	if err != nil {
		return nil, err
	}
	if suspiciousCount >= g.config.Security.LockoutThreshold {
		g.recordLockout(ctx, userID, req.RequestedBy, suspiciousCount)
		return &models.ModeSwitchValidation{
			Result:  models.ValidationSystemLocked,
			IsValid: false,
			Reason:  "suspicious event threshold exceeded, locked pending manual review",
		}, nil
	}

	// 4. 可疑活动：超过告警下限但未到锁定阈值，阻断并再记一次
	if suspiciousCount >= g.config.Security.SuspiciousAlertMin {
		if err := g.counters.IncrSuspicious(ctx, req.RequestedBy); err != nil {
			g.logger.Error("Failed to flag suspicious activity",
				zap.String("requester_id", req.RequestedBy),
				zap.Error(err),
			)
		}
		return &models.ModeSwitchValidation{
			Result:  models.ValidationSuspiciousActivity,
			IsValid: false,
			Reason:  fmt.Sprintf("suspicious activity detected: %d recent events", suspiciousCount),
		}, nil
	}

	// 5. 认证要求：受保护模式必须携带令牌
	if req.ToMode.IsProtected() && req.AuthToken == "" {
		return &models.ModeSwitchValidation{
			Result:  models.ValidationAuthenticationRequired,
			IsValid: false,
			Reason:  fmt.Sprintf("mode %s requires authentication", req.ToMode),
		}, nil
	}

	// 6. 照护者令牌校验（滥用信号：失败计入可疑事件）
	if !isElder {
		valid, err := g.connRepo.ValidateToken(ctx, req.RequestedBy, req.AuthToken)
		if err != nil {
			return nil, err
		}
		if !valid {
			if err := g.counters.IncrSuspicious(ctx, req.RequestedBy); err != nil {
				g.logger.Error("Failed to count invalid token attempt",
					zap.String("requester_id", req.RequestedBy),
					zap.Error(err),
				)
			}
			return &models.ModeSwitchValidation{
				Result:  models.ValidationInvalidCaregiverToken,
				IsValid: false,
				Reason:  "caregiver token validation failed",
			}, nil
		}
	}

	// 7. 高龄保护：高龄老人未经同意不可切入复杂模式
	if isElder && req.RequesterAge > g.config.Security.ElderlyAgeThreshold && req.ToMode.IsComplex() {
		hasConsent, err := g.connRepo.HasComplexModeConsent(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !hasConsent {
			return &models.ModeSwitchValidation{
				Result:  models.ValidationElderlyProtection,
				IsValid: false,
				Reason:  fmt.Sprintf("complex mode %s requires recorded consent", req.ToMode),
			}, nil
		}
	}

	// 8. 批准
	return &models.ModeSwitchValidation{
		Result:  models.ValidationApproved,
		IsValid: true,
		Reason:  "approved",
	}, nil
}

// ActivateEmergencyEscape 激活紧急逃生
// 设置限时标志并立即通知老人权益维护人；此操作不经过模式切换校验
func (g *Gate) ActivateEmergencyEscape(ctx context.Context, userID, method string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", models.ErrConfiguration)
	}

	if err := g.counters.ActivateEscape(ctx, userID, method); err != nil {
		return err
	}

	if err := g.auditLog.AppendEngineEvent(ctx, audit.KindEscapeActivated, map[string]interface{}{
		"user_id": userID,
		"method":  method,
	}); err != nil {
		g.logger.Error("Failed to audit emergency escape",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	if err := g.advocate.Notify(ctx, userID, "emergency escape activated: "+method); err != nil {
		g.logger.Error("Failed to notify advocate of emergency escape",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	return nil
}

// recordLockout 写锁定记录并通知维护人
func (g *Gate) recordLockout(ctx context.Context, userID, requesterID string, suspiciousCount int) {
	if err := g.auditLog.AppendEngineEvent(ctx, audit.KindLockout, map[string]interface{}{
		"user_id":          userID,
		"requester_id":     requesterID,
		"suspicious_count": suspiciousCount,
		"threshold":        g.config.Security.LockoutThreshold,
	}); err != nil {
		g.logger.Error("Failed to write lockout record",
			zap.String("requester_id", requesterID),
			zap.Error(err),
		)
	}

	if err := g.advocate.Notify(ctx, userID, "system locked: suspicious activity by "+requesterID); err != nil {
		g.logger.Error("Failed to notify advocate of lockout",
			zap.String("requester_id", requesterID),
			zap.Error(err),
		)
	}
}
