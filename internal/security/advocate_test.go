package security

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carelink-sync/internal/audit"
	"carelink-sync/internal/models"
	"carelink-sync/internal/repository"
	"carelink-sync/internal/transport"
)

// fakeNotifyChannel 维护人通知通道测试替身
type fakeNotifyChannel struct {
	succeed bool
	calls   int
}

func (f *fakeNotifyChannel) Send(ctx context.Context, destination string, payload []byte) (*transport.SendResult, error) {
	f.calls++
	if f.succeed {
		return &transport.SendResult{Success: true, Message: "delivered"}, nil
	}
	return &transport.SendResult{Success: false, Message: "channel down"}, fmt.Errorf("channel down")
}

func setupTestAdvocate(t *testing.T, emailOK, smsOK bool) (*TransportAdvocateNotifier, *fakeNotifyChannel, *fakeNotifyChannel, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	auditRepo := repository.NewAuditEventsRepository(db, logger)
	auditLog := audit.NewLog(auditRepo, nil, "", logger)

	email := &fakeNotifyChannel{succeed: emailOK}
	sms := &fakeNotifyChannel{succeed: smsOK}
	registry := transport.NewRegistry()
	registry.Register(models.ChannelEmail, email)
	registry.Register(models.ChannelSMS, sms)

	notifier := NewTransportAdvocateNotifier(registry, "advocate@elder-rights.org", 2*time.Second, auditLog, logger)
	return notifier, email, sms, mock, func() { db.Close() }
}

// ============================================
// 维护人通知测试
// ============================================

func TestAdvocateNotify_SuccessWritesAuditRecord(t *testing.T) {
	notifier, email, sms, mock, cleanup := setupTestAdvocate(t, true, true)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WithArgs(sqlmock.AnyArg(), audit.KindAdvocateNotified, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := notifier.Notify(context.Background(), "elder-1", "system locked")

	require.NoError(t, err)
	assert.Equal(t, 1, email.calls)
	assert.Equal(t, 0, sms.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvocateNotify_EmailFailureFallsBackToSMS(t *testing.T) {
	notifier, email, sms, mock, cleanup := setupTestAdvocate(t, false, true)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO engine_audit_events`).
		WithArgs(sqlmock.AnyArg(), audit.KindAdvocateNotified, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := notifier.Notify(context.Background(), "elder-1", "emergency escape activated")

	require.NoError(t, err)
	assert.Equal(t, 1, email.calls)
	assert.Equal(t, 1, sms.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvocateNotify_AllChannelsFailNoAudit(t *testing.T) {
	notifier, email, sms, mock, cleanup := setupTestAdvocate(t, false, false)
	defer cleanup()

	err := notifier.Notify(context.Background(), "elder-1", "system locked")

	assert.Error(t, err)
	assert.ErrorIs(t, err, models.ErrChannelUnavailable)
	assert.Equal(t, 1, email.calls)
	assert.Equal(t, 1, sms.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
