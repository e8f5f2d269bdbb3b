package webapp

import (
	"context"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger operations as structured log entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns a ledger operation logger backed by zap.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements paywall.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry paywall.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("listing_id", entry.ListingID.String()),
		zap.Bool("paid", entry.Paid),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
