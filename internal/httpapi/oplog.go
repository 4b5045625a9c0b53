package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/pulseroom/settlement/pkg/wallet"
)

// zapOperationLogger bridges wallet operation callbacks into structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns a wallet.OperationLogger backed by zap.
func NewOperationLogger(logger *zap.Logger) wallet.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (oplog *zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.String("field", entry.Field.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("kind", entry.Kind.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		oplog.logger.Warn("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	oplog.logger.Info("wallet operation", fields...)
}
