package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation string
	UserID    string
	Field     BalanceField
	Amount    int64
	Kind      TransactionKind
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTransferFeeRate overrides the dual-sided peer-transfer fee rate.
func WithTransferFeeRate(basisPoints int64) ServiceOption {
	return func(service *Service) {
		service.feeRateBasisPoints = basisPoints
	}
}

// WithGiftTable replaces the gift catalog.
func WithGiftTable(gifts map[string]Gift) ServiceOption {
	return func(service *Service) {
		service.gifts = gifts
	}
}

const (
	operationCredit   = "credit"
	operationDebit    = "debit"
	operationTransfer = "transfer"
	operationGift     = "gift"
	operationWithdraw = "withdraw"
	operationRefund   = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
