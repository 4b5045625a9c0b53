package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service and its stores.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrBalanceNotFound        = errors.New("balance not found")
	ErrRecipientNotFound      = errors.New("recipient not found")
	ErrSelfTransfer           = errors.New("transfer to self")
	ErrNonTransferableFunds   = errors.New("non-transferable funds")
	ErrDuplicateTransaction   = errors.New("duplicate provider transaction")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrStatusTransition       = errors.New("illegal status transition")
	ErrUnknownGift            = errors.New("unknown gift")
	ErrInvalidBalanceField    = errors.New("invalid balance field")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidProvider        = errors.New("invalid provider")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
