// Package errors provides the error taxonomy used across the trading core.
//
// Every rejection surfaces a stable reason Code plus a human readable message.
// Codes map one-to-one onto sentinel errors so callers can use either
// errors.Is(err, ErrInvalidState) or CodeOf(err) == CodeInvalidState.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable rejection reason.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInsufficientHoldings Code = "INSUFFICIENT_HOLDINGS"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeInternalConsistency  Code = "INTERNAL_CONSISTENCY"
	CodeInternal             Code = "INTERNAL"
)

// Standard sentinel errors
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidState         = errors.New("invalid order state")
	ErrInternalConsistency  = errors.New("internal consistency violation")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrDatabaseError        = errors.New("database error")
)

var sentinels = map[Code]error{
	CodeValidation:           ErrValidation,
	CodeNotFound:             ErrNotFound,
	CodeInsufficientHoldings: ErrInsufficientHoldings,
	CodeInsufficientBalance:  ErrInsufficientBalance,
	CodeInvalidState:         ErrInvalidState,
	CodeInternalConsistency:  ErrInternalConsistency,
}

// TradeError is a rejection carrying a reason code.
type TradeError struct {
	Code    Code
	Message string
	Err     error
}

func (e *TradeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's code.
func (e *TradeError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// New creates a TradeError with the given code.
func New(code Code, format string, args ...interface{}) *TradeError {
	return &TradeError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound creates a NOT_FOUND error for the named entity.
func NotFound(entity, key string) *TradeError {
	return New(CodeNotFound, "%s not found: %s", entity, key)
}

// InvalidState creates an INVALID_STATE error for an order.
func InvalidState(orderID, status, action string) *TradeError {
	return New(CodeInvalidState, "cannot %s order %s with status %s", action, orderID, status)
}

// InsufficientHoldings creates an INSUFFICIENT_HOLDINGS error.
func InsufficientHoldings(symbol string, available, requested int64) *TradeError {
	return New(CodeInsufficientHoldings, "insufficient holdings to sell %s: available %d, requested %d",
		symbol, available, requested)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Is reports ErrValidation so validation failures share one sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// OrderError represents a failure scoped to a single order.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// CodeOf returns the reason code carried by err, or CodeInternal when err
// does not belong to the taxonomy. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
