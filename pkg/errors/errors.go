package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Sentinel errors for the wallet, purchase and content flows. Typed errors
// below report these through Is, so callers can always use errors.Is.
var (
	ErrProviderUnavailable = sentinel(CodeProviderUnavailable, "signing provider unavailable")
	ErrUserRejected        = sentinel(CodeUserRejected, "user rejected the request")
	ErrNotConnected        = sentinel(CodeNotConnected, "wallet not connected")
	ErrWrongNetwork        = sentinel(CodeWrongNetwork, "wrong network")
	ErrSwitchRejected      = sentinel(CodeSwitchRejected, "network switch rejected")
	ErrSwitchUnsupported   = sentinel(CodeSwitchUnsupported, "network switch not supported by provider")

	ErrSelfPurchase        = sentinel(CodeSelfPurchase, "cannot purchase own listing")
	ErrPurchaseInFlight    = sentinel(CodePurchaseInFlight, "a purchase is already in progress")
	ErrNothingToRecheck    = sentinel(CodeNothingToRecheck, "no pending confirmation to re-check")
	ErrTxSubmissionFailed  = sentinel(CodeTxSubmissionFailed, "transaction submission failed")
	ErrTxReverted          = sentinel(CodeTxReverted, "transaction reverted")
	ErrConfirmationTimeout = sentinel(CodeConfirmationTimeout, "timed out waiting for confirmation")

	ErrFetchDecode        = sentinel(CodeFetchDecode, "failed to fetch listings")
	ErrAllGatewaysFailed  = sentinel(CodeAllGatewaysFailed, "all content gateways failed")
	ErrDownloadInProgress = sentinel(CodeDownloadInProgress, "download already in progress")
	ErrInvalidContentID   = sentinel(CodeInvalidContentID, "invalid content identifier")

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound        = sentinel(CodeNotFound, "not found")
	ErrListingNotFound = sentinel(CodeNotFound, "listing not found")
)

// sentinels lists every sentinel so GetErrorCode can classify foreign errors
// that only report a sentinel through Is.
var sentinels = []*BaseError{
	ErrProviderUnavailable, ErrUserRejected, ErrNotConnected, ErrWrongNetwork,
	ErrSwitchRejected, ErrSwitchUnsupported, ErrSelfPurchase, ErrPurchaseInFlight,
	ErrNothingToRecheck, ErrTxSubmissionFailed, ErrTxReverted, ErrConfirmationTimeout,
	ErrFetchDecode, ErrAllGatewaysFailed, ErrDownloadInProgress, ErrInvalidContentID,
	ErrNotFound, ErrListingNotFound,
}

func sentinel(code, message string) *BaseError {
	return &BaseError{code: code, message: message}
}

// Error is the base interface for all custom errors in the system.
// It extends the standard error interface with additional context.
type Error interface {
	error
	// Code returns the error code
	Code() string
	// Message returns the human-readable error message
	Message() string
	// Unwrap returns the underlying cause
	Unwrap() error
}

// BaseError provides a foundation for all typed errors.
type BaseError struct {
	code    string
	message string
	cause   error
	stack   []uintptr
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *BaseError) Code() string {
	return e.code
}

// Message returns the error message.
func (e *BaseError) Message() string {
	return e.message
}

// Unwrap returns the underlying cause.
func (e *BaseError) Unwrap() error {
	return e.cause
}

// Stack returns the captured stack trace.
func (e *BaseError) Stack() []uintptr {
	return e.stack
}

// captureStack captures the current stack trace.
func captureStack(skip int) []uintptr {
	const maxDepth = 32
	stack := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, stack)
	return stack[:n]
}

// StackTrace returns a formatted stack trace string.
func (e *BaseError) StackTrace() string {
	if len(e.stack) == 0 {
		return ""
	}

	var buf strings.Builder
	frames := runtime.CallersFrames(e.stack)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&buf, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return buf.String()
}

// ValidationError represents an input validation error.
type ValidationError struct {
	*BaseError
	Field string
	Value interface{}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		BaseError: &BaseError{
			code:    CodeValidation,
			message: message,
			stack:   captureStack(1),
		},
		Field: field,
		Value: value,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	*BaseError
	Resource string
	ID       string
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{
		BaseError: &BaseError{
			code:    CodeNotFound,
			message: fmt.Sprintf("%s not found", resource),
			stack:   captureStack(1),
		},
		Resource: resource,
		ID:       id,
	}
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is reports ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ProviderError is the error object returned by a signing provider
// (EIP-1193 / JSON-RPC 2.0 error shape).
type ProviderError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// Is maps provider codes onto the sentinel taxonomy.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == ProviderCodeUserRejected
	case ErrProviderUnavailable:
		return e.Code == ProviderCodeDisconnected || e.Code == ProviderCodeChainDisconnected
	}
	return false
}

// ErrorCode returns the numeric provider code.
func (e *ProviderError) ErrorCode() int {
	return e.Code
}

// RevertData returns the raw revert payload carried in Data, if any. Wallets
// send it either as a hex string or as an object with a "data" field.
func (e *ProviderError) RevertData() []byte {
	if len(e.Data) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil
		}
		return b
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(e.Data, &obj); err == nil && obj.Data != "" {
		b, err := hexutil.Decode(obj.Data)
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

// NewProviderError creates a provider error with the given code.
func NewProviderError(code int, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message}
}

// TxPhase names the ledger call a transaction error belongs to.
type TxPhase string

const (
	PhaseApprove  TxPhase = "approve"
	PhasePurchase TxPhase = "purchase"
	PhaseMint     TxPhase = "mint"
)

// TxError reports a failed transaction submission or confirmation.
// Kind is one of ErrUserRejected, ErrTxSubmissionFailed, ErrTxReverted or
// ErrConfirmationTimeout.
type TxError struct {
	*BaseError
	Phase TxPhase
	Hash  string
	Kind  error
}

// NewTxError creates a transaction error. The code follows kind.
func NewTxError(phase TxPhase, kind error, hash string, cause error) *TxError {
	code := CodeTxSubmissionFailed
	message := string(phase) + " transaction failed"
	if k, ok := kind.(*BaseError); ok {
		code = k.code
		message = fmt.Sprintf("%s: %s", phase, k.message)
	}
	return &TxError{
		BaseError: &BaseError{
			code:    code,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
		Phase: phase,
		Hash:  hash,
		Kind:  kind,
	}
}

// Is reports the error kind.
func (e *TxError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// RevertError carries the decoded reason of a reverted call or transaction.
type RevertError struct {
	*BaseError
	Reason string
	Data   []byte
}

// NewRevertError creates a revert error. An empty reason means the contract
// reverted without a message or the reason could not be decoded.
func NewRevertError(reason string, data []byte) *RevertError {
	message := "execution reverted"
	if reason != "" {
		message = "execution reverted: " + reason
	}
	return &RevertError{
		BaseError: &BaseError{
			code:    CodeTxReverted,
			message: message,
			stack:   captureStack(1),
		},
		Reason: reason,
		Data:   data,
	}
}

// Is reports ErrTxReverted.
func (e *RevertError) Is(target error) bool {
	return target == ErrTxReverted
}

// GatewayError reports that every content gateway failed for a content id.
// The cause is the last underlying error.
type GatewayError struct {
	*BaseError
	ContentID string
	Attempts  []string
}

// NewGatewayError creates a gateway error carrying the last failure.
func NewGatewayError(contentID string, attempts []string, last error) *GatewayError {
	return &GatewayError{
		BaseError: &BaseError{
			code:    CodeAllGatewaysFailed,
			message: fmt.Sprintf("all %d gateways failed for %s", len(attempts), contentID),
			cause:   last,
			stack:   captureStack(1),
		},
		ContentID: contentID,
		Attempts:  attempts,
	}
}

// Is reports ErrAllGatewaysFailed.
func (e *GatewayError) Is(target error) bool {
	return target == ErrAllGatewaysFailed
}

// KindError attaches a taxonomy sentinel to an underlying cause, so the
// result matches the sentinel with errors.Is and still unwraps to the cause.
type KindError struct {
	*BaseError
	Kind *BaseError
}

// WithKind classifies cause under kind. An empty message uses the kind's.
func WithKind(kind *BaseError, message string, cause error) error {
	if message == "" {
		message = kind.message
	}
	return &KindError{
		BaseError: &BaseError{
			code:    kind.code,
			message: message,
			cause:   cause,
			stack:   captureStack(1),
		},
		Kind: kind,
	}
}

// Is reports the attached kind.
func (e *KindError) Is(target error) bool {
	return target == e.Kind
}

// Wrap wraps an error with additional context.
// If the error is already one of our custom types, it preserves the code
// and adds the cause chain. Otherwise, it creates an internal error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	code := GetErrorCode(err)
	return &BaseError{
		code:    code,
		message: message,
		cause:   err,
		stack:   captureStack(1),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithCode wraps err under a specific code, keeping err as the cause.
func WithCode(code string, message string, err error) error {
	return &BaseError{
		code:    code,
		message: message,
		cause:   err,
		stack:   captureStack(1),
	}
}

// New creates a new error with a message.
func New(message string) error {
	return &BaseError{
		code:    CodeInternal,
		message: message,
		stack:   captureStack(1),
	}
}

// Newf creates a new error with a formatted message.
func Newf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}

// Is is errors.Is, re-exported so callers need only one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need only one errors import.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
