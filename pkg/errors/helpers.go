package errors

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultFailureReason is shown when no better reason can be extracted.
const DefaultFailureReason = "Transaction failed."

// IsNotFound checks if an error indicates a resource was not found.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrListingNotFound)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}

	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsUserRejected checks if the user declined a request in the provider.
func IsUserRejected(err error) bool {
	return err != nil && errors.Is(err, ErrUserRejected)
}

// IsProviderUnavailable checks if the provider is missing or disconnected.
func IsProviderUnavailable(err error) bool {
	return err != nil && errors.Is(err, ErrProviderUnavailable)
}

// ProviderCode returns the numeric provider code carried by err, if any.
func ProviderCode(err error) (int, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	var re rpc.Error
	if errors.As(err, &re) {
		return re.ErrorCode(), true
	}
	return 0, false
}

// ShouldRetry checks if an operation should be retried based on the error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(GetErrorCode(err))
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Code()
	}

	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.code
		}
	}
	return CodeInternal
}

// GetErrorMessage extracts a human-readable message from an error.
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Message()
	}

	return err.Error()
}

// Reason extracts the most specific failure reason from err, in order:
// a decoded revert reason, revert data attached to a provider or RPC error,
// the provider message, the error text, then DefaultFailureReason.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var revertErr *RevertError
	if errors.As(err, &revertErr) && revertErr.Reason != "" {
		return revertErr.Reason
	}

	if reason, ok := unpackRevert(RevertData(err)); ok {
		return reason
	}

	var providerErr *ProviderError
	errors.As(err, &providerErr)
	if providerErr != nil && strings.TrimSpace(providerErr.Message) != "" {
		return providerErr.Message
	}

	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return DefaultFailureReason
}

// RevertData returns revert payload bytes attached to err by a provider or
// an RPC client, or nil.
func RevertData(err error) []byte {
	var revertErr *RevertError
	if errors.As(err, &revertErr) && len(revertErr.Data) > 0 {
		return revertErr.Data
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if data := providerErr.RevertData(); data != nil {
			return data
		}
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				return data
			}
		}
	}
	return nil
}

// UnpackRevert decodes an Error(string) or Panic(uint256) payload.
func UnpackRevert(data []byte) (string, bool) {
	return unpackRevert(data)
}

func unpackRevert(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}

// Cause returns the underlying cause of an error.
// It unwraps the error chain until it finds the root cause.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		underlying := unwrapper.Unwrap()
		if underlying == nil {
			return err
		}
		err = underlying
	}
}
