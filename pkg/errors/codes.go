package errors

// Error codes for categorizing errors.
// These codes are stable identifiers surfaced on the control API.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeInternal indicates internal errors.
	CodeInternal = "INTERNAL"

	// CodeInvalidArgument indicates client specified an invalid argument.
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// CodeValidation indicates input validation failed.
	CodeValidation = "VALIDATION_ERROR"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound = "NOT_FOUND"

	// CodeStorageError indicates a local storage operation failed.
	CodeStorageError = "STORAGE_ERROR"

	// CodeRateLimited indicates the caller exceeded a request budget.
	CodeRateLimited = "RATE_LIMITED"

	// Session and network codes

	// CodeProviderUnavailable indicates no signing provider is present or it went away.
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"

	// CodeUserRejected indicates the user declined a request in the signing provider.
	CodeUserRejected = "USER_REJECTED"

	// CodeNotConnected indicates no account is connected.
	CodeNotConnected = "NOT_CONNECTED"

	// CodeWrongNetwork indicates the active chain is not the required chain.
	CodeWrongNetwork = "WRONG_NETWORK"

	// CodeSwitchRejected indicates the user declined a chain switch.
	CodeSwitchRejected = "SWITCH_REJECTED"

	// CodeSwitchUnsupported indicates the provider cannot switch chains.
	CodeSwitchUnsupported = "SWITCH_UNSUPPORTED"

	// Purchase codes

	// CodeSelfPurchase indicates the buyer is the listing's seller.
	CodeSelfPurchase = "SELF_PURCHASE"

	// CodePurchaseInFlight indicates another purchase flow is still running.
	CodePurchaseInFlight = "PURCHASE_IN_FLIGHT"

	// CodeNothingToRecheck indicates there is no timed-out confirmation to re-check.
	CodeNothingToRecheck = "NOTHING_TO_RECHECK"

	// CodeTxSubmissionFailed indicates a transaction could not be submitted.
	CodeTxSubmissionFailed = "TX_SUBMISSION_FAILED"

	// CodeTxReverted indicates a submitted transaction was mined but reverted.
	CodeTxReverted = "TX_REVERTED"

	// CodeConfirmationTimeout indicates the confirmation wait expired. The
	// transaction may still confirm later.
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"

	// Listing and content codes

	// CodeFetchDecode indicates a listing read failed or returned undecodable data.
	CodeFetchDecode = "FETCH_DECODE_ERROR"

	// CodeAllGatewaysFailed indicates every content gateway failed.
	CodeAllGatewaysFailed = "ALL_GATEWAYS_FAILED"

	// CodeDownloadInProgress indicates a download for the same content is outstanding.
	CodeDownloadInProgress = "DOWNLOAD_IN_PROGRESS"

	// CodeInvalidContentID indicates a content identifier could not be parsed.
	CodeInvalidContentID = "INVALID_CONTENT_ID"
)

// EIP-1193 provider error codes and the JSON-RPC codes wallets reuse.
const (
	ProviderCodeUserRejected      = 4001
	ProviderCodeUnauthorized      = 4100
	ProviderCodeUnsupportedMethod = 4200
	ProviderCodeDisconnected      = 4900
	ProviderCodeChainDisconnected = 4901
	ProviderCodeUnrecognizedChain = 4902

	RPCCodeExecutionReverted = 3
	RPCCodeMethodNotFound    = -32601
	RPCCodeInternal          = -32603
)

// IsRetryable returns true if an operation failing with the given code may
// succeed when invoked again by the user.
func IsRetryable(code string) bool {
	switch code {
	case CodeProviderUnavailable, CodeUserRejected,
		CodeTxSubmissionFailed, CodeConfirmationTimeout,
		CodeFetchDecode, CodeAllGatewaysFailed,
		CodeDownloadInProgress, CodePurchaseInFlight, CodeRateLimited:
		return true
	default:
		return false
	}
}
