package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"error"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status code for an error.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return codeToHTTPStatus(GetErrorCode(err))
}

// codeToHTTPStatus maps error codes to HTTP status codes.
func codeToHTTPStatus(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidArgument, CodeValidation, CodeInvalidContentID:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotConnected:
		return http.StatusUnauthorized
	case CodeWrongNetwork, CodeSelfPurchase:
		return http.StatusForbidden
	case CodePurchaseInFlight, CodeDownloadInProgress, CodeNothingToRecheck:
		return http.StatusConflict
	case CodeUserRejected, CodeSwitchRejected, CodeTxReverted:
		return http.StatusUnprocessableEntity
	case CodeSwitchUnsupported:
		return http.StatusNotImplemented
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeTxSubmissionFailed, CodeFetchDecode, CodeAllGatewaysFailed:
		return http.StatusBadGateway
	case CodeConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts an error to an HTTPError.
func ToHTTPError(err error, traceID string) *HTTPError {
	if err == nil {
		return &HTTPError{
			Status:  http.StatusOK,
			Code:    CodeOK,
			Message: "success",
			TraceID: traceID,
		}
	}

	httpErr := &HTTPError{
		Status:  StatusCode(err),
		Code:    GetErrorCode(err),
		Message: err.Error(),
		TraceID: traceID,
		Details: make(map[string]string),
	}

	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		txErr         *TxError
		gatewayErr    *GatewayError
	)

	switch {
	case errors.As(err, &validationErr):
		if validationErr.Field != "" {
			httpErr.Details["field"] = validationErr.Field
		}
	case errors.As(err, &notFoundErr):
		if notFoundErr.Resource != "" {
			httpErr.Details["resource"] = notFoundErr.Resource
		}
		if notFoundErr.ID != "" {
			httpErr.Details["id"] = notFoundErr.ID
		}
	case errors.As(err, &txErr):
		httpErr.Details["phase"] = string(txErr.Phase)
		if txErr.Hash != "" {
			httpErr.Details["tx_hash"] = txErr.Hash
		}
		httpErr.Reason = Reason(err)
	case errors.As(err, &gatewayErr):
		httpErr.Details["cid"] = gatewayErr.ContentID
	}

	if len(httpErr.Details) == 0 {
		httpErr.Details = nil
	}
	return httpErr
}

// WriteHTTPError writes an error response to an http.ResponseWriter.
func WriteHTTPError(w http.ResponseWriter, err error, traceID string) {
	httpErr := ToHTTPError(err, traceID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.Status)
	json.NewEncoder(w).Encode(httpErr)
}
