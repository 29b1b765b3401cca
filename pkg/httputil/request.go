package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 64 << 10

// DecodeJSONStrict decodes the request body into v, rejecting unknown fields
// and bodies over MaxBodyBytes. Failures are validation errors.
func DecodeJSONStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.NewValidationError("body", "request body is required", nil)
		}
		return errors.NewValidationError("body", fmt.Sprintf("invalid JSON body: %v", err), nil)
	}
	return nil
}

// QueryParamInt returns the integer value of a query parameter, or
// defaultValue if absent. Malformed or negative values are validation errors.
func QueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		return 0, errors.NewValidationError(key, "must be a non-negative integer", v)
	}
	return i, nil
}
