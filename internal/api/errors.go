package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/hsm-crypto-gateway/internal/crypto"
)

// APIError is the JSON error envelope every failing request gets.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	json.NewEncoder(w).Encode(e)
}

// TranslateError maps provider and module errors to API errors.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var genErr *crypto.KeyGenerationError
	switch {
	case errors.Is(err, crypto.ErrNotSupported):
		return &APIError{
			Code:       "NotSupported",
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, crypto.ErrUnsupportedFormat):
		return &APIError{
			Code:       "UnsupportedFormat",
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, crypto.ErrMalformedAlgorithmName):
		return &APIError{
			Code:       "MalformedAlgorithmName",
			Message:    err.Error(),
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.As(err, &genErr):
		return &APIError{
			Code:       "KeyGenerationFailed",
			Message:    genErr.Error(),
			HTTPStatus: http.StatusBadGateway,
		}
	}

	// Module cipher errors pass through with their native text.
	return &APIError{
		Code:       "InternalError",
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid request body",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrKeyNotFound = &APIError{
		Code:       "KeyNotFound",
		Message:    "The specified key does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	ErrMissingIV = &APIError{
		Code:       "InvalidRequest",
		Message:    "Missing iv parameter",
		HTTPStatus: http.StatusBadRequest,
	}
)
