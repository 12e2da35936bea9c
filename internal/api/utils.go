package api

import (
	"errors"

	"github.com/kenneth/hsm-crypto-gateway/internal/crypto"
)

// errorType classifies an error for metric labels. Labels stay low
// cardinality; native module messages never become label values.
func errorType(err error) string {
	var genErr *crypto.KeyGenerationError
	switch {
	case errors.Is(err, crypto.ErrNotSupported):
		return "not_supported"
	case errors.Is(err, crypto.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, crypto.ErrMalformedAlgorithmName):
		return "malformed_algorithm_name"
	case errors.As(err, &genErr):
		return "key_generation_failed"
	default:
		return "internal"
	}
}
