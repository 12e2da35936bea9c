package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported indicates a cipher mode with no registered mechanism
	// mapping.
	ErrNotSupported = errors.New("unsupported algorithm")

	// ErrUnsupportedFormat indicates an unrecognized key interchange format.
	ErrUnsupportedFormat = errors.New("unsupported key format")

	// ErrMalformedAlgorithmName indicates a key algorithm name that does not
	// follow the AES-<MODE> shape.
	ErrMalformedAlgorithmName = errors.New("malformed algorithm name")
)

// KeyGenerationError reports a failed key generation, preserving the
// module's native error text.
type KeyGenerationError struct {
	Message string
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("key generation failed: %s", e.Message)
}
