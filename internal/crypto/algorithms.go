package crypto

import (
	"fmt"
	"strings"
)

// Mode is the AES mode of operation carried by an algorithm descriptor.
type Mode string

const (
	// ModeGCM is AES in Galois/Counter Mode.
	ModeGCM Mode = "GCM"
	// ModeCBC is AES in Cipher Block Chaining mode.
	ModeCBC Mode = "CBC"
	// ModeECB is AES in Electronic Codebook mode.
	ModeECB Mode = "ECB"
)

const (
	// AlgorithmAESGCM is the algorithm name for AES-GCM keys.
	AlgorithmAESGCM = "AES-GCM"
	// AlgorithmAESCBC is the algorithm name for AES-CBC keys.
	AlgorithmAESCBC = "AES-CBC"
	// AlgorithmAESECB is the algorithm name for AES-ECB keys.
	AlgorithmAESECB = "AES-ECB"
)

// KeyAlgorithm describes an AES key: its algorithm name ("AES-<MODE>") and
// key length in bits.
type KeyAlgorithm struct {
	Name   string
	Length int
}

// Mode parses the mode suffix out of the algorithm name. A name that does
// not follow the AES-<MODE> shape returns ErrMalformedAlgorithmName.
func (a KeyAlgorithm) Mode() (Mode, error) {
	return modeFromName(a.Name)
}

func modeFromName(name string) (Mode, error) {
	suffix, ok := strings.CutPrefix(name, "AES-")
	if !ok || suffix == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedAlgorithmName, name)
	}
	return Mode(suffix), nil
}

// Params is the per-call algorithm descriptor: one concrete type per mode,
// carrying the parameters that mode needs. The descriptor determines which
// mechanism mapper runs; the key's own algorithm name is not consulted for
// cipher calls.
type Params interface {
	mode() Mode
}

// GCMParams parameterizes an AES-GCM cipher call.
type GCMParams struct {
	IV             []byte
	AdditionalData []byte
	// TagLengthBits is the authentication tag length. Zero means 128.
	TagLengthBits int
}

func (*GCMParams) mode() Mode { return ModeGCM }

// CBCParams parameterizes an AES-CBC cipher call.
type CBCParams struct {
	IV []byte
}

func (*CBCParams) mode() Mode { return ModeCBC }

// ECBParams parameterizes an AES-ECB cipher call. ECB takes no parameters.
type ECBParams struct{}

func (*ECBParams) mode() Mode { return ModeECB }
