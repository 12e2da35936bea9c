package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// JSONWebKey is the symmetric-key interchange record: an octet-sequence key
// with its raw bytes in base64url and an algorithm hint of the form
// A<bits><MODE> (A256GCM, A128CBC, ...).
type JSONWebKey struct {
	Kty string `json:"kty"`
	K   string `json:"k"`
	Alg string `json:"alg"`
	Ext bool   `json:"ext"`
}

// newSecretJWK builds the interchange record for an exported key.
func newSecretJWK(mode Mode, raw []byte, extractable bool) *JSONWebKey {
	return &JSONWebKey{
		Kty: "oct",
		K:   base64.RawURLEncoding.EncodeToString(raw),
		Alg: fmt.Sprintf("A%d%s", len(raw)*8, mode),
		Ext: extractable,
	}
}

// KeyBytes decodes the raw key material from the k member. Padded base64url
// is tolerated on input.
func (j *JSONWebKey) KeyBytes() ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(j.K, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid jwk key material: %w", err)
	}
	return raw, nil
}
