package crypto

import (
	"fmt"

	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
)

// Key usage names, matched exactly and case-sensitively. Anything else in a
// usage list is ignored; no usage flag turns on unless requested.
const (
	UsageSign    = "sign"
	UsageVerify  = "verify"
	UsageEncrypt = "encrypt"
	UsageDecrypt = "decrypt"
	UsageWrapKey = "wrapKey"
	UsageUnwrap  = "unwrapKey"
)

// TemplateOptions carries the process-wide key attribute policy. It is set
// from configuration at startup and threaded into every template build; the
// builder itself never reads ambient state.
type TemplateOptions struct {
	// Token marks new keys as token objects (persisted by the module).
	Token bool
	// Sensitive marks new keys sensitive (raw value unreadable).
	Sensitive bool
}

// NewKeyTemplate builds the attribute template for one secret key. value is
// the raw material for imports and nil for generation, where valueLen (in
// bytes) sizes the generated key instead. Pure construction; validation is
// the module's job.
func NewKeyTemplate(opts TemplateOptions, id []byte, alg KeyAlgorithm, extractable bool, usages []string, value []byte) *hsm.KeyTemplate {
	tmpl := &hsm.KeyTemplate{
		Token:       opts.Token,
		Sensitive:   opts.Sensitive,
		Extractable: extractable,
		Label:       fmt.Sprintf("AES-%d", alg.Length),
		ID:          id,
		Value:       value,
		ValueLen:    alg.Length / 8,
	}
	for _, usage := range usages {
		switch usage {
		case UsageSign:
			tmpl.Sign = true
		case UsageVerify:
			tmpl.Verify = true
		case UsageEncrypt:
			tmpl.Encrypt = true
		case UsageDecrypt:
			tmpl.Decrypt = true
		case UsageWrapKey:
			tmpl.Wrap = true
		case UsageUnwrap:
			tmpl.Unwrap = true
		}
	}
	return tmpl
}
