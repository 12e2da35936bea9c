package crypto

import (
	"fmt"

	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
)

// mechanismMapper translates an algorithm descriptor into the module's
// native mechanism. Pure translation, no module calls.
type mechanismMapper func(version hsm.Version, params Params) (*hsm.Mechanism, error)

// modeInfo binds a mode to its mapper and records whether the provider's
// own padding engine acts for it. CBC is absent here on purpose: its
// mechanism pads natively inside the module.
type modeInfo struct {
	mapper  mechanismMapper
	padding bool
}

// defaultModes is the registry consulted for every cipher call and key
// operation. A mode not present here fails loudly with ErrNotSupported.
func defaultModes() map[Mode]modeInfo {
	return map[Mode]modeInfo{
		ModeGCM: {mapper: mapGCM},
		ModeCBC: {mapper: mapCBC},
		ModeECB: {mapper: mapECB, padding: true},
	}
}

// mapGCM builds the AES-GCM mechanism. The parameter layout follows the
// module's reported interface version: 2.40 and later use the layout with
// an IV bit-length field, older modules get the legacy one.
func mapGCM(version hsm.Version, params Params) (*hsm.Mechanism, error) {
	p, ok := params.(*GCMParams)
	if !ok {
		return nil, fmt.Errorf("AES-GCM requires GCM parameters, got %T", params)
	}
	if len(p.IV) == 0 {
		return nil, fmt.Errorf("AES-GCM requires an initialization vector")
	}
	tagBits := p.TagLengthBits
	if tagBits == 0 {
		tagBits = 128
	}
	return &hsm.Mechanism{
		ID: hsm.MechAESGCM,
		GCM: &hsm.GCMParams{
			IV:        p.IV,
			AAD:       p.AdditionalData,
			TagBits:   tagBits,
			Params240: version.AtLeast(2, 40),
		},
	}, nil
}

// mapCBC builds the CBC mechanism with native module padding.
func mapCBC(version hsm.Version, params Params) (*hsm.Mechanism, error) {
	p, ok := params.(*CBCParams)
	if !ok {
		return nil, fmt.Errorf("AES-CBC requires CBC parameters, got %T", params)
	}
	if len(p.IV) != BlockSize {
		return nil, fmt.Errorf("AES-CBC requires a %d-byte initialization vector, got %d", BlockSize, len(p.IV))
	}
	return &hsm.Mechanism{ID: hsm.MechAESCBCPad, IV: p.IV}, nil
}

// mapECB builds the parameterless ECB mechanism.
func mapECB(version hsm.Version, params Params) (*hsm.Mechanism, error) {
	if _, ok := params.(*ECBParams); !ok {
		return nil, fmt.Errorf("AES-ECB takes no parameters, got %T", params)
	}
	return &hsm.Mechanism{ID: hsm.MechAESECB}, nil
}
