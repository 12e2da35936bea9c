// Package crypto adapts algorithm-parameterized AES requests onto a
// session-based cryptographic module. It owns the mode-to-mechanism
// translation, the key attribute templates, the provider-side padding for
// modes whose mechanism does not pad natively, and the JWK interchange
// format. All module calls are single-shot; the session arbitrates
// concurrency.
package crypto

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
)

// Key interchange formats.
const (
	FormatJWK = "jwk"
	FormatRaw = "raw"
)

// Key is a handle to a secret key held by the module. It carries the
// attributes callers need without owning the session.
type Key struct {
	Object      hsm.ObjectHandle
	Algorithm   KeyAlgorithm
	Extractable bool
	Usages      []string
}

// KeyData is key material in one interchange format. Exactly one of JWK and
// Raw is set, matching Format.
type KeyData struct {
	Format string
	JWK    *JSONWebKey
	Raw    []byte
}

// Provider is the AES cipher provider. One provider serves one session; the
// attribute policy in opts applies to every key it creates.
type Provider struct {
	session hsm.Session
	opts    TemplateOptions
	modes   map[Mode]modeInfo
}

// NewProvider creates a provider over an open session with the default
// GCM/CBC/ECB mode registry.
func NewProvider(session hsm.Session, opts TemplateOptions) *Provider {
	return &Provider{
		session: session,
		opts:    opts,
		modes:   defaultModes(),
	}
}

// modeInfoFor resolves the registry entry for a mode, failing loudly for
// anything unmapped.
func (p *Provider) modeInfoFor(mode Mode) (modeInfo, error) {
	info, ok := p.modes[mode]
	if !ok {
		return modeInfo{}, fmt.Errorf("%w: AES-%s", ErrNotSupported, mode)
	}
	return info, nil
}

// GenerateKey creates a new AES key in the module. The template requests
// alg.Length/8 value bytes; a module refusal surfaces as a
// KeyGenerationError carrying the module's own message.
func (p *Provider) GenerateKey(ctx context.Context, alg KeyAlgorithm, extractable bool, usages []string) (*Key, error) {
	mode, err := alg.Mode()
	if err != nil {
		return nil, err
	}
	if _, err := p.modeInfoFor(mode); err != nil {
		return nil, err
	}

	id := uuid.New()
	tmpl := NewKeyTemplate(p.opts, id[:], alg, extractable, usages, nil)
	obj, err := p.session.GenerateSecretKey(ctx, tmpl)
	if err != nil {
		return nil, &KeyGenerationError{Message: err.Error()}
	}
	return &Key{
		Object:      obj,
		Algorithm:   alg,
		Extractable: extractable,
		Usages:      usages,
	}, nil
}

// ImportKey creates a key object from caller-supplied material. The key
// length is whatever the material's bit length is; the module rejects sizes
// AES cannot use.
func (p *Provider) ImportKey(ctx context.Context, data *KeyData, name string, extractable bool, usages []string) (*Key, error) {
	mode, err := modeFromName(name)
	if err != nil {
		return nil, err
	}
	if _, err := p.modeInfoFor(mode); err != nil {
		return nil, err
	}

	var raw []byte
	switch data.Format {
	case FormatJWK:
		if data.JWK == nil {
			return nil, fmt.Errorf("%w: jwk key material missing", ErrUnsupportedFormat)
		}
		raw, err = data.JWK.KeyBytes()
		if err != nil {
			return nil, err
		}
	case FormatRaw:
		raw = data.Raw
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, data.Format)
	}

	alg := KeyAlgorithm{Name: name, Length: len(raw) * 8}
	id := uuid.New()
	tmpl := NewKeyTemplate(p.opts, id[:], alg, extractable, usages, raw)
	obj, err := p.session.CreateSecretKeyObject(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to create key object: %w", err)
	}
	return &Key{
		Object:      obj,
		Algorithm:   alg,
		Extractable: extractable,
		Usages:      usages,
	}, nil
}

// ExportKey reads the key material back out of the module in the requested
// interchange format. The stored value length is authoritative for the jwk
// algorithm hint, not the length recorded at creation.
func (p *Provider) ExportKey(ctx context.Context, format string, key *Key) (*KeyData, error) {
	switch format {
	case FormatJWK:
		value, n, err := p.session.ReadKeyValue(ctx, key.Object)
		if err != nil {
			return nil, err
		}
		mode, err := key.Algorithm.Mode()
		if err != nil {
			return nil, err
		}
		return &KeyData{Format: FormatJWK, JWK: newSecretJWK(mode, value[:n], key.Extractable)}, nil
	case FormatRaw:
		value, n, err := p.session.ReadKeyValue(ctx, key.Object)
		if err != nil {
			return nil, err
		}
		return &KeyData{Format: FormatRaw, Raw: value[:n]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Encrypt runs one single-shot encryption. For modes the module does not
// pad natively the padding engine runs first, so the module always sees
// block-aligned input for those mechanisms.
func (p *Provider) Encrypt(ctx context.Context, params Params, key *Key, data []byte) ([]byte, error) {
	info, err := p.modeInfoFor(params.mode())
	if err != nil {
		return nil, err
	}
	if info.padding {
		data = Pad(data)
	}
	mech, err := info.mapper(p.session.Version(), params)
	if err != nil {
		return nil, err
	}
	outSize := encryptBufferSize(len(data), key.Algorithm.Length/8)
	return p.session.EncryptOnce(ctx, mech, key.Object, data, outSize)
}

// Decrypt runs one single-shot decryption, unpadding afterwards for modes
// the provider padded on the way in. Module errors pass through unchanged.
func (p *Provider) Decrypt(ctx context.Context, params Params, key *Key, data []byte) ([]byte, error) {
	info, err := p.modeInfoFor(params.mode())
	if err != nil {
		return nil, err
	}
	mech, err := info.mapper(p.session.Version(), params)
	if err != nil {
		return nil, err
	}
	out, err := p.session.DecryptOnce(ctx, mech, key.Object, data, len(data))
	if err != nil {
		return nil, err
	}
	if info.padding {
		out = Unpad(out)
	}
	return out, nil
}

// DestroyKey removes the key object from the module.
func (p *Provider) DestroyKey(ctx context.Context, key *Key) error {
	return p.session.DestroyObject(ctx, key.Object)
}
