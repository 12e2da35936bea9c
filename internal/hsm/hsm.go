// Package hsm provides access to a PKCS#11 cryptographic module through a
// narrow session interface. Two implementations exist: a real one backed by a
// vendor PKCS#11 library, and an in-memory software module used for tests and
// development.
package hsm

import (
	"context"
	"fmt"
)

// ObjectHandle identifies a key object inside an open session.
type ObjectHandle uint

// Version is the Cryptoki interface version reported by the module.
type Version struct {
	Major byte
	Minor byte
}

// AtLeast reports whether v is the given version or newer.
func (v Version) AtLeast(major, minor byte) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// KeyTemplate is the flat attribute set for a secret key object. It is built
// once per generate or create call and never mutated afterwards.
type KeyTemplate struct {
	Token       bool
	Sensitive   bool
	Extractable bool
	Label       string
	ID          []byte

	Sign    bool
	Verify  bool
	Encrypt bool
	Decrypt bool
	Wrap    bool
	Unwrap  bool

	// Value carries the raw key material for imports; nil for generation.
	Value []byte
	// ValueLen is the requested key size in bytes for generation.
	ValueLen int
}

// Mechanism identifiers understood by Session implementations. The values
// mirror the CKM_* constants so the pkcs11 session can pass them through.
const (
	MechAESKeyGen uint = 0x1080 // CKM_AES_KEY_GEN
	MechAESECB    uint = 0x1081 // CKM_AES_ECB
	MechAESCBCPad uint = 0x1085 // CKM_AES_CBC_PAD
	MechAESGCM    uint = 0x1087 // CKM_AES_GCM
)

// GCMParams carries the parameters for an AES-GCM mechanism. Params240
// selects the PKCS#11 v2.40 parameter layout; older modules get the legacy
// layout where the structure has no IV bit-length field.
type GCMParams struct {
	IV        []byte
	AAD       []byte
	TagBits   int
	Params240 bool
}

// Mechanism is a module mechanism plus its mode-specific parameters. Exactly
// one of the parameter fields is set, matching the mechanism ID.
type Mechanism struct {
	ID  uint
	IV  []byte     // CBC
	GCM *GCMParams // GCM
}

// Session is a single open session with a cryptographic module. Callers
// perform one-shot operations only; concurrent use is arbitrated by the
// implementation.
type Session interface {
	// GenerateSecretKey creates a new secret key from the template and
	// returns its handle.
	GenerateSecretKey(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error)

	// CreateSecretKeyObject creates a key object from template material
	// (tmpl.Value) without invoking the module's generator.
	CreateSecretKeyObject(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error)

	// ReadKeyValue reads the raw key bytes and the stored value length of a
	// key object. Fails for sensitive or non-extractable keys.
	ReadKeyValue(ctx context.Context, obj ObjectHandle) ([]byte, int, error)

	// EncryptOnce runs a single-shot encryption. outSize declares the
	// caller's output capacity; the returned slice holds the bytes the
	// module actually produced.
	EncryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error)

	// DecryptOnce runs a single-shot decryption.
	DecryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error)

	// DestroyObject removes a key object from the session.
	DestroyObject(ctx context.Context, obj ObjectHandle) error

	// Version returns the Cryptoki interface version of the module.
	Version() Version

	// Close logs out and releases the session.
	Close() error
}
