package hsm

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
)

// softObject is a key object held by the software module.
type softObject struct {
	tmpl  KeyTemplate
	value []byte
}

// softwareSession is an in-memory stand-in for a hardware module. It speaks
// the same mechanism vocabulary and enforces the same attribute semantics
// (sensitive keys cannot be read, ECB input must be block aligned, output
// must fit the declared capacity) so code exercised against it behaves the
// same against a real module.
type softwareSession struct {
	mu      sync.Mutex
	objects map[ObjectHandle]*softObject
	next    ObjectHandle
}

// NewSoftwareSession returns a session backed by an in-memory software
// module. It reports Cryptoki version 2.40.
func NewSoftwareSession() Session {
	return &softwareSession{
		objects: make(map[ObjectHandle]*softObject),
		next:    1,
	}
}

func (s *softwareSession) store(tmpl *KeyTemplate, value []byte) ObjectHandle {
	obj := s.next
	s.next++
	s.objects[obj] = &softObject{tmpl: *tmpl, value: value}
	return obj
}

func (s *softwareSession) object(obj ObjectHandle) (*softObject, error) {
	o, ok := s.objects[obj]
	if !ok {
		return nil, fmt.Errorf("object handle %d is invalid", obj)
	}
	return o, nil
}

func (s *softwareSession) GenerateSecretKey(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch tmpl.ValueLen {
	case 16, 24, 32:
	default:
		return 0, fmt.Errorf("attribute value invalid: AES key length %d", tmpl.ValueLen)
	}

	value := make([]byte, tmpl.ValueLen)
	if _, err := rand.Read(value); err != nil {
		return 0, fmt.Errorf("random generation failed: %w", err)
	}
	return s.store(tmpl, value), nil
}

func (s *softwareSession) CreateSecretKeyObject(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch len(tmpl.Value) {
	case 16, 24, 32:
	default:
		return 0, fmt.Errorf("attribute value invalid: AES key length %d", len(tmpl.Value))
	}
	return s.store(tmpl, append([]byte(nil), tmpl.Value...)), nil
}

func (s *softwareSession) ReadKeyValue(ctx context.Context, obj ObjectHandle) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.object(obj)
	if err != nil {
		return nil, 0, err
	}
	if o.tmpl.Sensitive || !o.tmpl.Extractable {
		return nil, 0, fmt.Errorf("attribute is sensitive: key value not readable")
	}
	return append([]byte(nil), o.value...), len(o.value), nil
}

func (s *softwareSession) EncryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.object(obj)
	if err != nil {
		return nil, err
	}
	if !o.tmpl.Encrypt {
		return nil, fmt.Errorf("key function not permitted: encrypt")
	}

	block, err := aes.NewCipher(o.value)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch mech.ID {
	case MechAESGCM:
		aead, err := newGCM(block, mech.GCM)
		if err != nil {
			return nil, err
		}
		out = aead.Seal(nil, mech.GCM.IV, in, mech.GCM.AAD)
	case MechAESCBCPad:
		padded := pkcs7Pad(in, block.BlockSize())
		out = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, mech.IV).CryptBlocks(out, padded)
	case MechAESECB:
		if len(in)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("data length %d is not a multiple of the block size", len(in))
		}
		out = make([]byte, len(in))
		for i := 0; i < len(in); i += block.BlockSize() {
			block.Encrypt(out[i:], in[i:])
		}
	default:
		return nil, fmt.Errorf("mechanism 0x%x is invalid", mech.ID)
	}

	if len(out) > outSize {
		return nil, fmt.Errorf("buffer too small: need %d, have %d", len(out), outSize)
	}
	return out, nil
}

func (s *softwareSession) DecryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.object(obj)
	if err != nil {
		return nil, err
	}
	if !o.tmpl.Decrypt {
		return nil, fmt.Errorf("key function not permitted: decrypt")
	}

	block, err := aes.NewCipher(o.value)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch mech.ID {
	case MechAESGCM:
		aead, err := newGCM(block, mech.GCM)
		if err != nil {
			return nil, err
		}
		out, err = aead.Open(nil, mech.GCM.IV, in, mech.GCM.AAD)
		if err != nil {
			return nil, fmt.Errorf("encrypted data invalid: %w", err)
		}
	case MechAESCBCPad:
		if len(in) == 0 || len(in)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("encrypted data length %d is invalid", len(in))
		}
		padded := make([]byte, len(in))
		cipher.NewCBCDecrypter(block, mech.IV).CryptBlocks(padded, in)
		out, err = pkcs7Unpad(padded, block.BlockSize())
		if err != nil {
			return nil, err
		}
	case MechAESECB:
		if len(in)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("encrypted data length %d is invalid", len(in))
		}
		out = make([]byte, len(in))
		for i := 0; i < len(in); i += block.BlockSize() {
			block.Decrypt(out[i:], in[i:])
		}
	default:
		return nil, fmt.Errorf("mechanism 0x%x is invalid", mech.ID)
	}

	if len(out) > outSize {
		return nil, fmt.Errorf("buffer too small: need %d, have %d", len(out), outSize)
	}
	return out, nil
}

func (s *softwareSession) DestroyObject(ctx context.Context, obj ObjectHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.object(obj); err != nil {
		return err
	}
	delete(s.objects, obj)
	return nil
}

func (s *softwareSession) Version() Version {
	return Version{Major: 2, Minor: 40}
}

func (s *softwareSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[ObjectHandle]*softObject)
	return nil
}

// newGCM builds the AEAD for the requested nonce and tag sizes. The standard
// library cannot vary both at once; a non-default tag requires the standard
// 12-byte nonce.
func newGCM(block cipher.Block, params *GCMParams) (cipher.AEAD, error) {
	tagBits := params.TagBits
	if tagBits == 0 {
		tagBits = 128
	}
	if tagBits == 128 {
		return cipher.NewGCMWithNonceSize(block, len(params.IV))
	}
	if len(params.IV) != 12 {
		return nil, fmt.Errorf("mechanism param invalid: tag length %d requires a 12-byte IV", tagBits)
	}
	return cipher.NewGCMWithTagSize(block, tagBits/8)
}

// pkcs7Pad and pkcs7Unpad implement the module's native CBC padding. Unlike
// the provider-side padding engine, unpadding here validates the padding
// bytes before stripping them.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("encrypted data length %d is invalid", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("encrypted data invalid: bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("encrypted data invalid: bad padding")
		}
	}
	return data[:len(data)-n], nil
}
