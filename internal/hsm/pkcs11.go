package hsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/sirupsen/logrus"
)

// ModuleConfig describes how to reach a PKCS#11 module.
type ModuleConfig struct {
	// ModulePath is the path to the vendor PKCS#11 shared library.
	ModulePath string
	// TokenLabel selects the slot by token label. Ignored when SlotID is set.
	TokenLabel string
	// SlotID selects an explicit slot.
	SlotID *uint
	// PIN is the user PIN for login. Empty skips login.
	PIN string
}

// pkcs11Session is a Session backed by a vendor PKCS#11 library. All module
// calls are serialized; Cryptoki sessions are not safe for concurrent use.
type pkcs11Session struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	handle  pkcs11.SessionHandle
	version Version
	logger  *logrus.Logger
}

// OpenModule loads the PKCS#11 library, opens a read-write session on the
// configured slot and logs in as the normal user.
func OpenModule(cfg ModuleConfig, logger *logrus.Logger) (Session, error) {
	p := pkcs11.New(cfg.ModulePath)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module %s", cfg.ModulePath)
	}
	if err := p.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	info, err := p.GetInfo()
	if err != nil {
		p.Finalize()
		return nil, fmt.Errorf("failed to read module info: %w", err)
	}

	slot, err := findSlot(p, cfg)
	if err != nil {
		p.Finalize()
		return nil, err
	}

	handle, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		p.Finalize()
		return nil, fmt.Errorf("failed to open session on slot %d: %w", slot, err)
	}

	if cfg.PIN != "" {
		if err := p.Login(handle, pkcs11.CKU_USER, cfg.PIN); err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			p.CloseSession(handle)
			p.Finalize()
			return nil, fmt.Errorf("failed to log in: %w", err)
		}
	}

	version := Version{Major: info.CryptokiVersion.Major, Minor: info.CryptokiVersion.Minor}
	logger.WithFields(logrus.Fields{
		"module":  cfg.ModulePath,
		"slot":    slot,
		"version": version.String(),
	}).Info("PKCS#11 session opened")

	return &pkcs11Session{ctx: p, handle: handle, version: version, logger: logger}, nil
}

// findSlot resolves the slot to use: explicit slot ID first, then token
// label, then the first slot with a token present.
func findSlot(p *pkcs11.Ctx, cfg ModuleConfig) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to list slots: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with a token present")
	}

	if cfg.TokenLabel == "" {
		return slots[0], nil
	}
	for _, slot := range slots {
		info, err := p.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if info.Label == cfg.TokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("no token with label %q", cfg.TokenLabel)
}

// templateAttributes converts a KeyTemplate into the module's attribute list.
func templateAttributes(tmpl *KeyTemplate) []*pkcs11.Attribute {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, tmpl.Token),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, tmpl.Sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, tmpl.Extractable),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, tmpl.Label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, tmpl.ID),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, tmpl.Sign),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, tmpl.Verify),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, tmpl.Encrypt),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, tmpl.Decrypt),
		pkcs11.NewAttribute(pkcs11.CKA_WRAP, tmpl.Wrap),
		pkcs11.NewAttribute(pkcs11.CKA_UNWRAP, tmpl.Unwrap),
		pkcs11.NewAttribute(pkcs11.CKA_DERIVE, false),
	}
	if tmpl.Value != nil {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_VALUE, tmpl.Value))
	} else {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, tmpl.ValueLen))
	}
	return attrs
}

// mechanism converts a Mechanism into the binding's representation. The
// returned cleanup frees any C-allocated parameters and must run after the
// operation finishes.
func (s *pkcs11Session) mechanism(mech *Mechanism) ([]*pkcs11.Mechanism, func()) {
	switch mech.ID {
	case MechAESGCM:
		// miekg/pkcs11 only marshals the PKCS#11 v2.40 CK_GCM_PARAMS
		// layout, so GCM.Params240 cannot select the legacy pre-2.40
		// struct here. Tokens on older Cryptoki versions would need a
		// different binding; the in-process software module honors the
		// flag.
		params := pkcs11.NewGCMParams(mech.GCM.IV, mech.GCM.AAD, mech.GCM.TagBits)
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}, params.Free
	case MechAESCBCPad:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC_PAD, mech.IV)}, func() {}
	default:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(mech.ID, nil)}, func() {}
	}
}

func (s *pkcs11Session) GenerateSecretKey(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.ctx.GenerateKey(s.handle,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_KEY_GEN, nil)},
		templateAttributes(tmpl))
	if err != nil {
		return 0, err
	}
	return ObjectHandle(obj), nil
}

func (s *pkcs11Session) CreateSecretKeyObject(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.ctx.CreateObject(s.handle, templateAttributes(tmpl))
	if err != nil {
		return 0, err
	}
	return ObjectHandle(obj), nil
}

func (s *pkcs11Session) ReadKeyValue(ctx context.Context, obj ObjectHandle) ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := s.ctx.GetAttributeValue(s.handle, pkcs11.ObjectHandle(obj), []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read key value: %w", err)
	}
	value := attrs[0].Value
	return value, len(value), nil
}

func (s *pkcs11Session) EncryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, cleanup := s.mechanism(mech)
	defer cleanup()

	if err := s.ctx.EncryptInit(s.handle, m, pkcs11.ObjectHandle(obj)); err != nil {
		return nil, err
	}
	return s.ctx.Encrypt(s.handle, in)
}

func (s *pkcs11Session) DecryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, in []byte, outSize int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, cleanup := s.mechanism(mech)
	defer cleanup()

	if err := s.ctx.DecryptInit(s.handle, m, pkcs11.ObjectHandle(obj)); err != nil {
		return nil, err
	}
	return s.ctx.Decrypt(s.handle, in)
}

func (s *pkcs11Session) DestroyObject(ctx context.Context, obj ObjectHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.DestroyObject(s.handle, pkcs11.ObjectHandle(obj))
}

func (s *pkcs11Session) Version() Version {
	return s.version
}

func (s *pkcs11Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx.Logout(s.handle)
	if err := s.ctx.CloseSession(s.handle); err != nil {
		return err
	}
	if err := s.ctx.Finalize(); err != nil {
		return err
	}
	s.ctx.Destroy()
	return nil
}
