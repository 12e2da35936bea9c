package hsm

import (
	"context"
	"time"
)

// CallRecorder receives the timing and outcome of every module call.
type CallRecorder interface {
	RecordHSMCall(call string, duration time.Duration, err error)
}

// instrumentedSession wraps a Session and records every call.
type instrumentedSession struct {
	inner Session
	rec   CallRecorder
}

// InstrumentSession returns a Session that reports each call's name,
// duration, and error to rec before passing results through unchanged.
func InstrumentSession(s Session, rec CallRecorder) Session {
	return &instrumentedSession{inner: s, rec: rec}
}

func (s *instrumentedSession) record(call string, start time.Time, err error) {
	s.rec.RecordHSMCall(call, time.Since(start), err)
}

func (s *instrumentedSession) GenerateSecretKey(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	start := time.Now()
	obj, err := s.inner.GenerateSecretKey(ctx, tmpl)
	s.record("generate_key", start, err)
	return obj, err
}

func (s *instrumentedSession) CreateSecretKeyObject(ctx context.Context, tmpl *KeyTemplate) (ObjectHandle, error) {
	start := time.Now()
	obj, err := s.inner.CreateSecretKeyObject(ctx, tmpl)
	s.record("create_object", start, err)
	return obj, err
}

func (s *instrumentedSession) ReadKeyValue(ctx context.Context, obj ObjectHandle) ([]byte, int, error) {
	start := time.Now()
	value, n, err := s.inner.ReadKeyValue(ctx, obj)
	s.record("read_key_value", start, err)
	return value, n, err
}

func (s *instrumentedSession) EncryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, data []byte, outSize int) ([]byte, error) {
	start := time.Now()
	out, err := s.inner.EncryptOnce(ctx, mech, obj, data, outSize)
	s.record("encrypt_once", start, err)
	return out, err
}

func (s *instrumentedSession) DecryptOnce(ctx context.Context, mech *Mechanism, obj ObjectHandle, data []byte, outSize int) ([]byte, error) {
	start := time.Now()
	out, err := s.inner.DecryptOnce(ctx, mech, obj, data, outSize)
	s.record("decrypt_once", start, err)
	return out, err
}

func (s *instrumentedSession) DestroyObject(ctx context.Context, obj ObjectHandle) error {
	start := time.Now()
	err := s.inner.DestroyObject(ctx, obj)
	s.record("destroy_object", start, err)
	return err
}

func (s *instrumentedSession) Version() Version {
	return s.inner.Version()
}

func (s *instrumentedSession) Close() error {
	return s.inner.Close()
}
