package store

import (
	"context"
	"errors"
	"fmt"

	"stylebench/internal/security/secretbox"
)

// ErrPlaintext is returned for a sealed key whose stored value was written
// before encryption was enabled.
var ErrPlaintext = errors.New("value was stored without encryption")

// Cipher seals individual values. The label is the storage key.
type Cipher interface {
	Seal(label, plaintext string) (string, error)
	Open(label, sealed string) (string, error)
}

// Sealed encrypts the values of selected keys before they reach the
// underlying store. Other keys and the event log pass through untouched.
type Sealed struct {
	Store
	cipher Cipher
	keys   map[string]bool
}

// SealWithKey wraps st so the given keys are encrypted with the base64
// AES key. An empty key returns st unchanged. On a bad key st is closed.
func SealWithKey(st Store, encryptionKey string, keys ...string) (Store, error) {
	if encryptionKey == "" {
		return st, nil
	}
	box, err := secretbox.New(encryptionKey)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("session encryption key: %w", err)
	}
	return NewSealed(st, box, keys...), nil
}

func NewSealed(inner Store, cipher Cipher, keys ...string) *Sealed {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &Sealed{Store: inner, cipher: cipher, keys: set}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	if err != nil || !ok || !s.keys[key] {
		return v, ok, err
	}
	if !secretbox.IsSealed(v) {
		return "", false, fmt.Errorf("unseal %s: %w", key, ErrPlaintext)
	}
	plain, err := s.cipher.Open(key, v)
	if err != nil {
		return "", false, fmt.Errorf("unseal %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	v, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, v)
}

func (s *Sealed) SetAll(ctx context.Context, values map[string]string) error {
	out := make(map[string]string, len(values))
	for k, v := range values {
		sealed, err := s.seal(k, v)
		if err != nil {
			return err
		}
		out[k] = sealed
	}
	return s.Store.SetAll(ctx, out)
}

func (s *Sealed) seal(key, value string) (string, error) {
	if !s.keys[key] {
		return value, nil
	}
	v, err := s.cipher.Seal(key, value)
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", key, err)
	}
	return v, nil
}
