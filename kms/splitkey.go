package kms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// SplitKeyStore materializes the platform master key from its two halves:
// the vault component read from the secret store and the custodian component
// supplied by the caller. Neither half alone reveals anything about the key,
// and the full key is never persisted anywhere.
type SplitKeyStore struct {
	store interfaces.SecretStore
	log   *slog.Logger
}

// NewSplitKeyStore creates a split key store over the given secret store.
func NewSplitKeyStore(store interfaces.SecretStore, log *slog.Logger) *SplitKeyStore {
	return &SplitKeyStore{store: store, log: log}
}

// PlatformMasterKey reads the vault component from the store and combines it
// with the custodian component. Fails with ErrKeyNotFound if no vault
// component has been activated, and with ErrLengthMismatch if the components
// disagree in length. The caller owns the returned buffer and must Zeroize
// it as soon as it is no longer needed.
func (s *SplitKeyStore) PlatformMasterKey(ctx context.Context, custodianComponent []byte) ([]byte, error) {
	doc, err := s.store.Get(ctx, interfaces.PlatformMasterKeyPath())
	if err != nil {
		return nil, fmt.Errorf("reading vault component: %w", err)
	}

	var record interfaces.PlatformKeyRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("decoding vault component record: %w", err)
	}

	vaultComponent, err := hex.DecodeString(record.VaultComponent)
	if err != nil {
		return nil, fmt.Errorf("decoding vault component hex: %w", err)
	}
	defer Zeroize(vaultComponent)

	return XORBytes(vaultComponent, custodianComponent)
}

// StoreVaultComponent writes the vault component to the fixed platform
// master key path, replacing any prior value.
func (s *SplitKeyStore) StoreVaultComponent(ctx context.Context, vaultComponent []byte) error {
	if len(vaultComponent) != interfaces.PlatformKeyLen {
		return fmt.Errorf("%w: vault component must be %d bytes", interfaces.ErrLengthMismatch, interfaces.PlatformKeyLen)
	}

	doc, err := json.Marshal(interfaces.PlatformKeyRecord{
		VaultComponent: hex.EncodeToString(vaultComponent),
	})
	if err != nil {
		return fmt.Errorf("encoding vault component record: %w", err)
	}

	if err := s.store.Put(ctx, interfaces.PlatformMasterKeyPath(), doc); err != nil {
		return fmt.Errorf("writing vault component: %w", err)
	}

	s.log.Info("Stored vault component",
		slog.String("path", interfaces.PlatformMasterKeyPath()),
		slog.String("store", s.store.Name()))
	return nil
}

// XORBytes combines two equal-length byte strings. Fails with
// ErrLengthMismatch otherwise; lengths are never silently coerced.
func XORBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d vs %d bytes", interfaces.ErrLengthMismatch, len(a), len(b))
	}

	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// GenerateComponent returns a fresh random 64-byte key component.
func GenerateComponent() ([]byte, error) {
	component := make([]byte, interfaces.PlatformKeyLen)
	if _, err := rand.Read(component); err != nil {
		return nil, fmt.Errorf("failed to generate key component: %w", err)
	}
	return component, nil
}
