package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
	"github.com/eatyourpeas/checktick-sub000/kms"
)

// KeyVersionRegistry is the domain service for PlatformKeyVersion records.
// It operates on plain value structs and persists through the repository, so
// the key lifecycle logic is testable without a database.
type KeyVersionRegistry struct {
	versions interfaces.KeyVersionRepository
	split    *kms.SplitKeyStore
	log      *slog.Logger

	now func() time.Time
}

// NewKeyVersionRegistry creates a registry over the given repository and
// split key store.
func NewKeyVersionRegistry(versions interfaces.KeyVersionRepository, split *kms.SplitKeyStore, log *slog.Logger) *KeyVersionRegistry {
	return &KeyVersionRegistry{
		versions: versions,
		split:    split,
		log:      log,
		now:      time.Now,
	}
}

// CreateVersion records a new, not-yet-active platform key version holding
// the given vault component. Fails with ErrAlreadyExists on a duplicate id.
func (r *KeyVersionRegistry) CreateVersion(ctx context.Context, versionID string, vaultComponent []byte, notes string) (*interfaces.PlatformKeyVersion, error) {
	if len(vaultComponent) != interfaces.PlatformKeyLen {
		return nil, fmt.Errorf("%w: vault component must be %d bytes", interfaces.ErrLengthMismatch, interfaces.PlatformKeyLen)
	}

	version := &interfaces.PlatformKeyVersion{
		VersionID:      versionID,
		VaultComponent: append([]byte(nil), vaultComponent...),
		CreatedAt:      r.now().UTC(),
		Notes:          notes,
	}

	if err := r.versions.Create(ctx, version); err != nil {
		return nil, fmt.Errorf("creating key version %q: %w", versionID, err)
	}

	r.log.Info("Created platform key version", slog.String("version_id", versionID))
	return version, nil
}

// Activate makes the given version the active one. If another version is
// currently active it is retired in the same atomic save, so no observer
// ever sees two active versions. The new active vault component is mirrored
// to the secret store.
func (r *KeyVersionRegistry) Activate(ctx context.Context, versionID string) error {
	version, err := r.versions.Get(ctx, versionID)
	if err != nil {
		return fmt.Errorf("loading key version %q: %w", versionID, err)
	}

	now := r.now().UTC()

	previous, err := r.versions.Active(ctx)
	switch {
	case err == nil && previous.VersionID != versionID:
		previous.RetiredAt = &now
		version.ActivatedAt = &now
		version.RetiredAt = nil
		if err := r.versions.Save(ctx, previous, version); err != nil {
			return fmt.Errorf("activating key version %q: %w", versionID, err)
		}
		r.log.Info("Retired previously active key version", slog.String("version_id", previous.VersionID))
	case err == nil:
		// Already active. Fall through to the mirror write so re-running
		// activation repairs a mirror that failed after the records were
		// persisted.
	case errors.Is(err, interfaces.ErrNotFound):
		version.ActivatedAt = &now
		version.RetiredAt = nil
		if err := r.versions.Save(ctx, version); err != nil {
			return fmt.Errorf("activating key version %q: %w", versionID, err)
		}
	default:
		return fmt.Errorf("resolving active key version: %w", err)
	}

	if err := r.split.StoreVaultComponent(ctx, version.VaultComponent); err != nil {
		return fmt.Errorf("mirroring vault component for %q: %w", versionID, err)
	}

	r.log.Info("Activated platform key version", slog.String("version_id", versionID))
	return nil
}

// Retire marks a version retired regardless of its activation state.
func (r *KeyVersionRegistry) Retire(ctx context.Context, versionID string) error {
	version, err := r.versions.Get(ctx, versionID)
	if err != nil {
		return fmt.Errorf("loading key version %q: %w", versionID, err)
	}

	now := r.now().UTC()
	version.RetiredAt = &now
	if err := r.versions.Save(ctx, version); err != nil {
		return fmt.Errorf("retiring key version %q: %w", versionID, err)
	}

	r.log.Info("Retired platform key version", slog.String("version_id", versionID))
	return nil
}

// ActiveVersion returns the unique active version, or ErrNotFound if none.
func (r *KeyVersionRegistry) ActiveVersion(ctx context.Context) (*interfaces.PlatformKeyVersion, error) {
	return r.versions.Active(ctx)
}

// NeedsShareRotation reports whether the version's custodian shares are older
// than the rotation policy allows, measured from the later of the last
// rotation and activation.
func (r *KeyVersionRegistry) NeedsShareRotation(version *interfaces.PlatformKeyVersion, policyDays int) bool {
	var reference time.Time
	if version.ActivatedAt != nil {
		reference = *version.ActivatedAt
	}
	if version.SharesLastRotated != nil && version.SharesLastRotated.After(reference) {
		reference = *version.SharesLastRotated
	}
	if reference.IsZero() {
		return false
	}
	return r.now().Sub(reference) > time.Duration(policyDays)*24*time.Hour
}

// RotateShares performs rotation option A on the active version: the platform
// key is reconstructed from the existing custodian component and the stored
// vault component, a new random vault component is generated, and the
// custodian component is recomputed so the platform key is unchanged. The
// returned custodian component must be split into fresh shares and
// distributed; the caller must Zeroize it afterwards. Old surveys remain
// decryptable because the platform key did not change.
func (r *KeyVersionRegistry) RotateShares(ctx context.Context, custodianComponent []byte) ([]byte, error) {
	version, err := r.versions.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving active key version: %w", err)
	}

	platformKey, err := r.split.PlatformMasterKey(ctx, custodianComponent)
	if err != nil {
		return nil, fmt.Errorf("reconstructing platform key: %w", err)
	}
	defer kms.Zeroize(platformKey)

	newVaultComponent, err := kms.GenerateComponent()
	if err != nil {
		return nil, err
	}

	newCustodianComponent, err := kms.XORBytes(platformKey, newVaultComponent)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	version.VaultComponent = newVaultComponent
	version.SharesLastRotated = &now
	if err := r.versions.Save(ctx, version); err != nil {
		kms.Zeroize(newCustodianComponent)
		return nil, fmt.Errorf("persisting rotated vault component: %w", err)
	}

	if err := r.split.StoreVaultComponent(ctx, newVaultComponent); err != nil {
		kms.Zeroize(newCustodianComponent)
		return nil, fmt.Errorf("mirroring rotated vault component: %w", err)
	}

	r.log.Info("Rotated custodian shares, platform key unchanged",
		slog.String("version_id", version.VersionID))
	return newCustodianComponent, nil
}

// RotatePlatformKey performs rotation option B: a brand-new platform key is
// generated as a new version and activated, retiring the previous one. The
// previous version is retained because existing escrows still reference it.
// The returned custodian component must be split into shares and distributed;
// the caller must Zeroize it afterwards.
func (r *KeyVersionRegistry) RotatePlatformKey(ctx context.Context, versionID, notes string) ([]byte, *interfaces.PlatformKeyVersion, error) {
	vaultComponent, err := kms.GenerateComponent()
	if err != nil {
		return nil, nil, err
	}
	custodianComponent, err := kms.GenerateComponent()
	if err != nil {
		return nil, nil, err
	}

	version, err := r.CreateVersion(ctx, versionID, vaultComponent, notes)
	if err != nil {
		kms.Zeroize(custodianComponent)
		return nil, nil, err
	}

	if err := r.Activate(ctx, versionID); err != nil {
		kms.Zeroize(custodianComponent)
		return nil, nil, err
	}

	version, err = r.versions.Get(ctx, versionID)
	if err != nil {
		kms.Zeroize(custodianComponent)
		return nil, nil, fmt.Errorf("reloading key version %q: %w", versionID, err)
	}

	r.log.Info("Rotated platform key to new version", slog.String("version_id", versionID))
	return custodianComponent, version, nil
}
