package kms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
	"github.com/eatyourpeas/checktick-sub000/repository"
	"github.com/eatyourpeas/checktick-sub000/storage"
)

type escrowFixture struct {
	escrow    *SurveyKekEscrow
	store     interfaces.SecretStore
	escrows   *repository.MemoryEscrows
	custodian []byte
}

func newEscrowFixture(t *testing.T) *escrowFixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	store := storage.NewMemoryStore()
	split := NewSplitKeyStore(store, logger)

	vaultComponent, err := GenerateComponent()
	require.NoError(t, err)
	custodianComponent, err := GenerateComponent()
	require.NoError(t, err)
	require.NoError(t, split.StoreVaultComponent(ctx, vaultComponent))

	versions := repository.NewMemoryKeyVersions()
	now := time.Now().UTC()
	require.NoError(t, versions.Create(ctx, &interfaces.PlatformKeyVersion{
		VersionID:      "v1",
		VaultComponent: vaultComponent,
		CreatedAt:      now,
		ActivatedAt:    &now,
	}))

	escrows := repository.NewMemoryEscrows()
	return &escrowFixture{
		escrow:    NewSurveyKekEscrow(store, split, escrows, versions, logger),
		store:     store,
		escrows:   escrows,
		custodian: custodianComponent,
	}
}

func randomKEK(t *testing.T) []byte {
	t.Helper()
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)
	return kek
}

func TestEncryptAndStoreDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)
	kek := randomKEK(t)

	hierarchyKey := DeriveUserRecoveryKey(1, f.custodian)
	path := interfaces.SurveyKEKPath(7)

	stored, err := f.escrow.EncryptAndStore(ctx, kek, hierarchyKey, path)
	require.NoError(t, err)
	assert.Equal(t, path, stored)

	got, err := f.escrow.Decrypt(ctx, path, hierarchyKey)
	require.NoError(t, err)
	assert.Equal(t, kek, got)
}

func TestOrgTierKEKWrapRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)
	kek := randomKEK(t)

	platformKey, err := GenerateComponent()
	require.NoError(t, err)
	orgKey := DeriveOrganizationKey(10, "owner passphrase", platformKey)

	path := interfaces.OrgSurveyKEKPath(10, 7)
	_, err = f.escrow.EncryptAndStore(ctx, kek, orgKey, path)
	require.NoError(t, err)

	got, err := f.escrow.Decrypt(ctx, path, orgKey)
	require.NoError(t, err)
	assert.Equal(t, kek, got)

	// A key derived with the wrong passphrase cannot unwrap it.
	wrongKey := DeriveOrganizationKey(10, "wrong passphrase", platformKey)
	_, err = f.escrow.Decrypt(ctx, path, wrongKey)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestDecryptWithWrongKeyFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)
	kek := randomKEK(t)

	hierarchyKey := DeriveUserRecoveryKey(1, f.custodian)
	path := interfaces.SurveyKEKPath(7)
	_, err := f.escrow.EncryptAndStore(ctx, kek, hierarchyKey, path)
	require.NoError(t, err)

	wrongKey := DeriveUserRecoveryKey(2, f.custodian)
	_, err = f.escrow.Decrypt(ctx, path, wrongKey)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestDecryptMissingPath(t *testing.T) {
	f := newEscrowFixture(t)

	_, err := f.escrow.Decrypt(context.Background(), interfaces.SurveyKEKPath(999), make([]byte, 32))
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestEscrowAndRecoverUserSurveyKEK(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)
	kek := randomKEK(t)

	path, err := f.escrow.EscrowUserSurveyKEK(ctx, 42, 7, kek, "user@example.com", f.custodian)
	require.NoError(t, err)
	assert.Equal(t, interfaces.UserRecoveryKEKPath(42, 7), path)

	// The escrow record holds only ciphertext and an empty audit trail.
	doc, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	var record interfaces.RecoveryEscrowRecord
	require.NoError(t, json.Unmarshal(doc, &record))
	assert.Empty(t, record.AuditTrail.AccessedBy)
	assert.NotContains(t, record.EncryptedKEK, "user@example.com")

	recovered, err := f.escrow.RecoverUserSurveyKEK(ctx, 42, 7, "admin-1", "ticket 4711", f.custodian)
	require.NoError(t, err)
	assert.Equal(t, kek, recovered)

	// Bookkeeping row reflects the recovery.
	row, err := f.escrows.Get(ctx, 42, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, row.RecoveredCount)
	assert.Equal(t, "admin-1", row.LastRecoveredBy)
	require.NotNil(t, row.LastRecoveredAt)
	assert.Equal(t, "v1", row.PlatformKeyVersion)

	// The audit trail in the store records the access.
	doc, err = f.store.Get(ctx, path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(doc, &record))
	require.Len(t, record.AuditTrail.AccessedBy, 1)
	assert.Equal(t, "admin-1", record.AuditTrail.AccessedBy[0])
	assert.Len(t, record.AuditTrail.AccessTimestamps, 1)

	// A second recovery appends rather than overwrites.
	_, err = f.escrow.RecoverUserSurveyKEK(ctx, 42, 7, "admin-2", "", f.custodian)
	require.NoError(t, err)
	doc, err = f.store.Get(ctx, path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(doc, &record))
	assert.Equal(t, []string{"admin-1", "admin-2"}, record.AuditTrail.AccessedBy)
}

func TestEscrowRequiresActiveVersion(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	store := storage.NewMemoryStore()
	split := NewSplitKeyStore(store, logger)
	escrow := NewSurveyKekEscrow(store, split, repository.NewMemoryEscrows(), repository.NewMemoryKeyVersions(), logger)

	_, err := escrow.EscrowUserSurveyKEK(ctx, 1, 1, randomKEK(t), "a@b.c", make([]byte, interfaces.PlatformKeyLen))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestEscrowDuplicatePair(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)

	kek := randomKEK(t)
	path, err := f.escrow.EscrowUserSurveyKEK(ctx, 42, 7, kek, "a@b.c", f.custodian)
	require.NoError(t, err)

	_, err = f.escrow.RecoverUserSurveyKEK(ctx, 42, 7, "admin-1", "", f.custodian)
	require.NoError(t, err)

	_, err = f.escrow.EscrowUserSurveyKEK(ctx, 42, 7, randomKEK(t), "a@b.c", f.custodian)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)

	// The failed duplicate must not have touched the stored ciphertext or
	// reset the audit trail.
	recovered, err := f.escrow.RecoverUserSurveyKEK(ctx, 42, 7, "admin-2", "", f.custodian)
	require.NoError(t, err)
	assert.Equal(t, kek, recovered)

	doc, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	var record interfaces.RecoveryEscrowRecord
	require.NoError(t, json.Unmarshal(doc, &record))
	assert.Equal(t, []string{"admin-1", "admin-2"}, record.AuditTrail.AccessedBy)
}

// failingStore wraps another store and fails writes to one path.
type failingStore struct {
	interfaces.SecretStore
	failPath string
}

func (s *failingStore) Put(ctx context.Context, path string, doc []byte) error {
	if path == s.failPath {
		return interfaces.ErrStoreUnavailable
	}
	return s.SecretStore.Put(ctx, path, doc)
}

func TestEscrowRollsBackRowOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()

	path := interfaces.UserRecoveryKEKPath(42, 7)
	store := &failingStore{SecretStore: storage.NewMemoryStore(), failPath: path}
	split := NewSplitKeyStore(store, logger)

	vaultComponent, err := GenerateComponent()
	require.NoError(t, err)
	custodianComponent, err := GenerateComponent()
	require.NoError(t, err)
	require.NoError(t, split.StoreVaultComponent(ctx, vaultComponent))

	versions := repository.NewMemoryKeyVersions()
	now := time.Now().UTC()
	require.NoError(t, versions.Create(ctx, &interfaces.PlatformKeyVersion{
		VersionID:      "v1",
		VaultComponent: vaultComponent,
		CreatedAt:      now,
		ActivatedAt:    &now,
	}))

	escrows := repository.NewMemoryEscrows()
	escrow := NewSurveyKekEscrow(store, split, escrows, versions, logger)

	_, err = escrow.EscrowUserSurveyKEK(ctx, 42, 7, randomKEK(t), "a@b.c", custodianComponent)
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)

	// The bookkeeping row was rolled back, so a retry is not blocked.
	_, err = escrows.Get(ctx, 42, 7)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRecoverWithoutEscrow(t *testing.T) {
	f := newEscrowFixture(t)

	_, err := f.escrow.RecoverUserSurveyKEK(context.Background(), 42, 7, "admin-1", "", f.custodian)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestRecoverWithWrongCustodianComponent(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)

	_, err := f.escrow.EscrowUserSurveyKEK(ctx, 42, 7, randomKEK(t), "a@b.c", f.custodian)
	require.NoError(t, err)

	wrongCustodian, err := GenerateComponent()
	require.NoError(t, err)

	_, err = f.escrow.RecoverUserSurveyKEK(ctx, 42, 7, "admin-1", "", wrongCustodian)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestVerifyUserIdentityEmail(t *testing.T) {
	ctx := context.Background()
	f := newEscrowFixture(t)

	_, err := f.escrow.EscrowUserSurveyKEK(ctx, 42, 7, randomKEK(t), "User@Example.com", f.custodian)
	require.NoError(t, err)

	ok, err := f.escrow.VerifyUserIdentityEmail(ctx, 42, "user@example.com", f.custodian)
	require.NoError(t, err)
	assert.True(t, ok, "email comparison is case-insensitive")

	ok, err = f.escrow.VerifyUserIdentityEmail(ctx, 42, "someone.else@example.com", f.custodian)
	require.NoError(t, err)
	assert.False(t, ok)

	// No escrow means no verdict, not an error.
	ok, err = f.escrow.VerifyUserIdentityEmail(ctx, 99, "user@example.com", f.custodian)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong custodian component cannot decrypt the stored email.
	wrongCustodian, err := GenerateComponent()
	require.NoError(t, err)
	ok, err = f.escrow.VerifyUserIdentityEmail(ctx, 42, "user@example.com", wrongCustodian)
	require.NoError(t, err)
	assert.False(t, ok)
}
