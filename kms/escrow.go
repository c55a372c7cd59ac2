package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

const gcmNonceLen = 12

// SurveyKekEscrow wraps and unwraps per-survey data encryption keys (KEKs)
// under hierarchy keys, and maintains the per-user ethical-recovery escrow:
// a copy of the KEK wrapped under the user's recovery key, together with the
// user's email wrapped under an independent key for identity verification,
// and an append-only audit trail.
type SurveyKekEscrow struct {
	store    interfaces.SecretStore
	split    *SplitKeyStore
	escrows  interfaces.EscrowRepository
	versions interfaces.KeyVersionRepository
	log      *slog.Logger

	now func() time.Time
}

// NewSurveyKekEscrow wires the escrow service to its collaborators.
func NewSurveyKekEscrow(store interfaces.SecretStore, split *SplitKeyStore, escrows interfaces.EscrowRepository, versions interfaces.KeyVersionRepository, log *slog.Logger) *SurveyKekEscrow {
	return &SurveyKekEscrow{
		store:    store,
		split:    split,
		escrows:  escrows,
		versions: versions,
		log:      log,
		now:      time.Now,
	}
}

// EncryptAndStore wraps a survey KEK under the given hierarchy key and
// stores the ciphertext at path. The per-path encryption key is derived from
// the hierarchy key with the path as salt; the ciphertext is a fresh
// 12-byte nonce followed by the AES-256-GCM output. Returns the path.
func (e *SurveyKekEscrow) EncryptAndStore(ctx context.Context, surveyKEK, hierarchyKey []byte, path string) (string, error) {
	pathKey := DerivePathKey(hierarchyKey, path)
	defer Zeroize(pathKey)

	ciphertext, err := sealWithKey(pathKey, surveyKEK)
	if err != nil {
		return "", err
	}

	doc, err := json.Marshal(interfaces.SurveyKEKRecord{EncryptedKEK: hex.EncodeToString(ciphertext)})
	if err != nil {
		return "", fmt.Errorf("encoding KEK record: %w", err)
	}

	if err := e.store.Put(ctx, path, doc); err != nil {
		return "", fmt.Errorf("storing wrapped KEK: %w", err)
	}

	e.log.Info("Stored wrapped survey KEK", slog.String("path", path))
	return path, nil
}

// Decrypt unwraps the survey KEK stored at path with the given hierarchy
// key. A wrong key surfaces as ErrAuthenticationFailure via the AEAD tag
// check; there is no separate wrong-key detection.
func (e *SurveyKekEscrow) Decrypt(ctx context.Context, path string, hierarchyKey []byte) ([]byte, error) {
	doc, err := e.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading wrapped KEK: %w", err)
	}

	var record interfaces.SurveyKEKRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("decoding KEK record: %w", err)
	}

	ciphertext, err := hex.DecodeString(record.EncryptedKEK)
	if err != nil {
		return nil, fmt.Errorf("decoding KEK ciphertext hex: %w", err)
	}

	pathKey := DerivePathKey(hierarchyKey, path)
	defer Zeroize(pathKey)

	return openWithKey(pathKey, ciphertext)
}

// Delete removes the wrapped KEK at path irreversibly.
func (e *SurveyKekEscrow) Delete(ctx context.Context, path string) error {
	if err := e.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("deleting wrapped KEK: %w", err)
	}
	e.log.Info("Deleted wrapped survey KEK", slog.String("path", path))
	return nil
}

// EscrowUserSurveyKEK creates the ethical-recovery escrow for one user's
// survey KEK. The KEK is wrapped under the user's recovery key (derived from
// the platform master key, reconstructed here from the custodian component),
// the user's email is wrapped under an independent key for later identity
// verification, and both ciphertexts plus an empty audit trail are written to
// the user's recovery path. A bookkeeping row referencing the active platform
// key version is created alongside. Returns the store path.
func (e *SurveyKekEscrow) EscrowUserSurveyKEK(ctx context.Context, userID, surveyID int64, surveyKEK []byte, userEmail string, custodianComponent []byte) (string, error) {
	active, err := e.versions.Active(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving active platform key version: %w", err)
	}

	path := interfaces.UserRecoveryKEKPath(userID, surveyID)

	recoveryKey, err := e.userRecoveryKey(ctx, userID, custodianComponent)
	if err != nil {
		return "", err
	}
	defer Zeroize(recoveryKey)

	kekKey := DerivePathKey(recoveryKey, path)
	defer Zeroize(kekKey)
	emailKey := DerivePathKey(recoveryKey, path+"/email")
	defer Zeroize(emailKey)

	encryptedKEK, err := sealWithKey(kekKey, surveyKEK)
	if err != nil {
		return "", err
	}
	encryptedEmail, err := sealWithKey(emailKey, []byte(userEmail))
	if err != nil {
		return "", err
	}

	record := interfaces.RecoveryEscrowRecord{
		EncryptedKEK:   hex.EncodeToString(encryptedKEK),
		EncryptedEmail: hex.EncodeToString(encryptedEmail),
		AuditTrail: interfaces.AuditTrail{
			AccessedBy:       []string{},
			AccessTimestamps: []time.Time{},
		},
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding recovery escrow record: %w", err)
	}

	// The row create is the uniqueness gate for the (user, survey) pair. It
	// must precede the ciphertext write so a duplicate attempt can never
	// clobber an existing escrow's ciphertext or reset its audit trail.
	err = e.escrows.Create(ctx, &interfaces.UserSurveyKEKEscrow{
		UserID:             userID,
		SurveyID:           surveyID,
		PlatformKeyVersion: active.VersionID,
		StorePath:          path,
		RecoveredCount:     0,
		CreatedAt:          e.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("recording escrow row: %w", err)
	}

	if err := e.store.Put(ctx, path, doc); err != nil {
		// Roll the row back so a retry is not blocked by a row pointing at
		// a document that was never written.
		if delErr := e.escrows.Delete(ctx, userID, surveyID); delErr != nil {
			e.log.Error("Failed to roll back escrow row after store failure",
				slog.Int64("user_id", userID),
				slog.Int64("survey_id", surveyID),
				"err", delErr)
		}
		return "", fmt.Errorf("storing recovery escrow: %w", err)
	}

	e.log.Info("Escrowed user survey KEK",
		slog.Int64("user_id", userID),
		slog.Int64("survey_id", surveyID),
		slog.String("path", path),
		slog.String("platform_key_version", active.VersionID))
	return path, nil
}

// RecoverUserSurveyKEK decrypts a user's escrowed survey KEK, appends the
// recovering admin to the audit trail, and updates the bookkeeping row.
// Fails with ErrKeyNotFound if no escrow exists for the pair. The caller
// owns the returned KEK and must Zeroize it after use.
//
// The audit trail update is read-modify-write without transactional
// isolation. Recovery is an extremely low-frequency, human-gated operation;
// the row update itself still goes through the repository's revision check.
func (e *SurveyKekEscrow) RecoverUserSurveyKEK(ctx context.Context, userID, surveyID int64, adminID, verificationNotes string, custodianComponent []byte) ([]byte, error) {
	escrowRow, err := e.escrows.Get(ctx, userID, surveyID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("no escrow for user %d survey %d: %w", userID, surveyID, interfaces.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("loading escrow row: %w", err)
	}

	doc, err := e.store.Get(ctx, escrowRow.StorePath)
	if err != nil {
		return nil, fmt.Errorf("reading recovery escrow: %w", err)
	}

	var record interfaces.RecoveryEscrowRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return nil, fmt.Errorf("decoding recovery escrow record: %w", err)
	}

	ciphertext, err := hex.DecodeString(record.EncryptedKEK)
	if err != nil {
		return nil, fmt.Errorf("decoding KEK ciphertext hex: %w", err)
	}

	recoveryKey, err := e.userRecoveryKey(ctx, userID, custodianComponent)
	if err != nil {
		return nil, err
	}
	defer Zeroize(recoveryKey)

	kekKey := DerivePathKey(recoveryKey, escrowRow.StorePath)
	defer Zeroize(kekKey)

	surveyKEK, err := openWithKey(kekKey, ciphertext)
	if err != nil {
		return nil, err
	}

	recoveredAt := e.now().UTC()
	record.AuditTrail.Append(adminID, recoveredAt)
	updatedDoc, err := json.Marshal(record)
	if err != nil {
		Zeroize(surveyKEK)
		return nil, fmt.Errorf("encoding updated escrow record: %w", err)
	}
	if err := e.store.Put(ctx, escrowRow.StorePath, updatedDoc); err != nil {
		Zeroize(surveyKEK)
		return nil, fmt.Errorf("persisting audit trail: %w", err)
	}

	escrowRow.RecoveredCount++
	escrowRow.LastRecoveredAt = &recoveredAt
	escrowRow.LastRecoveredBy = adminID
	if err := e.escrows.Save(ctx, escrowRow); err != nil {
		Zeroize(surveyKEK)
		return nil, fmt.Errorf("updating escrow row: %w", err)
	}

	e.log.Info("Recovered user survey KEK",
		slog.Int64("user_id", userID),
		slog.Int64("survey_id", surveyID),
		slog.String("admin_id", adminID),
		slog.String("verification_notes", verificationNotes),
		slog.Int("recovered_count", escrowRow.RecoveredCount))
	return surveyKEK, nil
}

// VerifyUserIdentityEmail checks a claimed email against the email ciphertext
// stored with any one of the user's escrows, using the same derivation as at
// escrow time. Returns false, not an error, when the user has no escrow or
// the ciphertext does not decrypt; transport failures are still errors.
func (e *SurveyKekEscrow) VerifyUserIdentityEmail(ctx context.Context, userID int64, claimedEmail string, custodianComponent []byte) (bool, error) {
	rows, err := e.escrows.ListByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("listing escrows: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}

	row := rows[0]
	doc, err := e.store.Get(ctx, row.StorePath)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading recovery escrow: %w", err)
	}

	var record interfaces.RecoveryEscrowRecord
	if err := json.Unmarshal(doc, &record); err != nil {
		return false, fmt.Errorf("decoding recovery escrow record: %w", err)
	}

	ciphertext, err := hex.DecodeString(record.EncryptedEmail)
	if err != nil {
		return false, fmt.Errorf("decoding email ciphertext hex: %w", err)
	}

	recoveryKey, err := e.userRecoveryKey(ctx, userID, custodianComponent)
	if err != nil {
		return false, err
	}
	defer Zeroize(recoveryKey)

	emailKey := DerivePathKey(recoveryKey, row.StorePath+"/email")
	defer Zeroize(emailKey)

	storedEmail, err := openWithKey(emailKey, ciphertext)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthenticationFailure) {
			return false, nil
		}
		return false, err
	}
	defer Zeroize(storedEmail)

	return strings.EqualFold(string(storedEmail), claimedEmail), nil
}

// userRecoveryKey reconstructs the platform master key from the custodian
// component and derives the user's recovery key from it. The platform key is
// zeroed before this function returns.
func (e *SurveyKekEscrow) userRecoveryKey(ctx context.Context, userID int64, custodianComponent []byte) ([]byte, error) {
	platformKey, err := e.split.PlatformMasterKey(ctx, custodianComponent)
	if err != nil {
		return nil, err
	}
	defer Zeroize(platformKey)

	return DeriveUserRecoveryKey(userID, platformKey), nil
}

// sealWithKey encrypts plaintext with AES-256-GCM under a fresh 12-byte
// nonce and returns nonce || ciphertext.
func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openWithKey decrypts nonce || ciphertext produced by sealWithKey. An AEAD
// tag mismatch means the key is wrong and is reported as
// ErrAuthenticationFailure, distinct from "not found".
func openWithKey(key, data []byte) ([]byte, error) {
	if len(data) < gcmNonceLen {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", interfaces.ErrInvalidParameter)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aead.Open(nil, data[:gcmNonceLen], data[gcmNonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
	}

	return plaintext, nil
}
