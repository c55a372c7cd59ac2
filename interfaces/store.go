package interfaces

import (
	"context"
	"fmt"
)

// SecretStore is the narrow boundary to the external secret store, a
// versioned key-value API reachable over the network (Vault in production).
// Values are JSON documents. Implementations return the tagged sentinel
// errors from this package rather than leaking their client library's error
// types: ErrKeyNotFound for absent paths and ErrStoreUnavailable for
// transport or auth failures.
type SecretStore interface {
	// Get retrieves the JSON document at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put writes the JSON document at path, overwriting any prior value.
	Put(ctx context.Context, path string, doc []byte) error

	// Delete removes the value at path irreversibly. Deleting an absent
	// path is not an error.
	Delete(ctx context.Context, path string) error

	// Available checks whether the store is reachable and unsealed.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string
}

// Fixed secret-store path layout. Already-issued escrows reference these
// paths, so the layout must not change without a migration.
const platformMasterKeyPath = "platform/master-key"

// PlatformMasterKeyPath returns the path holding the active vault component.
func PlatformMasterKeyPath() string {
	return platformMasterKeyPath
}

// OrganizationKeyPath returns the metadata path for an organization key.
// No raw key material is stored there.
func OrganizationKeyPath(orgID int64) string {
	return fmt.Sprintf("organizations/%d/master-key", orgID)
}

// TeamKeyPath returns the metadata path for a team key.
func TeamKeyPath(teamID int64) string {
	return fmt.Sprintf("teams/%d/team-key", teamID)
}

// SurveyKEKPath returns the path for a survey KEK wrapped under a hierarchy
// key.
func SurveyKEKPath(surveyID int64) string {
	return fmt.Sprintf("surveys/%d/kek", surveyID)
}

// OrgSurveyKEKPath returns the path for a survey KEK wrapped under an
// organization-tier key.
func OrgSurveyKEKPath(orgID, surveyID int64) string {
	return fmt.Sprintf("organizations/%d/surveys/%d/kek", orgID, surveyID)
}

// UserRecoveryKEKPath returns the path for a user's ethical-recovery escrow
// of one survey's KEK.
func UserRecoveryKEKPath(userID, surveyID int64) string {
	return fmt.Sprintf("users/%d/surveys/%d/recovery-kek", userID, surveyID)
}
