package kms

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// KDFIterations is the PBKDF2-HMAC-SHA256 iteration count for every
// derivation in the key hierarchy.
const KDFIterations = 200_000

// The hierarchy derivations are pure functions: the same inputs always
// produce the same key, which is what makes later recovery possible. Salts
// are context-specific and deterministic, so keys for different users,
// organizations, teams, and paths are cryptographically unlinkable.

// deriveKey is the shared KDF pattern for the whole hierarchy.
func deriveKey(input []byte, salt string) []byte {
	return pbkdf2.Key(input, []byte(salt), KDFIterations, interfaces.DerivedKeyLen, sha256.New)
}

// DeriveUserRecoveryKey derives a user's ethical-recovery key from the
// platform master key.
func DeriveUserRecoveryKey(userID int64, platformKey []byte) []byte {
	return deriveKey(platformKey, fmt.Sprintf("user-recovery-%d", userID))
}

// DeriveOrganizationKey derives an organization key from the platform master
// key and the organization owner's passphrase, salted with the organization's
// store path. Nobody without both platform custodian access and the
// passphrase can derive it: split knowledge at the organization tier.
func DeriveOrganizationKey(orgID int64, ownerPassphrase string, platformKey []byte) []byte {
	input := make([]byte, 0, len(platformKey)+len(ownerPassphrase))
	input = append(input, platformKey...)
	input = append(input, []byte(ownerPassphrase)...)
	defer Zeroize(input)

	return deriveKey(input, interfaces.OrganizationKeyPath(orgID))
}

// DeriveTeamKey derives a team key from its organization's key, salted with
// the team's store path.
func DeriveTeamKey(teamID int64, orgKey []byte) []byte {
	return deriveKey(orgKey, interfaces.TeamKeyPath(teamID))
}

// DerivePathKey derives the encryption key for a specific secret-store path
// from any hierarchy key. The path itself is the salt, so a wrapped KEK can
// only be unwrapped at the path it was escrowed to.
func DerivePathKey(hierarchyKey []byte, path string) []byte {
	return deriveKey(hierarchyKey, path)
}
