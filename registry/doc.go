// Package registry manages the lifecycle of platform master key versions:
// creation, activation, retirement, and the two rotation procedures.
//
// Rotation option A reshares the same platform key: the existing custodian
// component and stored vault component are combined, a new random vault
// component is generated, and the custodian component is recomputed so the
// platform key itself never changes. Existing escrows keep decrypting.
//
// Rotation option B mints a brand-new platform key as a new version and
// activates it. Retired versions are retained indefinitely because escrow
// rows still reference them for recovery.
//
// The registry is a stateless domain service over a repository; the
// repository's atomic save is what guarantees that at most one version is
// ever active, even under concurrent admin actions.
package registry
