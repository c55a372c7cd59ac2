// Package interfaces defines the shared types, interfaces, and errors used
// throughout the key escrow backend.
//
// It contains:
//
//   - Domain records: PlatformKeyVersion, UserSurveyKEKEscrow, RecoveryRequest
//   - The SecretStore interface over the external secret store (Vault-style
//     key-value API) together with the fixed path layout
//   - Repository interfaces for durable records, with optimistic-concurrency
//     save semantics
//   - Sentinel errors shared by all packages
//
// This package has no dependencies on other packages in the project,
// making it suitable for import by any component without creating
// dependency cycles.
package interfaces
