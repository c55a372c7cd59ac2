// Package storage provides SecretStore adapters for the key escrow backend.
//
// Production deployments use the Vault adapter over HashiCorp Vault's KV v2
// API. A file-backed store supports air-gapped recovery drills and local
// development, and an in-memory store backs the test suites. Adapters are
// created from URIs by the factory:
//
//   - vault://host:port/mount/path?token=...
//   - file:///var/lib/checktick/secrets
//   - memory://
//
// Adapters translate their client library's failures into the tagged
// sentinel errors in the interfaces package: ErrKeyNotFound for absent paths
// and ErrStoreUnavailable for transport or auth failures. Callers never
// inspect client error types.
package storage
