// Package kms implements the cryptographic core of the key escrow backend:
// Shamir's Secret Sharing over a fixed 1024-bit prime field, the
// split-knowledge platform master key (vault component XOR custodian
// component), the deterministic key hierarchy, and the per-user survey KEK
// escrow.
//
// The platform master key is never stored whole. The vault component lives
// only in the secret store; the custodian component lives only as Shamir
// shares held by human custodians. Reconstruction of the full key happens in
// memory, inside the smallest possible scope, and every buffer holding key
// material is zeroed before it goes out of scope.
package kms
