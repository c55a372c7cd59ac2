// Package main (cmd/operator) is the administrative command line for the
// split-knowledge key management system. It covers the full operational
// surface: creating and activating platform key versions, rotating custodian
// shares without changing the platform master key, rotating the platform
// master key itself, escrowing survey key-encryption-keys, and driving the
// dual-admin, time-delayed recovery workflow through to execution.
//
// Commands that need the custodian component take it as a quorum of --share
// flags and reconstruct it in memory for the duration of the command. The
// custodian component is never written to any store.
package main
