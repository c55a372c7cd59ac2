// Package repository provides durable storage for the domain records:
// platform key versions, escrow rows, and recovery requests.
//
// Two implementations exist. The Postgres implementation (pgx) is the
// production one; every row carries a revision counter and updates are
// compare-and-swap on that revision, which is how "at most one active key
// version" and "one approval per step" hold under concurrent admins. The
// in-memory implementation mirrors the same semantics for tests.
package repository
