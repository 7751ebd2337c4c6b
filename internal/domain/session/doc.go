// Package session owns the in-memory session registry: creation with
// isolated working directories, the active/idle/busy/closed lifecycle,
// the per-session execution lock, startup recovery (legacy migration,
// missing-directory skips, busy/closed reset, orphan adoption), and the
// background sweeps that keep the registry honest.
//
// One mutex guards the registry; durability is delegated to a Store.
package session
