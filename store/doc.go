// Package store provides the persisted ownership store.
//
// The store package maps (user identity, sandbox identity) pairs to
// authorization facts and keeps the sandbox lifecycle records backing
// the identity registry. It is implemented on SQLite via GORM using the
// pure-Go glebarez driver, with WAL journaling for safe concurrent
// reads alongside inserts and deletes.
//
// The ownership contract is IsOwner(userID, sandboxID): a missing record
// always means no access, independent of whether the environment handle
// still resolves.
package store
