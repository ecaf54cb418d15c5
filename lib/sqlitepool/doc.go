// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the standard SQLite connection pool for
// Ember's local storage. It wraps zombiezen.com/go/sqlite with the
// defaults a single-user client wants: WAL journal mode, NORMAL
// synchronous, a busy timeout for write contention, and foreign keys
// enforced.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back. Connections are NOT safe for concurrent use — each goroutine
// must hold its own connection for the duration of its work.
//
// The package is intentionally thin: it applies pragmas and exposes
// the underlying zombiezen types directly. Consumers write SQL and use
// sqlitex.Execute; there is no query builder.
package sqlitepool
