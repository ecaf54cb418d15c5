// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore persists session snapshots keyed by session id.
//
// Snapshots are opaque blobs: the store compresses them with zstd and
// records a BLAKE3 hash of the uncompressed bytes, verified on load so
// a corrupted database surfaces as an error instead of a silently
// broken conversation.
package sessionstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/emberchat/ember/lib/sqlitepool"
)

// ErrNotFound is returned by Load and Delete for an unknown session id.
var ErrNotFound = errors.New("sessionstore: session not found")

// ErrCorrupt is returned by Load when the stored snapshot fails hash
// verification.
var ErrCorrupt = errors.New("sessionstore: snapshot corrupt")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	snapshot   BLOB NOT NULL,
	hash       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Info describes one stored session.
type Info struct {
	ID        string
	UpdatedAt time.Time
	// Size is the stored (compressed) snapshot size in bytes.
	Size int
}

// Store persists session snapshots in a local SQLite database.
// Safe for concurrent use.
type Store struct {
	pool    *sqlitepool.Pool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// Open creates or opens the store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: zstd decoder: %w", err)
	}

	return &Store{pool: pool, encoder: encoder, decoder: decoder, logger: logger}, nil
}

// Save upserts a snapshot under sessionID.
func (store *Store) Save(ctx context.Context, sessionID string, snapshot []byte) error {
	if sessionID == "" {
		return fmt.Errorf("sessionstore: empty session id")
	}
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	hash := blake3.Sum256(snapshot)
	compressed := store.encoder.EncodeAll(snapshot, nil)
	now := time.Now().Unix()

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, snapshot, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			hash       = excluded.hash,
			updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{sessionID, compressed, hash[:], now, now},
	})
	if err != nil {
		return fmt.Errorf("sessionstore: saving %s: %w", sessionID, err)
	}
	store.logger.Debug("session saved",
		"session", sessionID,
		"bytes", len(snapshot),
		"compressed", len(compressed),
	)
	return nil
}

// Load returns the snapshot stored under sessionID. Returns
// [ErrNotFound] for unknown ids and [ErrCorrupt] when the stored blob
// fails hash verification.
func (store *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer store.pool.Put(conn)

	var compressed, storedHash []byte
	found := false
	err = sqlitex.Execute(conn, `
		SELECT snapshot, hash FROM sessions WHERE id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			compressed = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, compressed)
			storedHash = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, storedHash)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading %s: %w", sessionID, err)
	}
	if !found {
		return nil, ErrNotFound
	}

	snapshot, err := store.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompressing: %v", ErrCorrupt, sessionID, err)
	}
	hash := blake3.Sum256(snapshot)
	if !bytes.Equal(hash[:], storedHash) {
		return nil, fmt.Errorf("%w: %s: hash mismatch", ErrCorrupt, sessionID)
	}
	return snapshot, nil
}

// Delete removes a stored session. Returns [ErrNotFound] for unknown
// ids.
func (store *Store) Delete(ctx context.Context, sessionID string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
	})
	if err != nil {
		return fmt.Errorf("sessionstore: deleting %s: %w", sessionID, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored session, most recently updated first.
func (store *Store) List(ctx context.Context) ([]Info, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer store.pool.Put(conn)

	var infos []Info
	err = sqlitex.Execute(conn, `
		SELECT id, updated_at, length(snapshot) FROM sessions
		ORDER BY updated_at DESC, id
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			infos = append(infos, Info{
				ID:        stmt.ColumnText(0),
				UpdatedAt: time.Unix(stmt.ColumnInt64(1), 0),
				Size:      stmt.ColumnInt(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: listing: %w", err)
	}
	return infos, nil
}

// Close releases the database and compressor resources.
func (store *Store) Close() error {
	store.encoder.Close()
	store.decoder.Close()
	return store.pool.Close()
}
