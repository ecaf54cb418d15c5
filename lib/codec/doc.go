// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for Ember's
// persistence surfaces. Session snapshots are serialized here before
// being handed to the session store, which treats them as opaque
// bytes.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// The same logical snapshot always produces identical bytes, which
// makes content hashing of stored snapshots meaningful.
package codec
