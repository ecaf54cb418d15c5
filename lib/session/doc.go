// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the conversation state for one chat session:
// the ordered message history, token accounting, compaction,
// checkpoint/rollback, and repair of broken tool-call pairings.
//
// [Session] is the authoritative answer to two questions the rest of
// the client keeps asking: "how much context is left" and "what goes
// to the model next". Token counts start as heuristic estimates from
// [Estimator] and switch to provider-reported totals once any real
// usage report arrives; a compaction reverts accounting to heuristic
// until the next report.
//
// Session is not safe for concurrent use. The message queue owns it
// exclusively for the duration of a turn; reading a snapshot between
// turns (for token-usage display) is fine, mutating concurrently with
// an active round is not.
package session
