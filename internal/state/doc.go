// Package state provides SQLite-backed storage for threads, their
// append-only event logs, and out-of-line artifacts.
package state

import "github.com/user/threadcore/internal/types"

// Compile-time interface compliance checks.
var _ types.ThreadStore = (*Store)(nil)
var _ types.EventStore = (*Store)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
