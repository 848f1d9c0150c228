// internal/types/errors.go
package types

import "errors"

// ErrConflict means a storage uniqueness constraint rejected an append.
// It always means the work was already done; callers treat it as a
// successful no-op, never as a failure to retry.
var ErrConflict = errors.New("conflict: already recorded")

// ErrNotFound means a referenced thread or tool call does not exist.
var ErrNotFound = errors.New("not found")
