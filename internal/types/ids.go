// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ThreadID string
type EventID string
type RunID string
type ToolCallID string
type ArtifactID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewToolCallID() ToolCallID {
	return ToolCallID(uuid.New().String())
}

func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New().String())
}
