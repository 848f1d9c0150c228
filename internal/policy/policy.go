// internal/policy/policy.go

// Package policy decides whether a tool may run without asking.
package policy

import (
	"fmt"

	"github.com/user/threadcore/internal/types"
)

// Compile-time interface compliance check.
var _ types.PolicyProvider = (*Table)(nil)

// Table is a static tool-name -> mode map with a fallback for unlisted
// tools. It is pure: construction validates everything up front and Decide
// has no side effects.
type Table struct {
	modes    map[string]types.PolicyMode
	fallback types.PolicyMode
}

// NewTable builds a Table from config strings. Unknown modes are rejected at
// construction so a typo in config fails startup instead of silently
// auto-approving.
func NewTable(rules map[string]string, fallback string) (*Table, error) {
	fb, err := parseMode(fallback)
	if err != nil {
		return nil, fmt.Errorf("policy fallback: %w", err)
	}

	modes := make(map[string]types.PolicyMode, len(rules))
	for tool, raw := range rules {
		mode, err := parseMode(raw)
		if err != nil {
			return nil, fmt.Errorf("policy for tool %q: %w", tool, err)
		}
		modes[tool] = mode
	}

	return &Table{modes: modes, fallback: fb}, nil
}

// Decide returns the gating mode for the tool name.
func (t *Table) Decide(tool string) types.PolicyMode {
	if mode, ok := t.modes[tool]; ok {
		return mode
	}
	return t.fallback
}

func parseMode(raw string) (types.PolicyMode, error) {
	switch types.PolicyMode(raw) {
	case types.PolicyAllow, types.PolicyAsk, types.PolicyDeny:
		return types.PolicyMode(raw), nil
	case "":
		return types.PolicyAsk, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", raw)
	}
}
