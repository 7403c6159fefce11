package recorder

import (
	"fmt"
	"strings"
)

// DuplicatePolicy resolves a fetched record whose key is already present.
type DuplicatePolicy string

const (
	// PolicyOverwrite replaces the stored fields.
	PolicyOverwrite DuplicatePolicy = "overwrite"
	// PolicyAdd keeps the stored value; skipped writes are counted and logged.
	PolicyAdd DuplicatePolicy = "add"
	// PolicyIgnore keeps the stored value silently.
	PolicyIgnore DuplicatePolicy = "ignore"
)

// ParseDuplicatePolicy defaults to add, matching the index recorders.
func ParseDuplicatePolicy(raw string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicyAdd, nil
	case PolicyOverwrite, PolicyAdd, PolicyIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("recorder: unknown duplicate policy %q", raw)
	}
}

// Overwrites reports whether colliding records replace stored ones.
func (p DuplicatePolicy) Overwrites() bool { return p == PolicyOverwrite }
