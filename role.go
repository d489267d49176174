package sharedmap

import (
	"fmt"
	"os"
	"strings"
)

// Role is whether a map is the single writer or a read-only follower.
type Role uint8

const (
	UnspecifiedRole Role = iota
	ParentRole
	ChildRole
)

func (r Role) String() string {
	switch r {
	case ParentRole:
		return "parent"
	case ChildRole:
		return "child"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole parses "parent" or "child", case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parent", "main":
		return ParentRole, nil
	case "child", "content":
		return ChildRole, nil
	default:
		return UnspecifiedRole, fmt.Errorf("unknown role %q (want parent or child)", s)
	}
}

// RoleFromEnv reads the role from the named environment variable.
// An unset variable means the parent role.
//
// Library code should pass a Role explicitly;
// this exists for process entry points.
func RoleFromEnv(name string) (Role, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return ParentRole, nil
	}
	return ParseRole(v)
}
