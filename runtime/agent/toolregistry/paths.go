// Package toolregistry implements the Tool Registry (spec §4.4): a static
// mapping from tool name to handler, plus the built-in managed:// and fs://
// handlers. Handlers are pure with respect to session state — they never
// mutate the session directly; all effects propagate back through a Task's
// TaskDone outcome.
package toolregistry

import (
	"fmt"
	"path"
	"strings"
)

// ManagedPath is a parsed managed://agent/<id>/<field> or
// managed://user/<id>/<field> address (spec §4.4, §6).
type ManagedPath struct {
	// Kind is "agent" or "user".
	Kind string
	// ID is the agent or user identifier.
	ID string
	// Field is the managed field name (e.g. "SOUL.md").
	Field string
}

// ErrPathEscape is returned when a fs:// path resolves outside the
// configured workspace root, or when profile.write names a managed:// field
// outside the profile kind's fixed managed-field set (spec §4.4, invariant
// P7). Malformed managed:// paths fail ParseManagedPath with a plain error.
var ErrPathEscape = fmt.Errorf("toolregistry: path escapes sandbox")

// ParseManagedPath parses a managed://agent/<id>/<field> or
// managed://user/<id>/<field> URI.
func ParseManagedPath(uri string) (ManagedPath, error) {
	const prefix = "managed://"
	if !strings.HasPrefix(uri, prefix) {
		return ManagedPath{}, fmt.Errorf("toolregistry: %q is not a managed:// path", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return ManagedPath{}, fmt.Errorf("toolregistry: malformed managed path %q", uri)
	}
	kind, id, field := parts[0], parts[1], parts[2]
	if kind != "agent" && kind != "user" {
		return ManagedPath{}, fmt.Errorf("toolregistry: unknown managed path kind %q", kind)
	}
	if id == "" || field == "" {
		return ManagedPath{}, fmt.Errorf("toolregistry: malformed managed path %q", uri)
	}
	return ManagedPath{Kind: kind, ID: id, Field: field}, nil
}

// ResolveWorkspacePath resolves a fs://<posix-relative-path> URI against
// root and returns the absolute filesystem path. It fails with
// ErrPathEscape when the canonicalized path is not a descendant of root —
// via ".." segments or an absolute component — enforcing spec invariant P7.
func ResolveWorkspacePath(root, uri string) (string, error) {
	const prefix = "fs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("toolregistry: %q is not a fs:// path", uri)
	}
	rel := strings.TrimPrefix(uri, prefix)
	if path.IsAbs(rel) {
		return "", ErrPathEscape
	}
	// path.Clean on a relative path preserves any leading ".." segments
	// instead of resolving them against a root, so an escaping input like
	// "../etc/passwd" stays detectably outside the workspace rather than
	// silently collapsing to "etc/passwd".
	cleaned := path.Clean(rel)
	if cleaned == "." {
		cleaned = ""
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathEscape
	}
	return path.Join(root, cleaned), nil
}
