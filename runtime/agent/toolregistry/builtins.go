package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acrylicshrimp/fathom/runtime/agent"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
)

// Built-in tool identifiers (spec §4.4).
const (
	ToolProfileRead  tools.Ident = "profile.read"
	ToolProfileWrite tools.Ident = "profile.write"
	ToolFSList       tools.Ident = "fs.list"
	ToolFSRead       tools.Ident = "fs.read"
	ToolFSWrite      tools.Ident = "fs.write"
	ToolFSReplace    tools.Ident = "fs.replace"
)

// RegisterBuiltins installs the managed:// profile handlers and fs://
// workspace handlers described in spec §4.4 on r.
func RegisterBuiltins(r *Registry) error {
	for _, reg := range []struct {
		spec    tools.ToolSpec
		handler Handler
	}{
		{profileReadSpec(), handleProfileRead},
		{profileWriteSpec(), handleProfileWrite},
		{fsListSpec(), handleFSList},
		{fsReadSpec(), handleFSRead},
		{fsWriteSpec(), handleFSWrite},
		{fsReplaceSpec(), handleFSReplace},
	} {
		if err := r.Register(reg.spec, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

type profileReadArgs struct {
	Path string `json:"path"`
}

type profileReadResult struct {
	Content string `json:"content"`
}

func profileReadSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolProfileRead,
		Toolset:     "profile",
		Description: "Read a managed profile field by its managed:// path.",
		Payload: tools.TypeSpec{
			Name:   "ProfileReadArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}
}

// handleProfileRead resolves a managed://agent/<id>/<field> or
// managed://user/<id>/<field> path and returns the field's current content.
func handleProfileRead(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a profileReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode profile.read args: %w", err)
	}
	mp, err := ParseManagedPath(a.Path)
	if err != nil {
		return nil, err
	}
	if hctx.Profiles == nil {
		return nil, fmt.Errorf("toolregistry: no profile store configured")
	}
	var content string
	switch mp.Kind {
	case "agent":
		p, err := hctx.Profiles.GetAgent(ctx, mp.ID)
		if err != nil {
			return nil, err
		}
		content = p.ManagedFields[mp.Field]
	case "user":
		p, err := hctx.Profiles.GetUser(ctx, mp.ID)
		if err != nil {
			return nil, err
		}
		content = p.ManagedFields[mp.Field]
	}
	return json.Marshal(profileReadResult{Content: content})
}

type profileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func profileWriteSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolProfileWrite,
		Toolset:     "profile",
		Description: "Overwrite a managed profile field by its managed:// path.",
		Payload: tools.TypeSpec{
			Name:   "ProfileWriteArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
	}
}

// handleProfileWrite writes content to a managed field, rejecting any field
// not on the profile kind's managed-field allowlist (spec §4.4, P7).
func handleProfileWrite(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a profileWriteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode profile.write args: %w", err)
	}
	mp, err := ParseManagedPath(a.Path)
	if err != nil {
		return nil, err
	}
	kind := profile.KindAgent
	if mp.Kind == "user" {
		kind = profile.KindUser
	}
	if !profile.IsManagedField(kind, mp.Field) {
		return nil, ErrPathEscape
	}
	if hctx.Profiles == nil {
		return nil, fmt.Errorf("toolregistry: no profile store configured")
	}
	switch mp.Kind {
	case "agent":
		if err := hctx.Profiles.WriteAgentField(ctx, mp.ID, mp.Field, a.Content); err != nil {
			return nil, err
		}
	case "user":
		if err := hctx.Profiles.WriteUserField(ctx, mp.ID, mp.Field, a.Content); err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]bool{"ok": true})
}

type fsListArgs struct {
	Path string `json:"path"`
}

type fsEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// fsListMaxEntries bounds how many directory entries a single fs.list call
// reports, so a model can't flood its own context with one huge listing.
const fsListMaxEntries = 200

type fsListResult struct {
	Entries    []fsEntry    `json:"entries"`
	BoundsInfo agent.Bounds `json:"bounds"`
}

// Bounds implements agent.BoundedResult.
func (r fsListResult) Bounds() agent.Bounds { return r.BoundsInfo }

func fsListSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolFSList,
		Toolset:     "fs",
		Description: "List the entries of a workspace directory addressed by a fs:// path.",
		Payload: tools.TypeSpec{
			Name:   "FSListArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}
}

func handleFSList(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a fsListArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode fs.list args: %w", err)
	}
	abs, err := ResolveWorkspacePath(hctx.WorkspaceRoot, a.Path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("toolregistry: list %s: %w", a.Path, err)
	}
	total := len(dirEntries)
	truncated := total > fsListMaxEntries
	if truncated {
		dirEntries = dirEntries[:fsListMaxEntries]
	}
	entries := make([]fsEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entries = append(entries, fsEntry{Name: de.Name(), IsDir: de.IsDir()})
	}
	bounds := agent.Bounds{Returned: len(entries), Total: &total}
	if truncated {
		bounds.Truncated = true
		bounds.RefinementHint = "narrow path to a subdirectory; listing was capped"
	}
	return json.Marshal(fsListResult{Entries: entries, BoundsInfo: bounds})
}

type fsReadArgs struct {
	Path string `json:"path"`
}

type fsReadResult struct {
	Content string `json:"content"`
}

func fsReadSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolFSRead,
		Toolset:     "fs",
		Description: "Read the contents of a workspace file addressed by a fs:// path.",
		Payload: tools.TypeSpec{
			Name:   "FSReadArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}
}

func handleFSRead(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a fsReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode fs.read args: %w", err)
	}
	abs, err := ResolveWorkspacePath(hctx.WorkspaceRoot, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("toolregistry: read %s: %w", a.Path, err)
	}
	return json.Marshal(fsReadResult{Content: string(data)})
}

type fsWriteArgs struct {
	Path          string `json:"path"`
	Content       string `json:"content"`
	AllowOverride bool   `json:"allow_override"`
}

func fsWriteSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolFSWrite,
		Toolset:     "fs",
		Description: "Write a workspace file addressed by a fs:// path, failing with Exists unless allow_override is set.",
		Payload: tools.TypeSpec{
			Name:   "FSWriteArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"},"allow_override":{"type":"boolean"}},"required":["path","content"]}`),
		},
	}
}

// handleFSWrite writes content to path, failing with ErrExists when the
// target already exists and allow_override was not set (spec §4.4).
func handleFSWrite(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a fsWriteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode fs.write args: %w", err)
	}
	abs, err := ResolveWorkspacePath(hctx.WorkspaceRoot, a.Path)
	if err != nil {
		return nil, err
	}
	if !a.AllowOverride {
		if _, statErr := os.Stat(abs); statErr == nil {
			return nil, ErrExists
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("toolregistry: stat %s: %w", a.Path, statErr)
		}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("toolregistry: create parent dirs for %s: %w", a.Path, err)
	}
	if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
		return nil, fmt.Errorf("toolregistry: write %s: %w", a.Path, err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

type fsReplaceArgs struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
	Mode string `json:"mode"`
}

func fsReplaceSpec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        ToolFSReplace,
		Toolset:     "fs",
		Description: "Replace occurrences of old with new in a workspace file, mode is 'first' or 'all'.",
		Payload: tools.TypeSpec{
			Name:   "FSReplaceArgs",
			Schema: []byte(`{"type":"object","properties":{"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"},"mode":{"type":"string","enum":["first","all"]}},"required":["path","old","new","mode"]}`),
		},
	}
}

// handleFSReplace replaces occurrences of old with new in the file at path.
// mode "first" replaces only the first occurrence; mode "all" replaces every
// occurrence. It fails with ErrNotFound when old does not occur in the file
// (spec §4.4).
func handleFSReplace(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	var a fsReplaceArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("toolregistry: decode fs.replace args: %w", err)
	}
	if a.Mode != "first" && a.Mode != "all" {
		return nil, fmt.Errorf("toolregistry: fs.replace mode must be \"first\" or \"all\", got %q", a.Mode)
	}
	abs, err := ResolveWorkspacePath(hctx.WorkspaceRoot, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("toolregistry: read %s: %w", a.Path, err)
	}
	content := string(data)
	if !strings.Contains(content, a.Old) {
		return nil, ErrNotFound
	}
	var replaced string
	if a.Mode == "first" {
		replaced = strings.Replace(content, a.Old, a.New, 1)
	} else {
		replaced = strings.ReplaceAll(content, a.Old, a.New)
	}
	if err := os.WriteFile(abs, []byte(replaced), 0o644); err != nil {
		return nil, fmt.Errorf("toolregistry: write %s: %w", a.Path, err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}
