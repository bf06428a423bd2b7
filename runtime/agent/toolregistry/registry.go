package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolerrors"
	"github.com/acrylicshrimp/fathom/runtime/agent/tools"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
)

type (
	// HandlerContext exposes the session id, workspace root, and
	// profile-store handle to a tool handler (spec §4.4). Handlers read
	// this context but never mutate session state directly.
	HandlerContext struct {
		SessionID     string
		WorkspaceRoot string
		Profiles      profile.Store
	}

	// Handler executes one tool call and returns its result payload (or an
	// error). Handlers are pure with respect to session state.
	Handler func(ctx context.Context, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error)

	// Registration pairs a tool's metadata with its handler and an
	// optional compiled JSON Schema used to validate tool_args before
	// dispatch.
	Registration struct {
		Spec    tools.ToolSpec
		Schema  *jsonschema.Schema
		Handler Handler
	}

	// Registry is the static mapping from tool name to handler (spec §4.4).
	// It is registered once at startup; the spec's Non-goals exclude
	// runtime tool loading in this revision.
	Registry struct {
		hctx HandlerContext

		mu  sync.RWMutex
		reg map[tools.Ident]*Registration
	}
)

// New constructs an empty Registry bound to the given handler context
// defaults (workspace root, profile store). Use Register to add tools;
// RegisterBuiltins installs the managed:// and fs:// handlers described in
// spec §4.4.
func New(hctx HandlerContext) *Registry {
	return &Registry{hctx: hctx, reg: make(map[tools.Ident]*Registration)}
}

// Register adds or replaces a tool registration. When spec.Payload.Schema is
// non-empty it is compiled eagerly so a malformed schema fails at startup
// rather than on first dispatch.
func (r *Registry) Register(spec tools.ToolSpec, handler Handler) error {
	var schema *jsonschema.Schema
	if len(spec.Payload.Schema) > 0 {
		compiled, err := compileSchema(spec.Payload.Schema)
		if err != nil {
			return fmt.Errorf("toolregistry: compile schema for %s: %w", spec.Name, err)
		}
		schema = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg[spec.Name] = &Registration{Spec: spec, Schema: schema, Handler: handler}
	return nil
}

// Lookup returns the registration for name, if any.
func (r *Registry) Lookup(name tools.Ident) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.reg[name]
	return reg, ok
}

// Specs returns the ToolSpec for every registered tool, suitable for
// building model.ToolDefinition values for a turn's prompt bundle.
func (r *Registry) Specs() []tools.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tools.ToolSpec, 0, len(r.reg))
	for _, reg := range r.reg {
		out = append(out, reg.Spec)
	}
	return out
}

// Dispatch validates args against the tool's declared schema (if any) and
// invokes its handler. Session-scoped fields of hctx (SessionID) override
// the Registry's defaults; WorkspaceRoot and Profiles fall back to the
// Registry's defaults when zero-valued on hctx.
func (r *Registry) Dispatch(ctx context.Context, name tools.Ident, args json.RawMessage, hctx HandlerContext) (json.RawMessage, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	if reg.Schema != nil {
		var doc any
		if len(args) == 0 {
			doc = map[string]any{}
		} else if err := json.Unmarshal(args, &doc); err != nil {
			return nil, fmt.Errorf("toolregistry: invalid tool_args JSON for %s: %w", name, err)
		}
		if err := reg.Schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("toolregistry: tool_args failed schema validation for %s: %w", name, err)
		}
	}
	if hctx.WorkspaceRoot == "" {
		hctx.WorkspaceRoot = r.hctx.WorkspaceRoot
	}
	if hctx.Profiles == nil {
		hctx.Profiles = r.hctx.Profiles
	}
	return reg.Handler(ctx, args, hctx)
}

func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// Executor adapts a Registry into a scheduler.Executor: it dispatches the
// task's tool call and converts the handler's result/error into a
// trigger.Outcome, classifying known sandbox/validation failures with the
// error-kind taxonomy from spec §7.
type Executor struct {
	Registry      *Registry
	WorkspaceRoot string
	Profiles      profile.Store
}

// Execute implements scheduler.Executor.
func (e *Executor) Execute(ctx context.Context, task scheduler.Task) trigger.Outcome {
	hctx := HandlerContext{
		SessionID:     task.SessionID,
		WorkspaceRoot: e.WorkspaceRoot,
		Profiles:      e.Profiles,
	}
	result, err := e.Registry.Dispatch(ctx, task.ToolName, task.ToolArgs, hctx)
	if err != nil {
		te := toolerrors.NewWithCause(fmt.Sprintf("tool %q failed", task.ToolName), err)
		return trigger.Outcome{OK: false, ErrorKind: classifyError(err), ErrorMessage: te.Error()}
	}
	return trigger.Outcome{OK: true, Result: result}
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case isPathEscape(err):
		return "PathEscape"
	case isExists(err):
		return "Exists"
	case isNotFound(err):
		return "NotFound"
	default:
		return "ToolExecFailed"
	}
}
