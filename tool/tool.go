// Package tool is the registry of agent-callable tools: schema-validated
// argument handling, the result envelope and the handlers the agent loop
// resolves tool calls against.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/llm"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
	"github.com/fetchcore/fetch/task"
	"github.com/fetchcore/fetch/workspace"
)

// DangerWrite marks tools whose proposals need approval in manual
// autonomy.
const DangerWrite = "write"

// Result is the envelope every tool returns.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Errorf builds a failed Result.
func Errorf(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Ok builds a successful Result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Invocation carries per-call context into a handler.
type Invocation struct {
	Session *model.Session
	Args    map[string]any
	// OnProgress forwards user-facing lines (task progress, questions).
	OnProgress func(text string)
}

// Handler executes one validated tool call.
type Handler func(ctx context.Context, inv Invocation) *Result

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON-schema document for the arguments. Compiled at
	// registration; also rendered into the LM tool definition.
	Schema map[string]any
	// Danger labels tools that mutate state ("write"); empty for
	// read-only and communication tools.
	Danger string
	Run    Handler

	compiled *jsonschema.Schema
}

// Deps wires the handlers to the subsystems they drive.
type Deps struct {
	Workspaces *workspace.Manager
	Tasks      *task.Manager
	Sessions   store.Sessions
	Bus        eventbus.Bus
	Log        *logger.Logger
}

// Registry holds the tool set and validates arguments before dispatch.
type Registry struct {
	tools map[string]*Tool
	order []string
	log   *logger.Logger
}

// NewRegistry builds a registry with the core tool set registered.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	r := &Registry{
		tools: make(map[string]*Tool),
		log:   deps.Log.Named("tool"),
	}
	for _, t := range coreTools(deps) {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles the tool's schema and adds it to the registry.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("tool: incomplete registration: %+v", t)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool: duplicate name %q", t.Name)
	}

	raw, err := json.Marshal(t.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("tool %s: decode schema: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	resource := t.Name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.compiled = compiled

	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	sort.Strings(r.order)
	return nil
}

// Lookup returns a registered tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Defs renders the registry in the LM function-call format.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs the handler.
// Failures come back inside the envelope so the agent can relay them as
// tool results; Execute never returns nil.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, inv Invocation) *Result {
	t, ok := r.tools[name]
	if !ok {
		return Errorf("unknown tool: %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var payload map[string]any
	if err := json.Unmarshal(args, &payload); err != nil {
		return r.record(name, Errorf("invalid arguments: %v", err))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := t.compiled.Validate(payload); err != nil {
		return r.record(name, Errorf("invalid arguments: %v", err))
	}

	inv.Args = payload
	res := t.Run(ctx, inv)
	if res == nil {
		res = Errorf("tool %s returned no result", name)
	}
	r.log.Debug("tool executed",
		zap.String("tool", name),
		zap.Bool("success", res.Success))
	return r.record(name, res)
}

func (r *Registry) record(name string, res *Result) *Result {
	metrics.ToolCallsTotal.WithLabelValues(name, strconv.FormatBool(res.Success)).Inc()
	return res
}
