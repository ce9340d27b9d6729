// Package toolregistry is the process-wide registry of name→callable tools
// invoked by "calling" plan steps. Registration requires a human-readable
// description; Describe renders a catalog filtered by an optional
// allow-list, and Invoke filters incoming arguments down to each tool's
// declared parameter names so tools never see unexpected keys.
package toolregistry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParamSpec describes one declared parameter of a tool.
type ParamSpec struct {
	Required bool
	Type     string // "string", "number", "boolean", "object", "array"
}

// Func is the shape every registered tool implements. args carries only the
// keys the tool declared in Params; extra caller-supplied keys are dropped
// before Func is invoked.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is one entry in the Registry.
type Tool struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Fn          Func
	Toolset     string

	schema *jsonschema.Schema
}

// ParamNames returns the declared parameter names, sorted for deterministic
// output.
func (t *Tool) ParamNames() []string {
	names := make([]string, 0, len(t.Params))
	for n := range t.Params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry is a collection of tools guarded by a read/write mutex:
// registration takes the write lock and reads take the read lock, so
// concurrent reads do not block each other.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds tool to the registry. It returns an error, and registers
// nothing, when Fn is nil or Description is empty.
func (r *Registry) Register(tool *Tool) error {
	if tool.Fn == nil {
		return fmt.Errorf("toolregistry: tool %q has no implementation", tool.Name)
	}
	if strings.TrimSpace(tool.Description) == "" {
		return fmt.Errorf("toolregistry: tool %q has no description", tool.Name)
	}
	if schema, err := buildSchema(tool.Params); err == nil {
		tool.schema = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	return nil
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Describe renders a human-readable catalog of registered tools, filtered
// to the optional allow-list (nil or empty means "all tools").
func (r *Registry) Describe(allowed []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allow map[string]struct{}
	if len(allowed) > 0 {
		allow = make(map[string]struct{}, len(allowed))
		for _, a := range allowed {
			allow[a] = struct{}{}
		}
	}

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allow != nil {
			if _, ok := allow[name]; !ok {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		t := r.tools[name]
		summary := firstLine(t.Description)
		fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, strings.Join(t.ParamNames(), ", "), summary)
	}
	return b.String()
}

// FilterArgs keeps only the keys tool declared as parameters, as listed in
// the tool's Params map.
func (t *Tool) FilterArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(t.Params))
	for name := range t.Params {
		if v, ok := args[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Invoke filters args to tool's declared parameters, validates them against
// the tool's JSON schema when one was derived, and calls the underlying Func.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	filtered := tool.FilterArgs(args)
	if tool.schema != nil {
		if err := tool.schema.Validate(toInterfaceMap(filtered)); err != nil {
			return nil, fmt.Errorf("toolregistry: %s: invalid params: %w", name, err)
		}
	}
	return tool.Fn(ctx, filtered)
}

// ParamStructNames extracts field names from a struct type's `tool` tags
// via reflection, used by tools whose parameters are naturally expressed as
// a Go struct rather than a hand-written ParamSpec map.
func ParamStructNames(v any) []string {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("tool")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		names = append(names, tag)
	}
	return names
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func buildSchema(params map[string]ParamSpec) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(params))
	var required []string
	for name, p := range params {
		props[name] = map[string]any{"type": p.Type}
		if p.Required {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "mem://tool-params.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}

func toInterfaceMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
