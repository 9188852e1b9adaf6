// Package tool provides the tool capability contract and the registry that
// dispatches model-requested calls to it.
package tool

import (
	"context"
	"encoding/json"
)

// Permission levels for tool execution.
type Permission string

const (
	PermAllow           Permission = "allow"            // auto-approved
	PermRequireApproval Permission = "require_approval" // needs human approval
	PermDeny            Permission = "deny"             // blocked
)

// Tool is a named, schema-described function from arguments to result or error.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the arguments object.
	Schema() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Permissioned is implemented by tools that declare a permission level.
// Tools that don't are treated as PermAllow.
type Permissioned interface {
	Permission() Permission
}

// Descriptor is what the model sees for each registered tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
	Permission  Permission     `json:"permission,omitempty"`
}

// Handler is the function signature wrapped by Func.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Func adapts a plain function to the Tool interface.
type Func struct {
	ToolName   string
	Desc       string
	Parameters map[string]any
	Perm       Permission
	Handler    Handler
}

var _ Tool = (*Func)(nil)

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Schema() map[string]any { return f.Parameters }

func (f *Func) Permission() Permission {
	if f.Perm == "" {
		return PermAllow
	}
	return f.Perm
}

func (f *Func) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f.Handler(ctx, args)
}

// Typed builds a Func whose handler receives arguments decoded into T.
func Typed[T any](name, description string, schema map[string]any, fn func(ctx context.Context, args T) (any, error)) *Func {
	return &Func{
		ToolName:   name,
		Desc:       description,
		Parameters: schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
			}
			return fn(ctx, args)
		},
	}
}

func describe(t Tool) Descriptor {
	d := Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
		Permission:  PermAllow,
	}
	if p, ok := t.(Permissioned); ok {
		d.Permission = p.Permission()
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return d
}
