package actions

import "context"

// Action is an executable unit of work referenced by an action step's
// config.action_id. Implementations are opaque I/O collaborators: the
// engine never interprets their results beyond the success wrapper.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input Input) (*Output, error)
}

// Invoker is the invocation contract the engine depends on. Satisfied by
// *Registry and by test doubles.
type Invoker interface {
	Invoke(ctx context.Context, actionID string, input Input) (*Output, error)
}

// Input is the data provided to an action at execution time.
type Input struct {
	// Params come from the step's config.
	Params map[string]any `json:"params,omitempty"`
	// Context exposes a read-only view of the execution: variables,
	// latest step results, trigger data.
	Context map[string]any `json:"context,omitempty"`
}

// Output is the result of an action execution.
type Output struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Info is a summary of a registered action for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
