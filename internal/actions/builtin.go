package actions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowrun/pkg/schema"
)

// RegisterBuiltins registers the built-in actions in the given registry.
func RegisterBuiltins(reg *Registry) error {
	for _, a := range []Action{NewEchoAction(), NewTransformAction()} {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

// EchoAction returns its params unchanged. Useful for wiring tests and as
// a placeholder step while authoring workflows.
type EchoAction struct{}

func NewEchoAction() *EchoAction { return &EchoAction{} }

func (a *EchoAction) Name() string        { return "echo" }
func (a *EchoAction) Description() string { return "returns its params unchanged" }

func (a *EchoAction) Execute(_ context.Context, input Input) (*Output, error) {
	return &Output{Data: input.Params, Message: "echo"}, nil
}

// --- transform ---

// TransformAction evaluates a jq expression (params.query) against the
// action context, so workflows can reshape variables and prior step outputs
// without custom code. Compiled programs are cached per expression.
type TransformAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewTransformAction() *TransformAction {
	return &TransformAction{cache: make(map[string]*gojq.Code)}
}

func (a *TransformAction) Name() string        { return "transform" }
func (a *TransformAction) Description() string { return "applies a jq expression to the execution context" }

func (a *TransformAction) Execute(ctx context.Context, input Input) (*Output, error) {
	query, _ := input.Params["query"].(string)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: params.query is required")
	}

	code, err := a.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	data := input.Context
	if data == nil {
		data = map[string]any{}
	}

	iter := code.RunWithContext(ctx, map[string]any(data))

	// jq expressions can produce multiple outputs; a single output is
	// returned directly, multiple are collected into a slice.
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeHandler,
				"transform: jq evaluation failed for %q: %s", query, evalErr.Error()).
				WithCause(evalErr)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return &Output{Data: nil}, nil
	case 1:
		return &Output{Data: results[0]}, nil
	default:
		return &Output{Data: results}, nil
	}
}

func (a *TransformAction) getOrCompile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[query]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if code, ok := a.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform: invalid jq expression %q: %s", query, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform: compile jq expression %q: %s", query, err.Error()).WithCause(err)
	}

	a.cache[query] = code
	return code, nil
}
