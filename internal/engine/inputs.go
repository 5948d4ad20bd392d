package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/arazzo/pkg/schema"
)

// inputSchemas caches compiled workflow input schemas by workflow id.
type inputSchemas struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newInputSchemas() *inputSchemas {
	return &inputSchemas{compiled: make(map[string]*jsonschema.Schema)}
}

// prepare applies input schema defaults and validates the resulting inputs.
// Workflows without an input schema accept any inputs as-is.
func (c *inputSchemas) prepare(wf *schema.Workflow, inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		merged[k] = v
	}

	if len(wf.Inputs) == 0 {
		return merged, nil
	}

	applyDefaults(wf.Inputs, merged)

	compiled, err := c.get(wf)
	if err != nil {
		return nil, err
	}

	value, err := toJSONValue(merged)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot serialize inputs").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"inputs do not satisfy workflow %q input schema", wf.WorkflowID).
			WithCause(err).
			WithDetails(map[string]any{"validation": err.Error()})
	}
	return merged, nil
}

func (c *inputSchemas) get(wf *schema.Workflow) (*jsonschema.Schema, error) {
	c.mu.RLock()
	compiled, ok := c.compiled[wf.WorkflowID]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.compiled[wf.WorkflowID]; ok {
		return compiled, nil
	}

	compiled, err := compileInputSchema(wf)
	if err != nil {
		return nil, err
	}
	c.compiled[wf.WorkflowID] = compiled
	return compiled, nil
}

func compileInputSchema(wf *schema.Workflow) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(wf.Inputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"workflow %q has an unserializable input schema", wf.WorkflowID).WithCause(err)
	}

	uri := fmt.Sprintf("inputs:///%s.json", wf.WorkflowID)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(uri, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"workflow %q input schema is not a valid JSON Schema", wf.WorkflowID).WithCause(err)
	}
	compiled, err := compiler.Compile(uri)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"workflow %q input schema is not a valid JSON Schema", wf.WorkflowID).WithCause(err)
	}
	return compiled, nil
}

// applyDefaults fills absent top-level inputs from the schema's property
// defaults.
func applyDefaults(inputSchema map[string]any, inputs map[string]any) {
	props, ok := inputSchema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, raw := range props {
		if _, present := inputs[name]; present {
			continue
		}
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			inputs[name] = def
		}
	}
}

// toJSONValue round-trips a Go value through JSON encoding into the
// representation the jsonschema library validates against.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
