package document

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// arazzoSchemaJSON is the JSON Schema for the Arazzo document subset this
// engine executes. Embedded as a constant to avoid filesystem dependencies.
const arazzoSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://rendis.dev/schemas/arazzo.json",
  "type": "object",
  "required": ["arazzo", "info", "sourceDescriptions", "workflows"],
  "properties": {
    "arazzo": {"type": "string", "pattern": "^1\\."},
    "info": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "summary": {"type": "string"},
        "description": {"type": "string"},
        "version": {"type": "string"}
      }
    },
    "sourceDescriptions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "url": {"type": "string", "minLength": 1},
          "type": {"type": "string", "enum": ["openapi"]}
        }
      }
    },
    "workflows": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/workflow"}
    }
  },
  "$defs": {
    "workflow": {
      "type": "object",
      "required": ["workflowId", "steps"],
      "properties": {
        "workflowId": {"type": "string", "minLength": 1},
        "summary": {"type": "string"},
        "description": {"type": "string"},
        "inputs": {"type": "object"},
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": {"$ref": "#/$defs/step"}
        },
        "outputs": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        }
      }
    },
    "step": {
      "type": "object",
      "required": ["stepId", "operationId"],
      "properties": {
        "stepId": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "operationId": {"type": "string", "minLength": 1},
        "parameters": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "in", "value"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "in": {"type": "string", "enum": ["path", "query", "header", "cookie"]}
            }
          }
        },
        "requestBody": {
          "type": "object",
          "properties": {
            "contentType": {"type": "string"}
          }
        },
        "successCriteria": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["condition"],
            "properties": {
              "context": {"type": "string"},
              "condition": {"type": "string", "minLength": 1},
              "type": {"type": "string", "enum": ["simple", "regex", "jsonpath"]}
            }
          }
        },
        "outputs": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        }
      }
    }
  }
}`

var arazzoSchema = mustCompileArazzoSchema()

func mustCompileArazzoSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(arazzoSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal arazzo schema: %v", err))
	}
	if err := c.AddResource("https://rendis.dev/schemas/arazzo.json", doc); err != nil {
		panic(fmt.Sprintf("add arazzo schema resource: %v", err))
	}
	compiled, err := c.Compile("https://rendis.dev/schemas/arazzo.json")
	if err != nil {
		panic(fmt.Sprintf("compile arazzo schema: %v", err))
	}
	return compiled
}

// Validate runs the three-stage validation pipeline over a loaded bundle:
// structural (JSON Schema), semantic (unique ids, operation and source
// resolution, expression syntax), and reference ordering (a step may only
// reference outputs of steps earlier in document order).
// Structural errors short-circuit the later stages.
func Validate(loaded *Loaded) *schema.ValidationResult {
	result := validateStructural(loaded.Doc)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(loaded))
	if result.Valid() {
		result.Merge(validateReferences(loaded.Doc))
	}
	return result
}

func validateStructural(doc *schema.Document) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeDocument, "cannot serialize document: "+err.Error())
		return result
	}

	if err := arazzoSchema.Validate(value); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError("/", schema.ErrCodeDocument, violation)
		}
	}
	return result
}

func validateSemantic(loaded *Loaded) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc := loaded.Doc

	sourceNames := make(map[string]bool, len(doc.SourceDescriptions))
	for i, sd := range doc.SourceDescriptions {
		path := fmt.Sprintf("sourceDescriptions[%d]", i)
		if sourceNames[sd.Name] {
			result.AddError(path+".name", schema.ErrCodeDocument,
				fmt.Sprintf("duplicate source description name %q", sd.Name))
		}
		sourceNames[sd.Name] = true

		if sd.Type != "" && sd.Type != schema.SourceTypeOpenAPI {
			result.AddError(path+".type", schema.ErrCodeDocument,
				fmt.Sprintf("unsupported source type %q", sd.Type))
		}
		if _, ok := loaded.Catalogs[sd.Name]; !ok {
			result.AddError(path, schema.ErrCodeDocument,
				fmt.Sprintf("no OpenAPI content supplied for source %q", sd.Name))
		}
	}

	workflowIDs := make(map[string]bool, len(doc.Workflows))
	for wi := range doc.Workflows {
		wf := &doc.Workflows[wi]
		wfPath := fmt.Sprintf("workflows[%d]", wi)

		if workflowIDs[wf.WorkflowID] {
			result.AddError(wfPath+".workflowId", schema.ErrCodeDocument,
				fmt.Sprintf("duplicate workflowId %q", wf.WorkflowID))
		}
		workflowIDs[wf.WorkflowID] = true

		stepIDs := make(map[string]bool, len(wf.Steps))
		for si := range wf.Steps {
			step := &wf.Steps[si]
			stepPath := fmt.Sprintf("%s.steps[%d]", wfPath, si)

			if stepIDs[step.StepID] {
				result.AddError(stepPath+".stepId", schema.ErrCodeDocument,
					fmt.Sprintf("duplicate stepId %q in workflow %q", step.StepID, wf.WorkflowID))
			}
			stepIDs[step.StepID] = true

			if _, _, ok := loaded.ResolveOperation(step.OperationID); !ok {
				result.AddError(stepPath+".operationId", schema.ErrCodeDocument,
					fmt.Sprintf("operationId %q not found in any source description", step.OperationID))
			}

			validateStepExpressions(step, stepPath, result)
		}

		for name, expr := range wf.Outputs {
			checkExpression(expr, fmt.Sprintf("%s.outputs.%s", wfPath, name), result)
		}
	}

	return result
}

// validateStepExpressions checks every expression a step carries for
// parseability. Values that are not expression syntax pass as literals.
func validateStepExpressions(step *schema.Step, stepPath string, result *schema.ValidationResult) {
	for pi, p := range step.Parameters {
		checkValue(p.Value, fmt.Sprintf("%s.parameters[%d].value", stepPath, pi), result)
	}
	if step.RequestBody != nil {
		checkValue(step.RequestBody.Payload, stepPath+".requestBody.payload", result)
	}
	for ci, c := range step.SuccessCriteria {
		cPath := fmt.Sprintf("%s.successCriteria[%d]", stepPath, ci)
		if c.Context != "" {
			checkExpression(c.Context, cPath+".context", result)
		}
		if c.Type == "" || c.Type == schema.CriterionSimple {
			for _, tok := range expressions.Tokens(c.Condition) {
				checkExpression(tok.Text, cPath+".condition", result)
			}
		}
	}
	for name, expr := range step.Outputs {
		checkExpression(expr, fmt.Sprintf("%s.outputs.%s", stepPath, name), result)
	}
}

func checkValue(v any, path string, result *schema.ValidationResult) {
	switch val := v.(type) {
	case string:
		if expressions.IsExpression(val) {
			checkExpression(val, path, result)
			return
		}
		for _, tok := range expressions.Tokens(val) {
			checkExpression(tok.Text, path, result)
		}
	case map[string]any:
		for k, item := range val {
			checkValue(item, path+"."+k, result)
		}
	case []any:
		for i, item := range val {
			checkValue(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}

func checkExpression(text, path string, result *schema.ValidationResult) {
	if !expressions.IsExpression(text) {
		return
	}
	if _, err := expressions.Parse(text); err != nil {
		result.AddError(path, schema.ErrCodeDocument, err.Error())
	}
}

// validateReferences enforces document ordering: a step's expressions may
// reference only steps earlier in its workflow. Workflow-level outputs may
// reference any step of the workflow.
func validateReferences(doc *schema.Document) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for wi := range doc.Workflows {
		wf := &doc.Workflows[wi]
		wfPath := fmt.Sprintf("workflows[%d]", wi)

		index := make(map[string]int, len(wf.Steps))
		for si := range wf.Steps {
			index[wf.Steps[si].StepID] = si
		}

		for si := range wf.Steps {
			step := &wf.Steps[si]
			stepPath := fmt.Sprintf("%s.steps[%d]", wfPath, si)
			for _, ref := range stepReferences(step) {
				at, exists := index[ref]
				switch {
				case !exists:
					result.AddError(stepPath, schema.ErrCodeDocument,
						fmt.Sprintf("step %q references unknown step %q", step.StepID, ref))
				case at >= si:
					result.AddError(stepPath, schema.ErrCodeDocument,
						fmt.Sprintf("step %q references step %q before it has executed", step.StepID, ref))
				}
			}
		}

		for name, expr := range wf.Outputs {
			e, err := expressions.Parse(expr)
			if err != nil || e.Kind != expressions.KindSteps {
				continue
			}
			if _, exists := index[e.StepID]; !exists {
				result.AddError(fmt.Sprintf("%s.outputs.%s", wfPath, name), schema.ErrCodeDocument,
					fmt.Sprintf("output references unknown step %q", e.StepID))
			}
		}
	}

	return result
}

// stepReferences collects the step IDs referenced by a step's parameter
// values, request body, criteria, and output expressions.
func stepReferences(step *schema.Step) []string {
	var refs []string
	add := func(text string) {
		e, err := expressions.Parse(text)
		if err == nil && e.Kind == expressions.KindSteps {
			refs = append(refs, e.StepID)
		}
	}
	collect := func(text string) {
		if expressions.IsExpression(text) {
			add(text)
			return
		}
		for _, tok := range expressions.Tokens(text) {
			add(tok.Text)
		}
	}

	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			collect(val)
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}

	for _, p := range step.Parameters {
		walk(p.Value)
	}
	if step.RequestBody != nil {
		walk(step.RequestBody.Payload)
	}
	for _, c := range step.SuccessCriteria {
		if c.Context != "" {
			collect(c.Context)
		}
		collect(c.Condition)
	}
	for _, expr := range step.Outputs {
		collect(expr)
	}
	return refs
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, the representation the jsonschema library validates against.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations flattens a jsonschema.ValidationError tree into leaf
// messages with their instance locations.
func collectViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
