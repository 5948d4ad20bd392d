package schema

// Document is the root of an Arazzo description. It is immutable once
// loaded: the engine never mutates a Document after validation, so a single
// instance may be shared by any number of concurrent executions.
type Document struct {
	Arazzo             string              `json:"arazzo" yaml:"arazzo"`
	Info               Info                `json:"info" yaml:"info"`
	SourceDescriptions []SourceDescription `json:"sourceDescriptions" yaml:"sourceDescriptions"`
	Workflows          []Workflow          `json:"workflows" yaml:"workflows"`
}

// Info carries document metadata.
type Info struct {
	Title       string `json:"title" yaml:"title"`
	Summary     string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
}

// SourceDescription names an API description document that workflows draw
// operations from. Only type "openapi" is supported.
type SourceDescription struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// SourceTypeOpenAPI is the only supported source description type.
const SourceTypeOpenAPI = "openapi"

// Workflow is an ordered sequence of steps with a declared input schema and
// an output expression mapping. Steps execute strictly in document order.
type Workflow struct {
	WorkflowID  string            `json:"workflowId" yaml:"workflowId"`
	Summary     string            `json:"summary,omitempty" yaml:"summary,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Step binds an operation to parameter expressions, success criteria, and
// output extraction expressions.
type Step struct {
	StepID          string            `json:"stepId" yaml:"stepId"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	OperationID     string            `json:"operationId" yaml:"operationId"`
	Parameters      []Parameter       `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RequestBody     *RequestBody      `json:"requestBody,omitempty" yaml:"requestBody,omitempty"`
	SuccessCriteria []Criterion       `json:"successCriteria,omitempty" yaml:"successCriteria,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Parameter is a single parameter binding: where it goes and the expression
// (or literal) producing its value.
type Parameter struct {
	Name  string `json:"name" yaml:"name"`
	In    string `json:"in" yaml:"in"` // path, query, header, cookie
	Value any    `json:"value" yaml:"value"`
}

// Parameter locations.
const (
	InPath   = "path"
	InQuery  = "query"
	InHeader = "header"
	InCookie = "cookie"
)

// RequestBody describes the payload sent with the operation. The payload
// may contain runtime expressions in its values.
type RequestBody struct {
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Payload     any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Criterion is a single success condition judged against the step's
// response. All criteria of a step must hold for the step to succeed.
type Criterion struct {
	Context   string        `json:"context,omitempty" yaml:"context,omitempty"`
	Condition string        `json:"condition" yaml:"condition"`
	Type      CriterionType `json:"type,omitempty" yaml:"type,omitempty"`
}

// CriterionType selects the dialect the condition is written in.
type CriterionType string

const (
	CriterionSimple   CriterionType = "simple"
	CriterionRegex    CriterionType = "regex"
	CriterionJSONPath CriterionType = "jsonpath"
)

// FindWorkflow returns the workflow with the given id, or nil.
func (d *Document) FindWorkflow(workflowID string) *Workflow {
	for i := range d.Workflows {
		if d.Workflows[i].WorkflowID == workflowID {
			return &d.Workflows[i]
		}
	}
	return nil
}

// FindSource returns the source description with the given name, or nil.
// An empty name matches when the document declares exactly one source.
func (d *Document) FindSource(name string) *SourceDescription {
	if name == "" && len(d.SourceDescriptions) == 1 {
		return &d.SourceDescriptions[0]
	}
	for i := range d.SourceDescriptions {
		if d.SourceDescriptions[i].Name == name {
			return &d.SourceDescriptions[i]
		}
	}
	return nil
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(stepID string) *Step {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}
