package document

import (
	"fmt"
	"strings"

	"github.com/rendis/arazzo/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Operation is one entry of a source description's operation catalog: the
// concrete HTTP shape an operationId resolves to.
type Operation struct {
	ID           string
	Method       string // upper-case HTTP method
	PathTemplate string // e.g. "/users/{id}"
	Server       string // base URL from the OpenAPI servers list
	Parameters   []OperationParameter
}

// OperationParameter is a declared parameter of an operation.
type OperationParameter struct {
	Name     string
	In       string // path, query, header, cookie
	Required bool
}

// Catalog maps operationId to its resolved Operation for one source
// description. Catalogs are immutable after construction and safe for
// concurrent reads.
type Catalog struct {
	source string
	ops    map[string]*Operation
}

// Find returns the operation with the given id.
func (c *Catalog) Find(operationID string) (*Operation, bool) {
	op, ok := c.ops[operationID]
	return op, ok
}

// Source returns the source description name this catalog was built from.
func (c *Catalog) Source() string { return c.source }

// Len returns the number of catalogued operations.
func (c *Catalog) Len() int { return len(c.ops) }

// --- OpenAPI document model (the subset the engine needs) ---

type openAPIDoc struct {
	OpenAPI string              `yaml:"openapi" json:"openapi"`
	Servers []openAPIServer     `yaml:"servers" json:"servers"`
	Paths   map[string]pathItem `yaml:"paths" json:"paths"`
}

type openAPIServer struct {
	URL string `yaml:"url" json:"url"`
}

type pathItem struct {
	Get        *openAPIOperation  `yaml:"get" json:"get"`
	Put        *openAPIOperation  `yaml:"put" json:"put"`
	Post       *openAPIOperation  `yaml:"post" json:"post"`
	Delete     *openAPIOperation  `yaml:"delete" json:"delete"`
	Patch      *openAPIOperation  `yaml:"patch" json:"patch"`
	Head       *openAPIOperation  `yaml:"head" json:"head"`
	Options    *openAPIOperation  `yaml:"options" json:"options"`
	Parameters []openAPIParameter `yaml:"parameters" json:"parameters"`
}

type openAPIOperation struct {
	OperationID string             `yaml:"operationId" json:"operationId"`
	Parameters  []openAPIParameter `yaml:"parameters" json:"parameters"`
}

type openAPIParameter struct {
	Name     string `yaml:"name" json:"name"`
	In       string `yaml:"in" json:"in"`
	Required bool   `yaml:"required" json:"required"`
}

// BuildCatalog parses an OpenAPI document (YAML or JSON; YAML is a superset)
// and builds the operation catalog for the named source. Operations without
// an operationId are skipped: a workflow cannot address them. Duplicate
// operationIds within one document are a DOCUMENT_ERROR.
func BuildCatalog(sourceName string, data []byte) (*Catalog, error) {
	var doc openAPIDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"source %q: cannot parse OpenAPI document: %s", sourceName, err.Error()).WithCause(err)
	}
	if doc.OpenAPI == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDocument,
			"source %q: missing openapi version field", sourceName)
	}

	server := ""
	if len(doc.Servers) > 0 {
		server = strings.TrimRight(doc.Servers[0].URL, "/")
	}

	ops := make(map[string]*Operation)
	for path, item := range doc.Paths {
		for method, op := range item.operations() {
			if op == nil || op.OperationID == "" {
				continue
			}
			if _, dup := ops[op.OperationID]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeDocument,
					"source %q: duplicate operationId %q", sourceName, op.OperationID)
			}
			ops[op.OperationID] = &Operation{
				ID:           op.OperationID,
				Method:       method,
				PathTemplate: path,
				Server:       server,
				Parameters:   mergeParameters(item.Parameters, op.Parameters, path),
			}
		}
	}

	return &Catalog{source: sourceName, ops: ops}, nil
}

func (p *pathItem) operations() map[string]*openAPIOperation {
	return map[string]*openAPIOperation{
		"GET":     p.Get,
		"PUT":     p.Put,
		"POST":    p.Post,
		"DELETE":  p.Delete,
		"PATCH":   p.Patch,
		"HEAD":    p.Head,
		"OPTIONS": p.Options,
	}
}

// mergeParameters combines path-level and operation-level parameters;
// operation-level declarations win on (name, in) collisions. Path template
// variables are always required even if left undeclared.
func mergeParameters(pathParams, opParams []openAPIParameter, pathTemplate string) []OperationParameter {
	type key struct{ name, in string }
	seen := make(map[key]int)
	var merged []OperationParameter

	add := func(p openAPIParameter) {
		in := p.In
		if in == "" {
			in = schema.InQuery
		}
		required := p.Required || in == schema.InPath
		k := key{p.Name, in}
		if i, ok := seen[k]; ok {
			merged[i].Required = required
			return
		}
		seen[k] = len(merged)
		merged = append(merged, OperationParameter{Name: p.Name, In: in, Required: required})
	}

	for _, p := range pathParams {
		add(p)
	}
	for _, p := range opParams {
		add(p)
	}

	// Undeclared template variables are still required path parameters.
	for _, v := range templateVars(pathTemplate) {
		k := key{v, schema.InPath}
		if _, ok := seen[k]; !ok {
			seen[k] = len(merged)
			merged = append(merged, OperationParameter{Name: v, In: schema.InPath, Required: true})
		}
	}

	return merged
}

// templateVars extracts {var} names from a path template.
func templateVars(pathTemplate string) []string {
	var vars []string
	rest := pathTemplate
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			return vars
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			return vars
		}
		name := rest[open+1 : open+closing]
		if name != "" {
			vars = append(vars, name)
		}
		rest = rest[open+closing+1:]
	}
}

// SubstitutePath replaces {var} template variables with encoded values.
// A template variable with no binding is left for the invoker to report.
func SubstitutePath(template string, values map[string]string) (string, error) {
	result := template
	for name, val := range values {
		placeholder := "{" + name + "}"
		if !strings.Contains(result, placeholder) {
			return "", fmt.Errorf("path template %q has no variable %q", template, name)
		}
		result = strings.ReplaceAll(result, placeholder, val)
	}
	return result, nil
}
