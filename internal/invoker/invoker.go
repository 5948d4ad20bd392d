package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/arazzo/internal/document"
	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/pkg/schema"
)

// Config configures the HTTP invoker.
type Config struct {
	// MaxResponseBody caps how many response bytes are read. Defaults to 10MB.
	MaxResponseBody int64
	// DefaultTimeout bounds each operation call. Defaults to 30s.
	DefaultTimeout time.Duration
	// ServerOverrides replaces the OpenAPI server URL per source description
	// name. Useful for tests and staging environments.
	ServerOverrides map[string]string
	// Client is the HTTP client to use. Defaults to a fresh client with no
	// global timeout (per-call timeouts come from DefaultTimeout).
	Client *http.Client
	// Headers are added to every request, e.g. static auth headers.
	Headers map[string]string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

// Invoker binds step parameters to OpenAPI operations and executes them
// over HTTP. Safe for concurrent use.
type Invoker struct {
	cfg    Config
	client *http.Client
}

// New creates an Invoker with defaults applied.
func New(cfg Config) *Invoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Invoker{cfg: cfg, client: client}
}

// Request is a fully bound HTTP request, ready to execute. All runtime
// expressions have already been resolved into concrete values.
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Cookies     map[string]string
	Body        any
	ContentType string
}

// Invoke binds the step against the operation using the given scope and
// executes the resulting request. sourceName selects a server override.
func (inv *Invoker) Invoke(ctx context.Context, op *document.Operation, step *schema.Step, sc *expressions.Scope, sourceName string) (*schema.Response, error) {
	req, err := inv.Bind(op, step, sc, sourceName)
	if err != nil {
		return nil, err
	}
	return inv.Do(ctx, req)
}

// Bind resolves the step's parameter values and request body and assembles
// the concrete HTTP request for the operation. Binding is deterministic:
// the same operation, step, and scope always yield the same Request.
func (inv *Invoker) Bind(op *document.Operation, step *schema.Step, sc *expressions.Scope, sourceName string) (*Request, error) {
	base := op.Server
	if override, ok := inv.cfg.ServerOverrides[sourceName]; ok && override != "" {
		base = strings.TrimRight(override, "/")
	}
	if base == "" {
		return nil, schema.NewErrorf(schema.ErrCodeBinding,
			"operation %q has no server URL and no override was configured", op.ID).
			WithStep(step.StepID)
	}

	pathValues := map[string]string{}
	queryValues := url.Values{}
	headers := map[string]string{}
	cookies := map[string]string{}
	bound := map[string]bool{}

	for _, p := range step.Parameters {
		resolved, err := expressions.ResolveValue(p.Value, sc)
		if err != nil {
			return nil, wrapBinding(err, step.StepID)
		}

		loc := p.In
		if loc == "" {
			loc = declaredLocation(op, p.Name)
		}
		bound[loc+":"+p.Name] = true

		switch loc {
		case schema.InPath:
			pathValues[p.Name] = paramString(resolved)
		case schema.InQuery:
			queryValues.Add(p.Name, paramString(resolved))
		case schema.InHeader:
			headers[p.Name] = paramString(resolved)
		case schema.InCookie:
			cookies[p.Name] = paramString(resolved)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"parameter %q has unknown location %q", p.Name, p.In).
				WithStep(step.StepID)
		}
	}

	for _, decl := range op.Parameters {
		if decl.Required && !bound[decl.In+":"+decl.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"required %s parameter %q of operation %q is not supplied", decl.In, decl.Name, op.ID).
				WithStep(step.StepID)
		}
	}

	path, err := document.SubstitutePath(op.PathTemplate, pathValues)
	if err != nil {
		return nil, wrapBinding(err, step.StepID)
	}

	fullURL := base + path
	if encoded := queryValues.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	req := &Request{
		Method:  op.Method,
		URL:     fullURL,
		Headers: headers,
		Cookies: cookies,
	}

	if step.RequestBody != nil {
		body, err := expressions.ResolveValue(step.RequestBody.Payload, sc)
		if err != nil {
			return nil, wrapBinding(err, step.StepID)
		}
		req.Body = body
		req.ContentType = step.RequestBody.ContentType
		if req.ContentType == "" {
			req.ContentType = "application/json"
		}
	}

	for k, v := range inv.cfg.Headers {
		if _, set := req.Headers[k]; !set {
			req.Headers[k] = v
		}
	}

	return req, nil
}

// Do executes a bound request and normalizes the response. Network and
// protocol failures surface as TRANSPORT_ERROR. Non-2xx status codes are
// NOT errors here: success is the criteria evaluator's verdict.
func (inv *Invoker) Do(ctx context.Context, req *Request) (*schema.Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		if strings.Contains(req.ContentType, "json") || req.ContentType == "" {
			b, err := json.Marshal(req.Body)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeBinding, "cannot encode request body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
		} else {
			bodyReader = strings.NewReader(paramString(req.Body))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.DefaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "cannot build request for %s %s", req.Method, req.URL).WithCause(err)
	}

	if req.Body != nil && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for name, value := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "request to %s %s failed", req.Method, req.URL).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, inv.cfg.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "cannot read response from %s %s", req.Method, req.URL).WithCause(err)
	}

	return normalizeResponse(resp, bodyBytes, req), nil
}

// normalizeResponse converts an http.Response into the engine's view:
// JSON bodies are decoded, everything else stays a string.
func normalizeResponse(resp *http.Response, bodyBytes []byte, req *Request) *schema.Response {
	contentType := resp.Header.Get("Content-Type")

	var parsed any
	switch {
	case len(bodyBytes) == 0:
		parsed = nil
	case strings.Contains(contentType, "json"):
		if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
			parsed = string(bodyBytes)
		}
	default:
		parsed = string(bodyBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &schema.Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       parsed,
		URL:        req.URL,
		Method:     req.Method,
	}
}

// declaredLocation looks up the parameter's location in the operation's
// declarations when the step omits "in".
func declaredLocation(op *document.Operation, name string) string {
	for _, decl := range op.Parameters {
		if decl.Name == name {
			return decl.In
		}
	}
	return ""
}

// paramString renders a resolved value for use in a URL, header, or cookie.
func paramString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func wrapBinding(err error, stepID string) error {
	if ae, ok := err.(*schema.ArazzoError); ok {
		return ae.WithStep(stepID)
	}
	return schema.NewError(schema.ErrCodeBinding, err.Error()).WithStep(stepID).WithCause(err)
}
