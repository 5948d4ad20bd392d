package schema

import "strings"

// Response is the normalized result of an operation invocation. JSON bodies
// are unmarshalled into maps/slices; other content types are kept as string.
// A Response with an error status code is still a successful invocation --
// judging it is the criteria evaluator's job, not the invoker's.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`

	// Request echo, resolvable via $url and $method.
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
}

// Header returns the named response header, matched case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
