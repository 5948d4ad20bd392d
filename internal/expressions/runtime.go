package expressions

import (
	"strconv"
	"strings"

	"github.com/rendis/arazzo/pkg/schema"
)

// Kind tags the variant of a parsed runtime expression.
type Kind int

const (
	KindLiteral Kind = iota
	KindInputs
	KindSteps
	KindResponseBody
	KindResponseHeader
	KindStatusCode
	KindURL
	KindMethod
)

// Segment is one traversal step into a response body: a field access, an
// array index, or the trailing .length pseudo-field.
type Segment struct {
	Field    string
	Index    int
	IsIndex  bool
	IsLength bool
}

// Expr is a runtime expression parsed into a tagged-variant AST. Expressions
// are parsed once at document load and resolved many times; resolution never
// re-parses the text.
type Expr struct {
	Kind    Kind
	Text    string    // original expression text, kept for diagnostics
	Name    string    // input name, output name, or header name
	StepID  string    // referenced step, for KindSteps
	Path    []Segment // body traversal, for KindResponseBody
	Literal any       // passthrough value, for KindLiteral
}

// IsExpression reports whether the string is runtime-expression syntax
// rather than a literal.
func IsExpression(s string) bool {
	return strings.HasPrefix(s, "$")
}

// Parse parses a runtime expression. Values that do not start with "$" are
// returned as literal passthrough. Malformed expressions fail with an
// UNRESOLVED_REFERENCE describing the offending text.
func Parse(text string) (*Expr, error) {
	if !IsExpression(text) {
		return &Expr{Kind: KindLiteral, Text: text, Literal: text}, nil
	}

	switch text {
	case "$statusCode":
		return &Expr{Kind: KindStatusCode, Text: text}, nil
	case "$url":
		return &Expr{Kind: KindURL, Text: text}, nil
	case "$method":
		return &Expr{Kind: KindMethod, Text: text}, nil
	}

	switch {
	case strings.HasPrefix(text, "$inputs."):
		name := text[len("$inputs."):]
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, malformed(text, "expected $inputs.<name>")
		}
		return &Expr{Kind: KindInputs, Text: text, Name: name}, nil

	case strings.HasPrefix(text, "$steps."):
		rest := text[len("$steps."):]
		dot := strings.Index(rest, ".")
		if dot <= 0 {
			return nil, malformed(text, "expected $steps.<stepId>.outputs.<name>")
		}
		stepID := rest[:dot]
		rest = rest[dot+1:]
		if !strings.HasPrefix(rest, "outputs.") {
			return nil, malformed(text, "expected $steps.<stepId>.outputs.<name>")
		}
		name := rest[len("outputs."):]
		if name == "" {
			return nil, malformed(text, "missing output name")
		}
		return &Expr{Kind: KindSteps, Text: text, StepID: stepID, Name: name}, nil

	case strings.HasPrefix(text, "$response.header."):
		name := text[len("$response.header."):]
		if name == "" {
			return nil, malformed(text, "missing header name")
		}
		return &Expr{Kind: KindResponseHeader, Text: text, Name: name}, nil

	case strings.HasPrefix(text, "$response.body"):
		rest := text[len("$response.body"):]
		path, err := parseBodyPath(text, rest)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: KindResponseBody, Text: text, Path: path}, nil
	}

	return nil, malformed(text, "unknown expression root")
}

// parseBodyPath parses the traversal after $response.body. Two spellings are
// accepted: JSON-pointer form ("#/a/b/0") and dot form (".a.b[0].length").
func parseBodyPath(full, rest string) ([]Segment, error) {
	if rest == "" {
		return nil, nil
	}

	if strings.HasPrefix(rest, "#/") {
		var path []Segment
		for _, part := range strings.Split(rest[2:], "/") {
			if part == "" {
				return nil, malformed(full, "empty JSON pointer segment")
			}
			part = strings.ReplaceAll(part, "~1", "/")
			part = strings.ReplaceAll(part, "~0", "~")
			if idx, err := strconv.Atoi(part); err == nil {
				path = append(path, Segment{Index: idx, IsIndex: true})
			} else {
				path = append(path, Segment{Field: part})
			}
		}
		return path, nil
	}

	if !strings.HasPrefix(rest, ".") && !strings.HasPrefix(rest, "[") {
		return nil, malformed(full, "expected '.', '[' or '#/' after $response.body")
	}

	var path []Segment
	i := 0
	for i < len(rest) {
		switch rest[i] {
		case '.':
			i++
			start := i
			for i < len(rest) && rest[i] != '.' && rest[i] != '[' {
				i++
			}
			field := rest[start:i]
			if field == "" {
				return nil, malformed(full, "empty field segment")
			}
			if field == "length" && i == len(rest) {
				path = append(path, Segment{IsLength: true})
			} else {
				path = append(path, Segment{Field: field})
			}
		case '[':
			end := strings.Index(rest[i:], "]")
			if end < 0 {
				return nil, malformed(full, "unterminated index")
			}
			idx, err := strconv.Atoi(rest[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, malformed(full, "invalid array index")
			}
			path = append(path, Segment{Index: idx, IsIndex: true})
			i += end + 1
		default:
			return nil, malformed(full, "unexpected character in body path")
		}
	}
	return path, nil
}

func malformed(text, why string) *schema.ArazzoError {
	return schema.NewErrorf(schema.ErrCodeUnresolvedRef,
		"malformed runtime expression %q: %s", text, why).
		WithDetails(map[string]any{"expression": text})
}

// Token is an occurrence of a runtime expression embedded in a larger
// string, such as a success-criterion condition or a "{$inputs.x}" template.
type Token struct {
	Start int
	End   int // exclusive
	Text  string
}

// exprChar reports whether c may appear inside a runtime expression token.
func exprChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-' || c == '[' || c == ']' || c == '#' || c == '/':
		return true
	}
	return false
}

// Tokens scans a string for embedded runtime expressions. A token starts at
// "$" and extends over expression characters; a trailing dot is excluded so
// that "$statusCode == 200." style text scans cleanly.
func Tokens(s string) []Token {
	var tokens []Token
	i := 0
	for i < len(s) {
		idx := strings.IndexByte(s[i:], '$')
		if idx < 0 {
			break
		}
		start := i + idx
		j := start + 1
		for j < len(s) && exprChar(s[j]) {
			j++
		}
		for j > start+1 && s[j-1] == '.' {
			j--
		}
		if j > start+1 {
			tokens = append(tokens, Token{Start: start, End: j, Text: s[start:j]})
		}
		i = j
	}
	return tokens
}
