// Package criteria judges step success criteria against the last response.
// Criteria never cause retries here; a failed criterion surfaces as
// CRITERIA_FAILED and the surrounding orchestration decides what to do.
package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/pkg/schema"
)

// Evaluator evaluates a step's success criteria. All criteria must hold
// (logical AND); a step with no criteria succeeds on any 2xx status.
type Evaluator struct {
	simple expressions.Engine // condition engine for "simple" criteria
	jq     *expressions.GoJQEngine

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. The engine evaluates "simple"
// conditions after runtime-expression substitution; pass nil for the CEL
// default.
func NewEvaluator(simple expressions.Engine) (*Evaluator, error) {
	if simple == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		simple = cel
	}
	return &Evaluator{
		simple:  simple,
		jq:      expressions.NewGoJQEngine(),
		regexps: make(map[string]*regexp.Regexp),
	}, nil
}

// Evaluate judges every criterion against the scope. The first failing
// criterion aborts with CRITERIA_FAILED carrying the condition text and the
// actual evaluated values. Resolution and dialect errors propagate unchanged
// so the caller can distinguish authoring defects from honest failures.
func (ev *Evaluator) Evaluate(ctx context.Context, criteria []schema.Criterion, sc *expressions.Scope) error {
	if len(criteria) == 0 {
		return ev.defaultCriterion(sc)
	}

	for i, c := range criteria {
		if err := ev.evaluateOne(ctx, i, c, sc); err != nil {
			return err
		}
	}
	return nil
}

// defaultCriterion is applied when a step declares no criteria: the status
// code must be in the 2xx range.
func (ev *Evaluator) defaultCriterion(sc *expressions.Scope) error {
	if sc.Response == nil {
		return schema.NewError(schema.ErrCodeUnresolvedRef, "no response to judge")
	}
	code := sc.Response.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCriteriaFailed,
		"expected 2xx status, got %d", code).
		WithDetails(map[string]any{
			"condition": "default (status code in 2xx)",
			"actual":    code,
		})
}

func (ev *Evaluator) evaluateOne(ctx context.Context, idx int, c schema.Criterion, sc *expressions.Scope) error {
	switch c.Type {
	case "", schema.CriterionSimple:
		return ev.evaluateSimple(ctx, idx, c, sc)
	case schema.CriterionRegex:
		return ev.evaluateRegex(idx, c, sc)
	case schema.CriterionJSONPath:
		return ev.evaluateJSONPath(ctx, idx, c, sc)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported criterion type %q", c.Type)
	}
}

// evaluateSimple substitutes every runtime expression in the condition with
// its resolved value rendered as a literal, then evaluates the residual
// expression with the condition engine. Substitution keeps the evaluation
// engine-neutral: the same condition text works under CEL and Expr.
func (ev *Evaluator) evaluateSimple(ctx context.Context, idx int, c schema.Criterion, sc *expressions.Scope) error {
	substituted, actuals, err := SubstituteCondition(c.Condition, sc)
	if err != nil {
		return err
	}

	out, err := ev.simple.Evaluate(ctx, substituted, nil)
	if err != nil {
		return err
	}

	ok, isBool := out.(bool)
	if !isBool {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"criterion %d condition %q is not boolean (got %T)", idx, c.Condition, out)
	}
	if !ok {
		return criterionFailed(idx, c.Condition, actuals)
	}
	return nil
}

// evaluateRegex resolves the criterion context and matches the condition as
// a regular expression against its string form.
func (ev *Evaluator) evaluateRegex(idx int, c schema.Criterion, sc *expressions.Scope) error {
	if c.Context == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"criterion %d: regex criteria require a context expression", idx)
	}
	v, err := resolveContext(c.Context, sc)
	if err != nil {
		return err
	}

	re, err := ev.getOrCompileRegex(c.Condition)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"criterion %d: invalid regex %q: %s", idx, c.Condition, err.Error()).WithCause(err)
	}

	s := valueString(v)
	if !re.MatchString(s) {
		return criterionFailed(idx, c.Condition, map[string]any{c.Context: s})
	}
	return nil
}

// evaluateJSONPath resolves the criterion context (default $response.body)
// and runs the condition as a jq program over it. The criterion passes when
// the program yields a truthy, non-empty result.
func (ev *Evaluator) evaluateJSONPath(ctx context.Context, idx int, c schema.Criterion, sc *expressions.Scope) error {
	contextExpr := c.Context
	if contextExpr == "" {
		contextExpr = "$response.body"
	}
	doc, err := resolveContext(contextExpr, sc)
	if err != nil {
		return err
	}

	out, err := ev.jq.EvaluateDoc(ctx, c.Condition, doc)
	if err != nil {
		return err
	}

	if truthy(out) {
		return nil
	}
	return criterionFailed(idx, c.Condition, map[string]any{contextExpr: doc})
}

func (ev *Evaluator) getOrCompileRegex(pattern string) (*regexp.Regexp, error) {
	ev.mu.RLock()
	if re, ok := ev.regexps[pattern]; ok {
		ev.mu.RUnlock()
		return re, nil
	}
	ev.mu.RUnlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	ev.mu.Lock()
	ev.regexps[pattern] = re
	ev.mu.Unlock()
	return re, nil
}

// SubstituteCondition replaces every runtime expression token in a condition
// string with the literal rendering of its resolved value. Returns the
// rewritten condition and the token-to-value map for diagnostics.
func SubstituteCondition(condition string, sc *expressions.Scope) (string, map[string]any, error) {
	tokens := expressions.Tokens(condition)
	if len(tokens) == 0 {
		return condition, nil, nil
	}

	actuals := make(map[string]any, len(tokens))
	var b strings.Builder
	b.Grow(len(condition))

	prev := 0
	for _, tok := range tokens {
		e, err := expressions.Parse(tok.Text)
		if err != nil {
			return "", nil, err
		}
		v, err := expressions.Resolve(e, sc)
		if err != nil {
			return "", nil, err
		}
		actuals[tok.Text] = v

		b.WriteString(condition[prev:tok.Start])
		b.WriteString(renderLiteral(v))
		prev = tok.End
	}
	b.WriteString(condition[prev:])

	return b.String(), actuals, nil
}

// renderLiteral renders a resolved value as a source-level literal valid in
// both CEL and Expr.
func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		b, _ := json.Marshal(val)
		return string(b)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func resolveContext(contextExpr string, sc *expressions.Scope) (any, error) {
	e, err := expressions.Parse(contextExpr)
	if err != nil {
		return nil, err
	}
	return expressions.Resolve(e, sc)
}

func valueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case []any:
		return len(val) > 0
	case string:
		return val != ""
	default:
		return true
	}
}

func criterionFailed(idx int, condition string, actuals map[string]any) *schema.ArazzoError {
	details := map[string]any{
		"criterion": idx,
		"condition": condition,
	}
	if len(actuals) > 0 {
		details["actual"] = actuals
	}
	return schema.NewErrorf(schema.ErrCodeCriteriaFailed,
		"criterion %q not satisfied", condition).WithDetails(details)
}
