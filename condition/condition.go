// Package condition implements the branch-condition expression language used
// by workflow definitions. An expression is one or more equality comparisons
// joined by the literal keywords AND and OR, evaluated strictly left to
// right. Operands are either single-quoted literals or references of the
// form {{context.<dotted.path>}} resolved against a ContextResolver.
//
// An unresolvable reference is not an error: the enclosing comparison
// evaluates to false so the DAG branch is skipped rather than failing the
// workflow. Malformed expressions (mismatched braces, missing ==) surface a
// parse error.
package condition

import (
	"fmt"
	"strings"
)

// Keyword joins two conditional groups.
type Keyword string

const (
	KeywordSingular Keyword = "singular"
	KeywordAnd      Keyword = "AND"
	KeywordOr       Keyword = "OR"
)

// Comparison is the leaf of the expression tree: a single equality check
// between two raw operand strings.
type Comparison struct {
	Left  string
	Right string
}

// ConditionalGroup is a node of the parsed expression tree. A group either
// holds a Comparison (Keyword == KeywordSingular) or joins its Left and
// Right child groups with AND or OR. Groups are built fresh per evaluation
// and never persisted.
type ConditionalGroup struct {
	Keyword    Keyword
	Left       *ConditionalGroup
	Right      *ConditionalGroup
	Comparison *Comparison
}

// ContextResolver resolves a reference path (the text inside {{...}},
// without the braces) to a string value. The second return reports whether
// the path resolved.
type ContextResolver interface {
	Resolve(path string) (value string, ok bool)
}

// MapResolver is a ContextResolver backed by a plain map.
type MapResolver map[string]string

func (m MapResolver) Resolve(path string) (string, bool) {
	value, ok := m[path]
	return value, ok
}

// Outcome is the result of evaluating an expression. Unresolved lists the
// reference paths that failed to resolve; each such failure made its
// comparison false.
type Outcome struct {
	Value      bool
	Unresolved []string
}

// Evaluate parses and evaluates an expression against the given context.
func Evaluate(expression string, context ContextResolver) (bool, error) {
	group, err := Parse(expression)
	if err != nil {
		return false, err
	}
	return group.Evaluate(context).Value, nil
}

// Parse builds the ConditionalGroup tree for an expression.
func Parse(expression string) (*ConditionalGroup, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty condition expression")
	}
	return parseGroup(expression)
}

// Evaluate walks the group tree against the given context.
func (g *ConditionalGroup) Evaluate(context ContextResolver) *Outcome {
	outcome := &Outcome{}
	outcome.Value = g.evaluate(context, outcome)
	return outcome
}

func (g *ConditionalGroup) evaluate(context ContextResolver, outcome *Outcome) bool {
	switch g.Keyword {
	case KeywordAnd:
		return g.Left.evaluate(context, outcome) && g.Right.evaluate(context, outcome)
	case KeywordOr:
		return g.Left.evaluate(context, outcome) || g.Right.evaluate(context, outcome)
	default:
		left, ok := resolveOperand(g.Comparison.Left, context, outcome)
		if !ok {
			return false
		}
		right, ok := resolveOperand(g.Comparison.Right, context, outcome)
		if !ok {
			return false
		}
		return strings.TrimSpace(left) == strings.TrimSpace(right)
	}
}

// resolveOperand turns a raw operand into its comparison value. References
// are resolved through the context; single-quoted literals are unquoted;
// anything else is compared verbatim after trimming.
func resolveOperand(raw string, context ContextResolver, outcome *Outcome) (string, bool) {
	operand := strings.TrimSpace(raw)
	if strings.HasPrefix(operand, "{{") && strings.HasSuffix(operand, "}}") {
		path := strings.TrimSpace(operand[2 : len(operand)-2])
		value, ok := context.Resolve(path)
		if !ok {
			outcome.Unresolved = append(outcome.Unresolved, path)
			return "", false
		}
		return value, true
	}
	if len(operand) >= 2 && operand[0] == '\'' && operand[len(operand)-1] == '\'' {
		return operand[1 : len(operand)-1], true
	}
	return operand, true
}

// parseGroup splits on the last top-level AND/OR keyword so that a chain of
// keywords evaluates strictly left to right: a AND b OR c parses as
// ((a AND b) OR c).
func parseGroup(input string) (*ConditionalGroup, error) {
	mask, err := topLevelMask(input)
	if err != nil {
		return nil, err
	}
	if idx, keyword, found := lastKeyword(input, mask); found {
		left := input[:idx]
		right := input[idx+len(keyword):]
		if strings.TrimSpace(left) == "" {
			return nil, fmt.Errorf("missing left operand before %s in %q", keyword, input)
		}
		if strings.TrimSpace(right) == "" {
			return nil, fmt.Errorf("missing right operand after %s in %q", keyword, input)
		}
		leftGroup, err := parseGroup(left)
		if err != nil {
			return nil, err
		}
		rightGroup, err := parseGroup(right)
		if err != nil {
			return nil, err
		}
		return &ConditionalGroup{Keyword: keyword, Left: leftGroup, Right: rightGroup}, nil
	}
	return parseComparison(input, mask)
}

func parseComparison(input string, mask []bool) (*ConditionalGroup, error) {
	idx := -1
	for i := 0; i+1 < len(input); i++ {
		if input[i] == '=' && input[i+1] == '=' && mask[i] && mask[i+1] {
			if idx >= 0 {
				return nil, fmt.Errorf("unexpected second == in %q", input)
			}
			idx = i
			i++
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("missing == in %q", input)
	}
	left := strings.TrimSpace(input[:idx])
	right := strings.TrimSpace(input[idx+2:])
	if left == "" {
		return nil, fmt.Errorf("missing left operand in %q", input)
	}
	if right == "" {
		return nil, fmt.Errorf("missing right operand in %q", input)
	}
	return &ConditionalGroup{
		Keyword:    KeywordSingular,
		Comparison: &Comparison{Left: left, Right: right},
	}, nil
}

// lastKeyword finds the last whitespace-delimited AND or OR at the top
// level of the expression. Keywords are case-sensitive.
func lastKeyword(input string, mask []bool) (int, Keyword, bool) {
	idx := -1
	var keyword Keyword
	for i := 0; i < len(input); i++ {
		if !mask[i] {
			continue
		}
		if matchWord(input, mask, i, "AND") {
			idx, keyword = i, KeywordAnd
		} else if matchWord(input, mask, i, "OR") {
			idx, keyword = i, KeywordOr
		}
	}
	return idx, keyword, idx >= 0
}

func matchWord(input string, mask []bool, i int, word string) bool {
	if !strings.HasPrefix(input[i:], word) {
		return false
	}
	for j := i; j < i+len(word); j++ {
		if !mask[j] {
			return false
		}
	}
	if i == 0 || !isSpace(input[i-1]) {
		return false
	}
	end := i + len(word)
	return end < len(input) && isSpace(input[end])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// topLevelMask marks which bytes of the expression sit outside {{...}}
// references and outside single-quoted literals. Keyword and operator
// scanning only considers top-level bytes, so quoted keywords and anything
// inside a reference are inert.
func topLevelMask(input string) ([]bool, error) {
	mask := make([]bool, len(input))
	depth := 0
	inQuote := false
	for i := 0; i < len(input); i++ {
		if !inQuote && i+1 < len(input) && input[i] == '{' && input[i+1] == '{' {
			depth++
			i++
			continue
		}
		if !inQuote && i+1 < len(input) && input[i] == '}' && input[i+1] == '}' {
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("mismatched braces in %q", input)
			}
			i++
			continue
		}
		if depth == 0 && input[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		mask[i] = depth == 0 && !inQuote
	}
	if depth != 0 {
		return nil, fmt.Errorf("mismatched braces in %q", input)
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", input)
	}
	return mask, nil
}
