package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
	"github.com/oliveagle/jsonpath"

	"github.com/songzhibin97/flowcore/types"
)

// Evaluator defines the interface for evaluating guard expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// pathPattern matches a $-rooted JSONPath reference such as $.a.b or
// $.items[0].sku at the start of its input.
var pathPattern = regexp.MustCompile(`^\$(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[^\]]*\])*`)

var errEmptyExpression = errors.New("empty expression")

type guard struct {
	paths    []*jsonpath.Compiled
	vars     []string
	program  *vm.Program // nil for a bare existence test
	existVar string
}

// PathEvaluator evaluates guards whose operands are JSONPath references into
// the context. Paths are resolved with jsonpath, the surrounding boolean logic
// is run by expr. Compiled guards are cached by expression text.
type PathEvaluator struct {
	cache map[string]*guard
	mu    sync.RWMutex
}

// NewPathEvaluator creates a new PathEvaluator with an initialized cache.
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{
		cache: make(map[string]*guard),
	}
}

// Check compiles expression without evaluating it.
func (e *PathEvaluator) Check(expression string) error {
	_, err := e.compiled(expression)
	return err
}

// Evaluate evaluates expression against context. A guard that is a single
// path is an existence test, and so is a path used directly as an operand of
// a logical operator. A path that does not resolve, or resolves to null, is
// bound to nil: comparisons against it are false and the rest of the guard
// still decides. Anything that fails to compile, or does not produce a
// boolean, is an ErrJSONPathEvaluation.
func (e *PathEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	g, err := e.compiled(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]interface{}, len(g.vars))
	unresolved := false
	for i, p := range g.paths {
		value, err := p.Lookup(context)
		if err != nil || value == nil {
			value, unresolved = nil, true
		}
		env[g.vars[i]] = value
	}

	if g.program == nil {
		v := env[g.existVar]
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return v != nil, nil
	}

	result, err := expr.Run(g.program, env)
	if err != nil {
		if unresolved {
			// e.g. arithmetic on an absent operand
			return false, nil
		}
		return false, evalError(expression, err)
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, evalError(expression, fmt.Errorf("expression did not evaluate to a boolean, got %T", result))
}

func (e *PathEvaluator) compiled(expression string) (*guard, error) {
	e.mu.RLock()
	g, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok = e.cache[expression]; ok {
		return g, nil
	}
	g, err := compileGuard(expression)
	if err != nil {
		return nil, evalError(expression, err)
	}
	e.cache[expression] = g
	return g, nil
}

func compileGuard(expression string) (*guard, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, errEmptyExpression
	}

	g := &guard{}
	names := make(map[string]string)
	var sb strings.Builder
	last := 0
	for _, loc := range pathSpans(src) {
		path := src[loc[0]:loc[1]]
		name, ok := names[path]
		if !ok {
			compiled, err := jsonpath.Compile(path)
			if err != nil {
				return nil, fmt.Errorf("invalid path %s: %w", path, err)
			}
			name = "p" + strconv.Itoa(len(g.vars))
			names[path] = name
			g.vars = append(g.vars, name)
			g.paths = append(g.paths, compiled)
		}
		sb.WriteString(src[last:loc[0]])
		sb.WriteString(name)
		last = loc[1]
	}
	sb.WriteString(src[last:])
	rewritten := strings.TrimSpace(sb.String())

	if len(g.vars) == 0 {
		return nil, errors.New("guard references no $ path")
	}
	if len(g.vars) == 1 && rewritten == g.vars[0] {
		g.existVar = g.vars[0]
		return g, nil
	}

	program, err := expr.Compile(rewritten,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.Patch(&absentOperands{vars: names}))
	if err != nil {
		return nil, err
	}
	g.program = program
	return g, nil
}

// pathSpans returns the [start, end) offsets of the $-paths in src that lie
// outside string literals.
func pathSpans(src string) [][2]int {
	var spans [][2]int
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			if c == '\\' && quote != '`' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '$':
			if loc := pathPattern.FindStringIndex(src[i:]); loc != nil {
				spans = append(spans, [2]int{i, i + loc[1]})
				i += loc[1] - 1
			}
		}
	}
	return spans
}

// nilUnsafe are the operators that fail at run time on a nil operand.
var nilUnsafe = map[string]bool{
	"<": true, ">": true, "<=": true, ">=": true,
	"in": true, "contains": true, "startsWith": true, "endsWith": true, "matches": true,
}

// absentOperands rewrites a compiled guard so that a path bound to nil acts
// as a false operand: `p0 > 1` becomes `p0 == nil ? false : p0 > 1`, and a
// path used directly by a logical operator becomes `p0 != nil && p0 != false`.
type absentOperands struct {
	vars map[string]string // path -> variable
}

func (v *absentOperands) isPath(n ast.Node) (*ast.IdentifierNode, bool) {
	id, ok := n.(*ast.IdentifierNode)
	if !ok {
		return nil, false
	}
	for _, name := range v.vars {
		if id.Value == name {
			return id, true
		}
	}
	return nil, false
}

func (v *absentOperands) truthy(n *ast.Node) {
	id, ok := v.isPath(*n)
	if !ok {
		return
	}
	ast.Patch(n, &ast.BinaryNode{
		Operator: "&&",
		Left:     &ast.BinaryNode{Operator: "!=", Left: &ast.IdentifierNode{Value: id.Value}, Right: &ast.NilNode{}},
		Right:    &ast.BinaryNode{Operator: "!=", Left: &ast.IdentifierNode{Value: id.Value}, Right: &ast.BoolNode{Value: false}},
	})
}

func (v *absentOperands) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.UnaryNode:
		if n.Operator == "!" || n.Operator == "not" {
			v.truthy(&n.Node)
		}
	case *ast.ConditionalNode:
		v.truthy(&n.Cond)
	case *ast.BinaryNode:
		switch {
		case n.Operator == "&&" || n.Operator == "and" || n.Operator == "||" || n.Operator == "or":
			v.truthy(&n.Left)
			v.truthy(&n.Right)
		case nilUnsafe[n.Operator]:
			var cond ast.Node
			for _, operand := range []ast.Node{n.Left, n.Right} {
				id, ok := v.isPath(operand)
				if !ok {
					continue
				}
				isNil := &ast.BinaryNode{Operator: "==", Left: &ast.IdentifierNode{Value: id.Value}, Right: &ast.NilNode{}}
				if cond == nil {
					cond = isNil
				} else {
					cond = &ast.BinaryNode{Operator: "||", Left: cond, Right: isNil}
				}
			}
			if cond != nil {
				ast.Patch(node, &ast.ConditionalNode{Cond: cond, Exp1: &ast.BoolNode{Value: false}, Exp2: n})
			}
		}
	}
}

func evalError(expression string, err error) error {
	return &types.EngineError{Kind: types.ErrJSONPathEvaluation, Expression: expression, Err: err}
}
