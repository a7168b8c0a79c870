package tools

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

// Dynamic tool implementations are single expressions evaluated in a
// restricted namespace: arithmetic, comparison and boolean operators, string
// indexing, and a fixed set of string, list, and map builtins. There is no
// assignment, no loop construct, no import, and no way to reach the
// filesystem or network, which keeps created tools inside the sandbox
// boundary without an embedded language runtime.

const evalMaxSteps = 100_000

type evaluator struct {
	params map[string]any
	steps  int
}

// evalExpression parses and evaluates src with the given parameter bindings.
func evalExpression(src string, params map[string]any) (any, error) {
	node, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("parsing implementation: %w", err)
	}
	e := &evaluator{params: params}
	return e.eval(node)
}

func (e *evaluator) eval(node ast.Expr) (any, error) {
	e.steps++
	if e.steps > evalMaxSteps {
		return nil, fmt.Errorf("expression exceeded evaluation budget")
	}

	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)

	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		if v, ok := e.params[n.Name]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", n.Name)

	case *ast.ParenExpr:
		return e.eval(n.X)

	case *ast.UnaryExpr:
		return e.evalUnary(n)

	case *ast.BinaryExpr:
		return e.evalBinary(n)

	case *ast.IndexExpr:
		return e.evalIndex(n)

	case *ast.CallExpr:
		return e.evalCall(n)

	case *ast.CompositeLit:
		return nil, fmt.Errorf("composite literals are not allowed; use list(...) or map(...)")

	default:
		return nil, fmt.Errorf("construct %T is not allowed", node)
	}
}

func evalLiteral(lit *ast.BasicLit) (any, error) {
	switch lit.Kind {
	case token.INT:
		v, err := strconv.ParseInt(lit.Value, 0, 64)
		if err != nil {
			return nil, err
		}
		return float64(v), nil
	case token.FLOAT:
		return strconv.ParseFloat(lit.Value, 64)
	case token.STRING:
		return strconv.Unquote(lit.Value)
	default:
		return nil, fmt.Errorf("literal kind %s is not allowed", lit.Kind)
	}
}

func (e *evaluator) evalUnary(n *ast.UnaryExpr) (any, error) {
	v, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.SUB:
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	case token.NOT:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot apply ! to %T", v)
		}
		return !b, nil
	default:
		return nil, fmt.Errorf("unary operator %s is not allowed", n.Op)
	}
}

func (e *evaluator) evalBinary(n *ast.BinaryExpr) (any, error) {
	// Short-circuit booleans before evaluating the right side.
	if n.Op == token.LAND || n.Op == token.LOR {
		left, err := e.eval(n.X)
		if err != nil {
			return nil, err
		}
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean operator needs bool operands, got %T", left)
		}
		if n.Op == token.LAND && !lb {
			return false, nil
		}
		if n.Op == token.LOR && lb {
			return true, nil
		}
		right, err := e.eval(n.Y)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean operator needs bool operands, got %T", right)
		}
		return rb, nil
	}

	left, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.Y)
	if err != nil {
		return nil, err
	}

	// String concatenation and comparison.
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch n.Op {
			case token.ADD:
				return ls + rs, nil
			case token.EQL:
				return ls == rs, nil
			case token.NEQ:
				return ls != rs, nil
			case token.LSS:
				return ls < rs, nil
			case token.LEQ:
				return ls <= rs, nil
			case token.GTR:
				return ls > rs, nil
			case token.GEQ:
				return ls >= rs, nil
			}
			return nil, fmt.Errorf("operator %s is not defined on strings", n.Op)
		}
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		switch n.Op {
		case token.EQL:
			return left == right, nil
		case token.NEQ:
			return left != right, nil
		}
		return nil, fmt.Errorf("operator %s needs numeric operands, got %T and %T", n.Op, left, right)
	}

	switch n.Op {
	case token.ADD:
		return lf + rf, nil
	case token.SUB:
		return lf - rf, nil
	case token.MUL:
		return lf * rf, nil
	case token.QUO:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case token.REM:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	case token.EQL:
		return lf == rf, nil
	case token.NEQ:
		return lf != rf, nil
	case token.LSS:
		return lf < rf, nil
	case token.LEQ:
		return lf <= rf, nil
	case token.GTR:
		return lf > rf, nil
	case token.GEQ:
		return lf >= rf, nil
	default:
		return nil, fmt.Errorf("operator %s is not allowed", n.Op)
	}
}

func (e *evaluator) evalIndex(n *ast.IndexExpr) (any, error) {
	target, err := e.eval(n.X)
	if err != nil {
		return nil, err
	}
	index, err := e.eval(n.Index)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case string:
		i, ok := toNumber(index)
		if !ok {
			return nil, fmt.Errorf("string index must be numeric")
		}
		r := []rune(t)
		if int(i) < 0 || int(i) >= len(r) {
			return nil, fmt.Errorf("index %d out of range", int(i))
		}
		return string(r[int(i)]), nil
	case []any:
		i, ok := toNumber(index)
		if !ok {
			return nil, fmt.Errorf("list index must be numeric")
		}
		if int(i) < 0 || int(i) >= len(t) {
			return nil, fmt.Errorf("index %d out of range", int(i))
		}
		return t[int(i)], nil
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("map key must be a string")
		}
		return t[key], nil
	default:
		return nil, fmt.Errorf("cannot index %T", target)
	}
}

func (e *evaluator) evalCall(n *ast.CallExpr) (any, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("only builtin calls are allowed")
	}

	args := make([]any, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return callBuiltin(ident.Name, args)
}

func callBuiltin(name string, args []any) (any, error) {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d arguments, got %d", name, n, len(args))
		}
		return nil
	}
	str := func(i int) (string, error) {
		s, ok := args[i].(string)
		if !ok {
			return "", fmt.Errorf("%s: argument %d must be a string", name, i+1)
		}
		return s, nil
	}
	num := func(i int) (float64, error) {
		f, ok := toNumber(args[i])
		if !ok {
			return 0, fmt.Errorf("%s: argument %d must be numeric", name, i+1)
		}
		return f, nil
	}

	switch name {
	case "len":
		if err := need(1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len: unsupported type %T", v)
		}

	case "upper", "lower", "trim":
		if err := need(1); err != nil {
			return nil, err
		}
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		switch name {
		case "upper":
			return strings.ToUpper(s), nil
		case "lower":
			return strings.ToLower(s), nil
		default:
			return strings.TrimSpace(s), nil
		}

	case "contains":
		if err := need(2); err != nil {
			return nil, err
		}
		s, err := str(0)
		if err != nil {
			return nil, err
		}
		sub, err := str(1)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, sub), nil

	case "replace":
		if err := need(3); err != nil {
			return nil, err
		}
		s, err1 := str(0)
		old, err2 := str(1)
		new_, err3 := str(2)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("replace expects string arguments")
		}
		return strings.ReplaceAll(s, old, new_), nil

	case "split":
		if err := need(2); err != nil {
			return nil, err
		}
		s, err1 := str(0)
		sep, err2 := str(1)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("split expects string arguments")
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil

	case "join":
		if err := need(2); err != nil {
			return nil, err
		}
		items, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("join: first argument must be a list")
		}
		sep, err := str(1)
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = toString(it)
		}
		return strings.Join(parts, sep), nil

	case "str":
		if err := need(1); err != nil {
			return nil, err
		}
		return toString(args[0]), nil

	case "num":
		if err := need(1); err != nil {
			return nil, err
		}
		if f, ok := toNumber(args[0]); ok {
			return f, nil
		}
		if s, ok := args[0].(string); ok {
			return strconv.ParseFloat(strings.TrimSpace(s), 64)
		}
		return nil, fmt.Errorf("num: cannot convert %T", args[0])

	case "abs":
		if err := need(1); err != nil {
			return nil, err
		}
		f, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil

	case "round":
		if err := need(1); err != nil {
			return nil, err
		}
		f, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Round(f), nil

	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s expects at least one argument", name)
		}
		best, err := num(0)
		if err != nil {
			return nil, err
		}
		for i := 1; i < len(args); i++ {
			f, err := num(i)
			if err != nil {
				return nil, err
			}
			if (name == "min" && f < best) || (name == "max" && f > best) {
				best = f
			}
		}
		return best, nil

	case "list":
		return append([]any(nil), args...), nil

	case "map":
		if len(args)%2 != 0 {
			return nil, fmt.Errorf("map expects key/value pairs")
		}
		out := make(map[string]any, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			key, ok := args[i].(string)
			if !ok {
				return nil, fmt.Errorf("map keys must be strings")
			}
			out[key] = args[i+1]
		}
		return out, nil

	case "get":
		if err := need(3); err != nil {
			return nil, err
		}
		m, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("get: first argument must be a map")
		}
		key, err := str(1)
		if err != nil {
			return nil, err
		}
		if v, ok := m[key]; ok {
			return v, nil
		}
		return args[2], nil

	case "if":
		if err := need(3); err != nil {
			return nil, err
		}
		cond, ok := args[0].(bool)
		if !ok {
			return nil, fmt.Errorf("if: condition must be bool")
		}
		if cond {
			return args[1], nil
		}
		return args[2], nil

	default:
		return nil, fmt.Errorf("function %q is not allowed", name)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
