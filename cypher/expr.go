package cypher

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// record binds variable names to values for one row flowing through a plan.
type record map[string]any

func (r record) with(name string, v any) record {
	out := make(record, len(r)+1)
	for k, x := range r {
		out[k] = x
	}
	out[name] = v
	return out
}

// evalContext carries what expressions need besides the record.
type evalContext struct {
	ctx       context.Context
	tx        *graph.Tx
	params    map[int]any
	stats     *Stats
	cancelled *atomic.Bool

	deletedNodes map[int64]bool
	deletedRels  map[int64]bool
	pendingNodes []int64
}

type expr interface {
	eval(ec *evalContext, rec record) (any, error)
}

type literalExpr struct{ val any }

func (e literalExpr) eval(*evalContext, record) (any, error) { return e.val, nil }

type paramExpr struct{ ordinal int }

func (e paramExpr) eval(ec *evalContext, _ record) (any, error) {
	v, ok := ec.params[e.ordinal]
	if !ok {
		return nil, &MissingParameterError{Ordinal: e.ordinal}
	}
	return v, nil
}

type varExpr struct{ name string }

func (e varExpr) eval(_ *evalContext, rec record) (any, error) {
	return rec[e.name], nil
}

type propExpr struct {
	target expr
	key    string
}

func (e propExpr) eval(ec *evalContext, rec record) (any, error) {
	t, err := e.target.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	switch x := t.(type) {
	case nil:
		return nil, nil
	case *graph.Node:
		return x.Props[e.key], nil
	case *graph.Relationship:
		return x.Props[e.key], nil
	case map[string]any:
		return x[e.key], nil
	}
	return nil, &TypeError{Op: "property access ." + e.key, Expected: "NODE, RELATIONSHIP or MAP", Got: t}
}

type indexExpr struct {
	target, index expr
}

func (e indexExpr) eval(ec *evalContext, rec record) (any, error) {
	t, err := e.target.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	i, err := e.index.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	if t == nil || i == nil {
		return nil, nil
	}
	switch x := t.(type) {
	case []any:
		n, ok := i.(int64)
		if !ok {
			return nil, &TypeError{Op: "list index", Expected: "INTEGER", Got: i}
		}
		if n < 0 {
			n += int64(len(x))
		}
		if n < 0 || n >= int64(len(x)) {
			return nil, nil
		}
		return x[n], nil
	case map[string]any:
		k, ok := i.(string)
		if !ok {
			return nil, &TypeError{Op: "map index", Expected: "STRING", Got: i}
		}
		return x[k], nil
	case *graph.Node, *graph.Relationship:
		k, ok := i.(string)
		if !ok {
			return nil, &TypeError{Op: "property index", Expected: "STRING", Got: i}
		}
		return propExpr{target: literalExpr{t}, key: k}.eval(ec, rec)
	}
	return nil, &TypeError{Op: "index", Expected: "LIST or MAP", Got: t}
}

type labelTestExpr struct {
	target expr
	label  string
}

func (e labelTestExpr) eval(ec *evalContext, rec record) (any, error) {
	t, err := e.target.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	switch x := t.(type) {
	case nil:
		return nil, nil
	case *graph.Node:
		return x.HasLabel(e.label), nil
	}
	return nil, &TypeError{Op: "label test :" + e.label, Expected: "NODE", Got: t}
}

type listExpr struct{ items []expr }

func (e listExpr) eval(ec *evalContext, rec record) (any, error) {
	out := make([]any, len(e.items))
	for i, item := range e.items {
		v, err := item.eval(ec, rec)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type mapExpr struct {
	keys []string
	vals []expr
}

func (e mapExpr) eval(ec *evalContext, rec record) (any, error) {
	out := make(map[string]any, len(e.keys))
	for i, k := range e.keys {
		v, err := e.vals[i].eval(ec, rec)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

type notExprNode struct{ inner expr }

func (e notExprNode) eval(ec *evalContext, rec record) (any, error) {
	v, err := e.inner.eval(ec, rec)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, &TypeError{Op: "NOT", Expected: "BOOLEAN", Got: v}
	}
	return !b, nil
}

type negExpr struct{ inner expr }

func (e negExpr) eval(ec *evalContext, rec record) (any, error) {
	v, err := e.inner.eval(ec, rec)
	if err != nil || v == nil {
		return nil, err
	}
	switch x := v.(type) {
	case int64:
		return -x, nil
	case float64:
		return -x, nil
	}
	return nil, &TypeError{Op: "unary minus", Expected: "INTEGER or FLOAT", Got: v}
}

type nullTestExpr struct {
	inner expr
	not   bool
}

func (e nullTestExpr) eval(ec *evalContext, rec record) (any, error) {
	v, err := e.inner.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	return (v == nil) != e.not, nil
}

// logicExpr implements AND, OR and XOR with three-valued logic.
type logicExpr struct {
	op          string
	left, right expr
}

func (e logicExpr) eval(ec *evalContext, rec record) (any, error) {
	l, err := e.left.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	lb, lok := l.(bool)
	if l != nil && !lok {
		return nil, &TypeError{Op: e.op, Expected: "BOOLEAN", Got: l}
	}
	// short circuit
	if lok && e.op == "AND" && !lb {
		return false, nil
	}
	if lok && e.op == "OR" && lb {
		return true, nil
	}
	r, err := e.right.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	rb, rok := r.(bool)
	if r != nil && !rok {
		return nil, &TypeError{Op: e.op, Expected: "BOOLEAN", Got: r}
	}
	switch e.op {
	case "AND":
		if rok && !rb {
			return false, nil
		}
		if !lok || !rok {
			return nil, nil
		}
		return true, nil
	case "OR":
		if rok && rb {
			return true, nil
		}
		if !lok || !rok {
			return nil, nil
		}
		return false, nil
	default:
		if !lok || !rok {
			return nil, nil
		}
		return lb != rb, nil
	}
}

type binaryExpr struct {
	op          string
	left, right expr
}

func (e binaryExpr) eval(ec *evalContext, rec record) (any, error) {
	l, err := e.left.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "=":
		eq, known := equalValues(l, r)
		if !known {
			return nil, nil
		}
		return eq, nil
	case "<>":
		eq, known := equalValues(l, r)
		if !known {
			return nil, nil
		}
		return !eq, nil
	case "<", "<=", ">", ">=":
		if l == nil || r == nil {
			return nil, nil
		}
		c, ok := compareValues(l, r)
		if !ok {
			return nil, nil
		}
		switch e.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "IN":
		if r == nil {
			return nil, nil
		}
		list, ok := r.([]any)
		if !ok {
			return nil, &TypeError{Op: "IN", Expected: "LIST", Got: r}
		}
		sawNull := false
		for _, item := range list {
			eq, known := equalValues(l, item)
			if eq {
				return true, nil
			}
			if !known {
				sawNull = true
			}
		}
		if sawNull {
			return nil, nil
		}
		return false, nil
	case "CONTAINS", "STARTSWITH", "ENDSWITH", "=~":
		if l == nil || r == nil {
			return nil, nil
		}
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, nil
		}
		switch e.op {
		case "CONTAINS":
			return strings.Contains(ls, rs), nil
		case "STARTSWITH":
			return strings.HasPrefix(ls, rs), nil
		case "ENDSWITH":
			return strings.HasSuffix(ls, rs), nil
		default:
			re, err := regexp.Compile("^(?:" + rs + ")$")
			if err != nil {
				return nil, fmt.Errorf("cypher: invalid regular expression %q: %w", rs, err)
			}
			return re.MatchString(ls), nil
		}
	}
	return arithmetic(e.op, l, r)
}

func arithmetic(op string, l, r any) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	if op == "+" {
		switch x := l.(type) {
		case string:
			return x + FormatValue(r), nil
		case []any:
			if y, ok := r.([]any); ok {
				return append(append([]any{}, x...), y...), nil
			}
			return append(append([]any{}, x...), r), nil
		}
		if s, ok := r.(string); ok {
			if _, num := toFloat(l); num {
				return FormatValue(l) + s, nil
			}
		}
		if y, ok := r.([]any); ok {
			return append([]any{l}, y...), nil
		}
	}
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("cypher: division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("cypher: division by zero")
			}
			return li % ri, nil
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok {
		return nil, &TypeError{Op: op, Expected: "numbers", Got: l}
	}
	if !rok {
		return nil, &TypeError{Op: op, Expected: "numbers", Got: r}
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		return lf / rf, nil
	case "%":
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("cypher: unknown operator %q", op)
}

// callExpr invokes a scalar function.
type callExpr struct {
	name string
	fn   scalarFunc
	args []expr
}

func (e callExpr) eval(ec *evalContext, rec record) (any, error) {
	args := make([]any, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(ec, rec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return e.fn(args)
}

// aggregateRef reads the value computed for an aggregate by the aggregation
// stage. Aggregates are replaced by these references at compile time.
type aggregateRef struct{ slot string }

func (e aggregateRef) eval(_ *evalContext, rec record) (any, error) {
	return rec[e.slot], nil
}
