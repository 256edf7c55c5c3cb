package cypher

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/CaliLuke/go-cypherdb/graph"
)

type scalarFunc func(args []any) (any, error)

type funcDef struct {
	minArgs, maxArgs int
	fn               scalarFunc
}

// ArityError is returned for a function called with the wrong number of
// arguments.
type ArityError struct {
	Func string
	Got  int
}

// Error returns the error message for ArityError.
func (e *ArityError) Error() string {
	return fmt.Sprintf("cypher: wrong number of arguments to %s(): %d", e.Func, e.Got)
}

var scalarFuncs = map[string]funcDef{
	"id":        {1, 1, fnID},
	"labels":    {1, 1, fnLabels},
	"type":      {1, 1, fnType},
	"keys":      {1, 1, fnKeys},
	"range":     {2, 3, fnRange},
	"size":      {1, 1, fnSize},
	"length":    {1, 1, fnSize},
	"coalesce":  {1, -1, fnCoalesce},
	"tostring":  {1, 1, fnToString},
	"tointeger": {1, 1, fnToInteger},
	"toint":     {1, 1, fnToInteger},
	"tofloat":   {1, 1, fnToFloat},
	"abs":       {1, 1, fnAbs},
	"head":      {1, 1, fnHead},
	"last":      {1, 1, fnLast},
	"tail":      {1, 1, fnTail},
	"exists":    {1, 1, fnExists},
	"has":       {1, 1, fnExists},
	"toupper":   {1, 1, stringFunc("toUpper", strings.ToUpper)},
	"tolower":   {1, 1, stringFunc("toLower", strings.ToLower)},
	"trim":      {1, 1, stringFunc("trim", strings.TrimSpace)},
}

var aggregateFuncs = map[string]bool{
	"count":   true,
	"sum":     true,
	"min":     true,
	"max":     true,
	"avg":     true,
	"collect": true,
}

func fnID(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *graph.Node:
		return x.ID, nil
	case *graph.Relationship:
		return x.ID, nil
	}
	return nil, &TypeError{Op: "id()", Expected: "NODE or RELATIONSHIP", Got: args[0]}
}

func fnLabels(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *graph.Node:
		out := make([]any, len(x.Labels))
		for i, l := range x.Labels {
			out[i] = l
		}
		return out, nil
	}
	return nil, &TypeError{Op: "labels()", Expected: "NODE", Got: args[0]}
}

func fnType(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *graph.Relationship:
		return x.Type, nil
	}
	return nil, &TypeError{Op: "type()", Expected: "RELATIONSHIP", Got: args[0]}
}

func fnKeys(args []any) (any, error) {
	var props map[string]any
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case *graph.Node:
		props = x.Props
	case *graph.Relationship:
		props = x.Props
	case map[string]any:
		props = x
	default:
		return nil, &TypeError{Op: "keys()", Expected: "NODE, RELATIONSHIP or MAP", Got: args[0]}
	}
	out := []any{}
	for _, k := range slices.Sorted(maps.Keys(props)) {
		out = append(out, k)
	}
	return out, nil
}

func fnRange(args []any) (any, error) {
	var bounds [3]int64
	bounds[2] = 1
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, &TypeError{Op: "range()", Expected: "INTEGER", Got: a}
		}
		bounds[i] = n
	}
	from, to, step := bounds[0], bounds[1], bounds[2]
	if step == 0 {
		return nil, fmt.Errorf("cypher: range() step must not be zero")
	}
	out := []any{}
	for i := from; (step > 0 && i <= to) || (step < 0 && i >= to); i += step {
		out = append(out, i)
	}
	return out, nil
}

func fnSize(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case []any:
		return int64(len(x)), nil
	case string:
		return int64(len([]rune(x))), nil
	case map[string]any:
		return int64(len(x)), nil
	}
	return nil, &TypeError{Op: "size()", Expected: "LIST or STRING", Got: args[0]}
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnToString(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case string, int64, float64, bool:
		return FormatValue(x), nil
	}
	return nil, &TypeError{Op: "toString()", Expected: "a scalar", Got: args[0]}
}

func fnToInteger(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), nil
		}
		return nil, nil
	}
	return nil, &TypeError{Op: "toInteger()", Expected: "a number or STRING", Got: args[0]}
}

func fnToFloat(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, nil
		}
		return f, nil
	}
	return nil, &TypeError{Op: "toFloat()", Expected: "a number or STRING", Got: args[0]}
}

func fnAbs(args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, &TypeError{Op: "abs()", Expected: "INTEGER or FLOAT", Got: args[0]}
}

func listArg(name string, v any) ([]any, bool, error) {
	switch x := v.(type) {
	case nil:
		return nil, false, nil
	case []any:
		return x, true, nil
	}
	return nil, false, &TypeError{Op: name, Expected: "LIST", Got: v}
}

func fnHead(args []any) (any, error) {
	l, ok, err := listArg("head()", args[0])
	if !ok || len(l) == 0 {
		return nil, err
	}
	return l[0], nil
}

func fnLast(args []any) (any, error) {
	l, ok, err := listArg("last()", args[0])
	if !ok || len(l) == 0 {
		return nil, err
	}
	return l[len(l)-1], nil
}

func fnTail(args []any) (any, error) {
	l, ok, err := listArg("tail()", args[0])
	if !ok {
		return nil, err
	}
	if len(l) == 0 {
		return []any{}, nil
	}
	return slices.Clone(l[1:]), nil
}

func fnExists(args []any) (any, error) {
	return args[0] != nil, nil
}

func stringFunc(name string, f func(string) string) scalarFunc {
	return func(args []any) (any, error) {
		switch x := args[0].(type) {
		case nil:
			return nil, nil
		case string:
			return f(x), nil
		}
		return nil, &TypeError{Op: name + "()", Expected: "STRING", Got: args[0]}
	}
}

// aggregator accumulates one aggregate over the rows of a group.
type aggregator interface {
	add(v any) error
	result() any
}

type aggSpec struct {
	slot     string
	name     string
	distinct bool
	star     bool
	arg      expr
}

func (s *aggSpec) newAggregator() aggregator {
	var a aggregator
	switch s.name {
	case "count":
		a = &countAgg{}
	case "sum":
		a = &sumAgg{}
	case "min":
		a = &extremeAgg{sign: -1}
	case "max":
		a = &extremeAgg{sign: 1}
	case "avg":
		a = &avgAgg{}
	default:
		a = &collectAgg{list: []any{}}
	}
	if s.distinct {
		return &distinctAgg{inner: a, seen: make(map[string]bool)}
	}
	return a
}

type distinctAgg struct {
	inner aggregator
	seen  map[string]bool
}

func (a *distinctAgg) add(v any) error {
	if v == nil {
		return nil
	}
	k := valueKey(v)
	if a.seen[k] {
		return nil
	}
	a.seen[k] = true
	return a.inner.add(v)
}

func (a *distinctAgg) result() any { return a.inner.result() }

type countAgg struct{ n int64 }

func (a *countAgg) add(v any) error {
	if v != nil {
		a.n++
	}
	return nil
}

func (a *countAgg) result() any { return a.n }

type sumAgg struct {
	i       int64
	f       float64
	isFloat bool
}

func (a *sumAgg) add(v any) error {
	switch x := v.(type) {
	case nil:
	case int64:
		a.i += x
	case float64:
		a.f += x
		a.isFloat = true
	default:
		return &TypeError{Op: "sum()", Expected: "numbers", Got: v}
	}
	return nil
}

func (a *sumAgg) result() any {
	if a.isFloat {
		return a.f + float64(a.i)
	}
	return a.i
}

type extremeAgg struct {
	sign int
	cur  any
}

func (a *extremeAgg) add(v any) error {
	if v == nil {
		return nil
	}
	if a.cur == nil || orderValues(v, a.cur)*a.sign > 0 {
		a.cur = v
	}
	return nil
}

func (a *extremeAgg) result() any { return a.cur }

type avgAgg struct {
	sum float64
	n   int64
}

func (a *avgAgg) add(v any) error {
	if v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return &TypeError{Op: "avg()", Expected: "numbers", Got: v}
	}
	a.sum += f
	a.n++
	return nil
}

func (a *avgAgg) result() any {
	if a.n == 0 {
		return nil
	}
	return a.sum / float64(a.n)
}

type collectAgg struct{ list []any }

func (a *collectAgg) add(v any) error {
	if v != nil {
		a.list = append(a.list, v)
	}
	return nil
}

func (a *collectAgg) result() any { return a.list }
