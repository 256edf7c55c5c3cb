package cypher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// operator produces records on demand. ok is false once the operator is
// exhausted.
type operator interface {
	next() (rec record, ok bool, err error)
}

// stage is one compiled clause. open wires it on top of its input.
type stage interface {
	open(ec *evalContext, in operator) operator
}

type iterFunc func() (record, bool, error)

func emptyIter() (record, bool, error) { return nil, false, nil }

func sliceIter(recs []record) iterFunc {
	i := 0
	return func() (record, bool, error) {
		if i >= len(recs) {
			return nil, false, nil
		}
		i++
		return recs[i-1], true, nil
	}
}

// onceOp yields a single record.
type onceOp struct {
	rec  record
	done bool
}

func (o *onceOp) next() (record, bool, error) {
	if o.done {
		return nil, false, nil
	}
	o.done = true
	return o.rec, true, nil
}

// flatMapOp expands every input record into zero or more output records.
type flatMapOp struct {
	in  operator
	gen func(rec record) (iterFunc, error)
	cur iterFunc
}

func (o *flatMapOp) next() (record, bool, error) {
	for {
		if o.cur != nil {
			rec, ok, err := o.cur()
			if err != nil {
				return nil, false, err
			}
			if ok {
				return rec, true, nil
			}
			o.cur = nil
		}
		rec, ok, err := o.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		if o.cur, err = o.gen(rec); err != nil {
			return nil, false, err
		}
	}
}

// mapOp transforms every input record into exactly one output record.
type mapOp struct {
	in operator
	fn func(rec record) (record, error)
}

func (o *mapOp) next() (record, bool, error) {
	rec, ok, err := o.in.next()
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := o.fn(rec)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func drain(op operator) error {
	for {
		_, ok, err := op.next()
		if err != nil || !ok {
			return err
		}
	}
}

func openChain(ec *evalContext, stages []stage, rec record) operator {
	var op operator = &onceOp{rec: rec}
	for _, st := range stages {
		op = st.open(ec, op)
	}
	return op
}

// --- START ---

type startStage struct {
	name  string
	all   bool
	ids   []int64
	param expr
}

func (s *startStage) open(ec *evalContext, in operator) operator {
	return &flatMapOp{in: in, gen: func(rec record) (iterFunc, error) {
		if s.all {
			it := ec.tx.ScanNodes("")
			return func() (record, bool, error) {
				if err := ec.check(); err != nil {
					return nil, false, err
				}
				if !it.Next() {
					return nil, false, it.Err()
				}
				return rec.with(s.name, it.Node()), true, nil
			}, nil
		}
		ids := s.ids
		if s.param != nil {
			v, err := s.param.eval(ec, rec)
			if err != nil {
				return nil, err
			}
			if ids, err = idList(v); err != nil {
				return nil, err
			}
		}
		i := 0
		return func() (record, bool, error) {
			if i >= len(ids) {
				return nil, false, nil
			}
			n, err := ec.tx.Node(ids[i])
			if err != nil {
				return nil, false, err
			}
			i++
			return rec.with(s.name, n), true, nil
		}, nil
	}}
}

func idList(v any) ([]int64, error) {
	switch x := v.(type) {
	case int64:
		return []int64{x}, nil
	case []any:
		out := make([]int64, 0, len(x))
		for _, e := range x {
			id, ok := e.(int64)
			if !ok {
				return nil, &TypeError{Op: "START node()", Expected: "INTEGER", Got: e}
			}
			out = append(out, id)
		}
		return out, nil
	}
	return nil, &TypeError{Op: "START node()", Expected: "INTEGER or LIST", Got: v}
}

// --- MATCH ---

type nodeSpec struct {
	name   string
	labels []string
	props  expr
}

type relSpec struct {
	name  string
	types []string
	props expr
	dir   graph.Direction
}

type linkSpec struct {
	rel  *relSpec
	node *nodeSpec
}

type patternSpec struct {
	start *nodeSpec
	links []linkSpec
}

type matchStage struct {
	pattern *patternSpec
}

// open scans candidate start nodes lazily and expands the relationship
// chain of one start node at a time.
func (s *matchStage) open(ec *evalContext, in operator) operator {
	return &flatMapOp{in: in, gen: func(rec record) (iterFunc, error) {
		start := s.pattern.start
		var nextStart func() (*graph.Node, bool, error)
		if v, bound := rec[start.name]; start.name != "" && bound {
			n, ok := v.(*graph.Node)
			if !ok {
				if v != nil {
					return nil, &TypeError{Op: "MATCH (" + start.name + ")", Expected: "NODE", Got: v}
				}
				return emptyIter, nil
			}
			done := false
			nextStart = func() (*graph.Node, bool, error) {
				if done {
					return nil, false, nil
				}
				done = true
				return n, true, nil
			}
		} else {
			label := ""
			if len(start.labels) > 0 {
				label = start.labels[0]
			}
			it := ec.tx.ScanNodes(label)
			nextStart = func() (*graph.Node, bool, error) {
				if !it.Next() {
					return nil, false, it.Err()
				}
				return it.Node(), true, nil
			}
		}

		var pending iterFunc = emptyIter
		return func() (record, bool, error) {
			for {
				if err := ec.check(); err != nil {
					return nil, false, err
				}
				out, ok, err := pending()
				if err != nil || ok {
					return out, ok, err
				}
				n, ok, err := nextStart()
				if err != nil || !ok {
					return nil, false, err
				}
				matched, err := nodeMatches(ec, rec, start, n)
				if err != nil {
					return nil, false, err
				}
				if !matched {
					continue
				}
				paths, err := s.expand(ec, bindIfNamed(rec, start.name, n), n)
				if err != nil {
					return nil, false, err
				}
				pending = sliceIter(paths)
			}
		}, nil
	}}
}

func (s *matchStage) expand(ec *evalContext, rec record, start *graph.Node) ([]record, error) {
	var out []record
	var walk func(i int, cur *graph.Node, rec record, used []int64) error
	walk = func(i int, cur *graph.Node, rec record, used []int64) error {
		if i == len(s.pattern.links) {
			out = append(out, rec)
			return nil
		}
		link := s.pattern.links[i]
		typ := ""
		if len(link.rel.types) == 1 {
			typ = link.rel.types[0]
		}
		rels, err := ec.tx.Relationships(cur.ID, link.rel.dir, typ)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if slices.Contains(used, r.ID) {
				continue
			}
			if len(link.rel.types) > 1 && !slices.Contains(link.rel.types, r.Type) {
				continue
			}
			if v, bound := rec[link.rel.name]; link.rel.name != "" && bound {
				br, ok := v.(*graph.Relationship)
				if !ok || br.ID != r.ID {
					continue
				}
			}
			ok, err := propsMatch(ec, rec, link.rel.props, r.Props)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			other, err := ec.tx.Node(r.Other(cur.ID))
			if err != nil {
				var nf *graph.NotFoundError
				if errors.As(err, &nf) {
					continue
				}
				return err
			}
			if ok, err = nodeMatches(ec, rec, link.node, other); err != nil {
				return err
			} else if !ok {
				continue
			}
			next := bindIfNamed(rec, link.rel.name, r)
			next = bindIfNamed(next, link.node.name, other)
			if err := walk(i+1, other, next, append(slices.Clone(used), r.ID)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0, start, rec, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func bindIfNamed(rec record, name string, v any) record {
	if name == "" {
		return rec
	}
	if _, bound := rec[name]; bound {
		return rec
	}
	return rec.with(name, v)
}

func nodeMatches(ec *evalContext, rec record, spec *nodeSpec, n *graph.Node) (bool, error) {
	if v, bound := rec[spec.name]; spec.name != "" && bound {
		bn, ok := v.(*graph.Node)
		if !ok || bn.ID != n.ID {
			return false, nil
		}
	}
	for _, l := range spec.labels {
		if !n.HasLabel(l) {
			return false, nil
		}
	}
	return propsMatch(ec, rec, spec.props, n.Props)
}

func propsMatch(ec *evalContext, rec record, props expr, actual map[string]any) (bool, error) {
	want, err := evalProps(ec, rec, props)
	if err != nil {
		return false, err
	}
	for k, v := range want {
		if eq, _ := equalValues(actual[k], v); !eq {
			return false, nil
		}
	}
	return true, nil
}

func evalProps(ec *evalContext, rec record, props expr) (map[string]any, error) {
	if props == nil {
		return nil, nil
	}
	v, err := props.eval(ec, rec)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return x, nil
	}
	return nil, &TypeError{Op: "property map", Expected: "MAP", Got: v}
}

// optionalStage runs its inner stages per record and binds the introduced
// variables to null when nothing matched.
type optionalStage struct {
	inner []stage
	vars  []string
}

func (s *optionalStage) open(ec *evalContext, in operator) operator {
	return &flatMapOp{in: in, gen: func(rec record) (iterFunc, error) {
		op := openChain(ec, s.inner, rec)
		matched := false
		return func() (record, bool, error) {
			out, ok, err := op.next()
			if err != nil {
				return nil, false, err
			}
			if ok {
				matched = true
				return out, true, nil
			}
			if matched {
				return nil, false, nil
			}
			matched = true
			empty := rec
			for _, name := range s.vars {
				empty = empty.with(name, nil)
			}
			return empty, true, nil
		}, nil
	}}
}

type filterStage struct {
	pred expr
}

func (s *filterStage) open(ec *evalContext, in operator) operator {
	return &filterOp{ec: ec, in: in, pred: s.pred}
}

type filterOp struct {
	ec   *evalContext
	in   operator
	pred expr
}

func (o *filterOp) next() (record, bool, error) {
	for {
		rec, ok, err := o.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		v, err := o.pred.eval(o.ec, rec)
		if err != nil {
			return nil, false, err
		}
		if truthy(v) {
			return rec, true, nil
		}
		if err := o.ec.check(); err != nil {
			return nil, false, err
		}
	}
}

type unwindStage struct {
	list expr
	name string
}

func (s *unwindStage) open(ec *evalContext, in operator) operator {
	return &flatMapOp{in: in, gen: func(rec record) (iterFunc, error) {
		v, err := s.list.eval(ec, rec)
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case nil:
			return emptyIter, nil
		case []any:
			recs := make([]record, len(x))
			for i, e := range x {
				recs[i] = rec.with(s.name, e)
			}
			return sliceIter(recs), nil
		}
		return sliceIter([]record{rec.with(s.name, v)}), nil
	}}
}

// --- Updating clauses ---

type createNode struct {
	name     string
	existing bool
	labels   []string
	props    expr
}

type createRel struct {
	name    string
	typ     string
	props   expr
	reverse bool
}

type createLink struct {
	rel  *createRel
	node *createNode
}

type createPattern struct {
	start *createNode
	links []createLink
}

type createStage struct {
	patterns []*createPattern
}

func (s *createStage) open(ec *evalContext, in operator) operator {
	return &mapOp{in: in, fn: func(rec record) (record, error) {
		for _, p := range s.patterns {
			cur, next, err := s.node(ec, rec, p.start)
			if err != nil {
				return nil, err
			}
			rec = next
			for _, link := range p.links {
				other, next, err := s.node(ec, rec, link.node)
				if err != nil {
					return nil, err
				}
				rec = next
				props, err := evalProps(ec, rec, link.rel.props)
				if err != nil {
					return nil, err
				}
				from, to := cur.ID, other.ID
				if link.rel.reverse {
					from, to = to, from
				}
				r, err := ec.tx.CreateRelationship(link.rel.typ, from, to, props)
				if err != nil {
					return nil, err
				}
				ec.stats.RelationshipsCreated++
				ec.stats.PropertiesSet += len(r.Props)
				rec = bindIfNamed(rec, link.rel.name, r)
				cur = other
			}
		}
		return rec, nil
	}}
}

func (s *createStage) node(ec *evalContext, rec record, spec *createNode) (*graph.Node, record, error) {
	if spec.existing {
		n, ok := rec[spec.name].(*graph.Node)
		if !ok {
			return nil, nil, &TypeError{Op: "CREATE (" + spec.name + ")", Expected: "NODE", Got: rec[spec.name]}
		}
		return n, rec, nil
	}
	props, err := evalProps(ec, rec, spec.props)
	if err != nil {
		return nil, nil, err
	}
	n, err := ec.tx.CreateNode(spec.labels, props)
	if err != nil {
		return nil, nil, err
	}
	ec.stats.NodesCreated++
	ec.stats.LabelsAdded += len(n.Labels)
	ec.stats.PropertiesSet += len(n.Props)
	return n, bindIfNamed(rec, spec.name, n), nil
}

type foreachStage struct {
	name string
	list expr
	body []stage
}

func (s *foreachStage) open(ec *evalContext, in operator) operator {
	return &mapOp{in: in, fn: func(rec record) (record, error) {
		v, err := s.list.eval(ec, rec)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return rec, nil
		}
		list, ok := v.([]any)
		if !ok {
			return nil, &TypeError{Op: "FOREACH", Expected: "LIST", Got: v}
		}
		for _, e := range list {
			if err := drain(openChain(ec, s.body, rec.with(s.name, e))); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}}
}

type setSpec struct {
	name   string
	labels []string
	key    string
	value  expr
}

type setStage struct {
	items []setSpec
}

func (s *setStage) open(ec *evalContext, in operator) operator {
	return &mapOp{in: in, fn: func(rec record) (record, error) {
		for _, item := range s.items {
			var err error
			if rec, err = s.apply(ec, rec, item); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}}
}

// apply performs one SET item and rebinds the variable to the updated
// entity.
func (s *setStage) apply(ec *evalContext, rec record, item setSpec) (record, error) {
	switch target := rec[item.name].(type) {
	case nil:
		return rec, nil
	case *graph.Node:
		for _, l := range item.labels {
			if target.HasLabel(l) {
				continue
			}
			if err := ec.tx.AddLabel(target.ID, l); err != nil {
				return nil, err
			}
			ec.stats.LabelsAdded++
		}
		if item.value != nil {
			v, err := item.value.eval(ec, rec)
			if err != nil {
				return nil, err
			}
			if err := ec.tx.SetNodeProperty(target.ID, item.key, v); err != nil {
				return nil, err
			}
			ec.stats.PropertiesSet++
		}
		n, err := ec.tx.Node(target.ID)
		if err != nil {
			return nil, err
		}
		return rec.with(item.name, n), nil
	case *graph.Relationship:
		if len(item.labels) > 0 {
			return nil, &TypeError{Op: "SET :" + item.labels[0], Expected: "NODE", Got: target}
		}
		v, err := item.value.eval(ec, rec)
		if err != nil {
			return nil, err
		}
		if err := ec.tx.SetRelationshipProperty(target.ID, item.key, v); err != nil {
			return nil, err
		}
		ec.stats.PropertiesSet++
		r, err := ec.tx.Relationship(target.ID)
		if err != nil {
			return nil, err
		}
		return rec.with(item.name, r), nil
	default:
		return nil, &TypeError{Op: "SET " + item.name, Expected: "NODE or RELATIONSHIP", Got: target}
	}
}

type deleteStage struct {
	detach bool
	exprs  []expr
}

func (s *deleteStage) open(ec *evalContext, in operator) operator {
	return &mapOp{in: in, fn: func(rec record) (record, error) {
		for _, e := range s.exprs {
			v, err := e.eval(ec, rec)
			if err != nil {
				return nil, err
			}
			if err := s.delete(ec, v); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}}
}

// delete removes relationships immediately. Nodes deleted without DETACH
// are removed once the statement finishes, so a node may be deleted together
// with its relationships in any row order.
func (s *deleteStage) delete(ec *evalContext, v any) error {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		for _, e := range x {
			if err := s.delete(ec, e); err != nil {
				return err
			}
		}
		return nil
	case *graph.Relationship:
		return ec.deleteRelationship(x.ID)
	case *graph.Node:
		if !s.detach {
			ec.deferNodeDelete(x.ID)
			return nil
		}
		if ec.deletedNodes[x.ID] {
			return nil
		}
		rels, err := ec.tx.Relationships(x.ID, graph.Both, "")
		if err != nil {
			return err
		}
		for _, r := range rels {
			if err := ec.deleteRelationship(r.ID); err != nil {
				return err
			}
		}
		if err := ec.tx.DeleteNode(x.ID, true); err != nil {
			return err
		}
		ec.deletedNodes[x.ID] = true
		ec.stats.NodesDeleted++
		return nil
	}
	return &TypeError{Op: "DELETE", Expected: "NODE or RELATIONSHIP", Got: v}
}

// --- RETURN ---

type projItem struct {
	name      string
	expr      expr
	aggregate bool
}

type sortSpec struct {
	expr expr
	desc bool
}

type returnStage struct {
	items    []projItem
	distinct bool
	order    []sortSpec
	skip     expr
	limit    expr
	aggs     []*aggSpec
}

func (s *returnStage) columns() []string {
	out := make([]string, len(s.items))
	for i, it := range s.items {
		out[i] = it.name
	}
	return out
}

// projected pairs an output row with the record ORDER BY is evaluated in.
type projected struct {
	out  record
	sort record
}

func (s *returnStage) project(ec *evalContext, rec record) (projected, error) {
	p := projected{out: make(record, len(s.items)), sort: make(record, len(rec)+len(s.items))}
	for k, v := range rec {
		p.sort[k] = v
	}
	for _, it := range s.items {
		v, err := it.expr.eval(ec, rec)
		if err != nil {
			return projected{}, err
		}
		p.out[it.name] = v
		p.sort[it.name] = v
	}
	return p, nil
}

func (s *returnStage) rowKey(r record) string {
	vals := make([]any, len(s.items))
	for i, it := range s.items {
		vals[i] = r[it.name]
	}
	return valueKey(vals)
}

func (s *returnStage) open(ec *evalContext, in operator) operator {
	skip, err := evalCount(ec, "SKIP", s.skip)
	if err != nil {
		return &errOp{err: err}
	}
	limit, err := evalCount(ec, "LIMIT", s.limit)
	if err != nil {
		return &errOp{err: err}
	}
	if len(s.aggs) == 0 && len(s.order) == 0 {
		return &streamProjectOp{ec: ec, in: in, stage: s, skip: skip, limit: limit, seen: make(map[string]bool)}
	}
	return &sortedProjectOp{ec: ec, in: in, stage: s, skip: skip, limit: limit}
}

func evalCount(ec *evalContext, clause string, e expr) (int64, error) {
	if e == nil {
		return -1, nil
	}
	v, err := e.eval(ec, record{})
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, &TypeError{Op: clause, Expected: "a non-negative INTEGER", Got: v}
	}
	return n, nil
}

type errOp struct{ err error }

func (o *errOp) next() (record, bool, error) { return nil, false, o.err }

// streamProjectOp projects rows as they arrive. limit < 0 means unlimited.
type streamProjectOp struct {
	ec      *evalContext
	in      operator
	stage   *returnStage
	skip    int64
	limit   int64
	emitted int64
	seen    map[string]bool
}

func (o *streamProjectOp) next() (record, bool, error) {
	for {
		if o.limit >= 0 && o.emitted >= o.limit {
			return nil, false, nil
		}
		rec, ok, err := o.in.next()
		if err != nil || !ok {
			return nil, false, err
		}
		p, err := o.stage.project(o.ec, rec)
		if err != nil {
			return nil, false, err
		}
		if o.stage.distinct {
			k := o.stage.rowKey(p.out)
			if o.seen[k] {
				continue
			}
			o.seen[k] = true
		}
		if o.skip > 0 {
			o.skip--
			continue
		}
		o.emitted++
		return p.out, true, nil
	}
}

// sortedProjectOp materializes its input for aggregation or ordering.
type sortedProjectOp struct {
	ec    *evalContext
	in    operator
	stage *returnStage
	skip  int64
	limit int64
	rows  iterFunc
}

func (o *sortedProjectOp) next() (record, bool, error) {
	if o.rows == nil {
		rows, err := o.materialize()
		if err != nil {
			return nil, false, err
		}
		o.rows = sliceIter(rows)
	}
	return o.rows()
}

type group struct {
	first record
	aggs  []aggregator
}

func (o *sortedProjectOp) materialize() ([]record, error) {
	s := o.stage
	var rows []projected
	if len(s.aggs) > 0 {
		var err error
		if rows, err = o.aggregate(); err != nil {
			return nil, err
		}
	} else {
		for {
			rec, ok, err := o.in.next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			p, err := s.project(o.ec, rec)
			if err != nil {
				return nil, err
			}
			rows = append(rows, p)
		}
	}

	if s.distinct {
		seen := make(map[string]bool, len(rows))
		rows = slices.DeleteFunc(rows, func(p projected) bool {
			k := s.rowKey(p.out)
			if seen[k] {
				return true
			}
			seen[k] = true
			return false
		})
	}

	if len(s.order) > 0 {
		keys := make([][]any, len(rows))
		for i, p := range rows {
			keys[i] = make([]any, len(s.order))
			for j, so := range s.order {
				v, err := so.expr.eval(o.ec, p.sort)
				if err != nil {
					return nil, err
				}
				keys[i][j] = v
			}
		}
		idx := make([]int, len(rows))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			for j, so := range s.order {
				c := orderValues(keys[a][j], keys[b][j])
				if so.desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return cmp.Compare(a, b)
		})
		sorted := make([]projected, len(rows))
		for i, k := range idx {
			sorted[i] = rows[k]
		}
		rows = sorted
	}

	// -1 means no SKIP
	from := min(max(o.skip, 0), int64(len(rows)))
	to := int64(len(rows))
	if o.limit >= 0 {
		to = min(to, from+o.limit)
	}
	out := make([]record, 0, to-from)
	for _, p := range rows[from:to] {
		out = append(out, p.out)
	}
	return out, nil
}

func (o *sortedProjectOp) aggregate() ([]projected, error) {
	s := o.stage
	var keyed []projItem
	for _, it := range s.items {
		if !it.aggregate {
			keyed = append(keyed, it)
		}
	}
	groups := make(map[string]*group)
	var order []*group
	for {
		rec, ok, err := o.in.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		keyVals := make([]any, len(keyed))
		for i, it := range keyed {
			if keyVals[i], err = it.expr.eval(o.ec, rec); err != nil {
				return nil, err
			}
		}
		k := valueKey(keyVals)
		g, ok := groups[k]
		if !ok {
			g = &group{first: rec}
			for _, spec := range s.aggs {
				g.aggs = append(g.aggs, spec.newAggregator())
			}
			groups[k] = g
			order = append(order, g)
		}
		for i, spec := range s.aggs {
			var v any = true
			if !spec.star {
				if v, err = spec.arg.eval(o.ec, rec); err != nil {
					return nil, err
				}
			}
			if err := g.aggs[i].add(v); err != nil {
				return nil, err
			}
		}
	}
	if len(order) == 0 && len(keyed) == 0 {
		g := &group{first: record{}}
		for _, spec := range s.aggs {
			g.aggs = append(g.aggs, spec.newAggregator())
		}
		order = append(order, g)
	}

	rows := make([]projected, 0, len(order))
	for _, g := range order {
		rec := make(record, len(g.first)+len(s.aggs))
		for k, v := range g.first {
			rec[k] = v
		}
		for i, spec := range s.aggs {
			rec[spec.slot] = g.aggs[i].result()
		}
		p, err := s.project(o.ec, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, p)
	}
	return rows, nil
}

// --- Execution ---

// Stats counts the writes performed by one execution.
type Stats struct {
	NodesCreated         int `msgpack:"nodes_created"`
	NodesDeleted         int `msgpack:"nodes_deleted"`
	RelationshipsCreated int `msgpack:"relationships_created"`
	RelationshipsDeleted int `msgpack:"relationships_deleted"`
	PropertiesSet        int `msgpack:"properties_set"`
	LabelsAdded          int `msgpack:"labels_added"`
}

// ContainsUpdates reports whether any write was counted.
func (s Stats) ContainsUpdates() bool {
	return s != Stats{}
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.NodesCreated += other.NodesCreated
	s.NodesDeleted += other.NodesDeleted
	s.RelationshipsCreated += other.RelationshipsCreated
	s.RelationshipsDeleted += other.RelationshipsDeleted
	s.PropertiesSet += other.PropertiesSet
	s.LabelsAdded += other.LabelsAdded
}

func (ec *evalContext) check() error {
	if ec.cancelled != nil && ec.cancelled.Load() {
		return ErrCancelled
	}
	return ec.ctx.Err()
}

func (ec *evalContext) deleteRelationship(id int64) error {
	if ec.deletedRels[id] {
		return nil
	}
	if err := ec.tx.DeleteRelationship(id); err != nil {
		return err
	}
	ec.deletedRels[id] = true
	ec.stats.RelationshipsDeleted++
	return nil
}

func (ec *evalContext) deferNodeDelete(id int64) {
	if ec.deletedNodes[id] || slices.Contains(ec.pendingNodes, id) {
		return
	}
	ec.pendingNodes = append(ec.pendingNodes, id)
}

func (ec *evalContext) flushDeletes() error {
	for _, id := range ec.pendingNodes {
		if ec.deletedNodes[id] {
			continue
		}
		if err := ec.tx.DeleteNode(id, false); err != nil {
			return err
		}
		ec.deletedNodes[id] = true
		ec.stats.NodesDeleted++
	}
	ec.pendingNodes = nil
	return nil
}

// ParameterValueError is returned when a bound parameter has a type that
// cannot be represented in a query.
type ParameterValueError struct {
	Ordinal int
	Value   any
}

// Error returns the error message for ParameterValueError.
func (e *ParameterValueError) Error() string {
	return fmt.Sprintf("cypher: parameter {%d}: unsupported value type %T", e.Ordinal, e.Value)
}

// Execute runs q inside tx. Updating queries are executed to completion
// before Execute returns; read queries produce their rows lazily as the
// cursor advances, reading through tx until the cursor is closed.
func Execute(ctx context.Context, tx *graph.Tx, q *Query, params map[int]any) (*Cursor, error) {
	for _, n := range q.ordinals {
		if _, ok := params[n]; !ok {
			return nil, &MissingParameterError{Ordinal: n}
		}
	}
	bound := make(map[int]any, len(params))
	for n, v := range params {
		nv, ok := graph.NormalizeValue(v)
		if !ok {
			return nil, &ParameterValueError{Ordinal: n, Value: v}
		}
		bound[n] = nv
	}
	if q.updating && tx.ReadOnly() {
		return nil, fmt.Errorf("cypher: updating query: %w", graph.ErrReadOnly)
	}

	c := &Cursor{columns: q.columns}
	ec := &evalContext{
		ctx:          ctx,
		tx:           tx,
		params:       bound,
		stats:        &c.stats,
		cancelled:    &c.cancelled,
		deletedNodes: make(map[int64]bool),
		deletedRels:  make(map[int64]bool),
	}
	op := openChain(ec, q.stages, record{})
	if !q.updating {
		c.op = op
		return c, nil
	}

	var rows [][]any
	for {
		rec, ok, err := op.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if len(c.columns) > 0 {
			rows = append(rows, c.rowOf(rec))
		}
	}
	if err := ec.flushDeletes(); err != nil {
		return nil, err
	}
	c.buffered = rows
	return c, nil
}
