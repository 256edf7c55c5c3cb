package cypher

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/CaliLuke/go-cypherdb/graph"
)

// compiler converts the participle tree into stages, checking that every
// variable is declared before use.
type compiler struct {
	text     string
	pos      lexer.Position
	scope    map[string]bool
	ordinals map[int]bool
	updating bool

	// aggs collects aggregate calls while compiling RETURN items; nil
	// elsewhere, where aggregates are rejected.
	aggs  *[]*aggSpec
	inAgg bool
}

func newCompiler(text string) *compiler {
	return &compiler{
		text:     text,
		scope:    make(map[string]bool),
		ordinals: make(map[int]bool),
	}
}

func (c *compiler) errorf(format string, args ...any) error {
	return &SyntaxError{Message: fmt.Sprintf(format, args...), Line: c.pos.Line, Column: c.pos.Column}
}

func (c *compiler) compileQuery(ast *grammarQuery) (*Query, error) {
	q := &Query{}
	returned := false
	for _, cl := range ast.Clauses {
		if returned {
			return nil, c.errorf("RETURN must be the last clause")
		}
		var (
			st  []stage
			err error
		)
		switch {
		case cl.Start != nil:
			st, err = c.compileStart(cl.Start)
		case cl.Match != nil:
			st, err = c.compileMatch(cl.Match)
		case cl.Unwind != nil:
			st, err = c.compileUnwind(cl.Unwind)
		case cl.Create != nil:
			st, err = c.compileCreate(cl.Create)
		case cl.Foreach != nil:
			st, err = c.compileForeach(cl.Foreach)
		case cl.Set != nil:
			st, err = c.compileSet(cl.Set)
		case cl.Delete != nil:
			st, err = c.compileDelete(cl.Delete)
		case cl.Return != nil:
			var rs *returnStage
			rs, err = c.compileReturn(cl.Return)
			if err == nil {
				st = []stage{rs}
				q.columns = rs.columns()
			}
			returned = true
		}
		if err != nil {
			return nil, err
		}
		q.stages = append(q.stages, st...)
	}
	if !returned && !c.updating {
		return nil, &SyntaxError{Message: "query must end with RETURN or an updating clause"}
	}
	q.ordinals = slices.Sorted(maps.Keys(c.ordinals))
	q.updating = c.updating
	return q, nil
}

func (c *compiler) declare(name string) error {
	if c.scope[name] {
		return c.errorf("variable `%s` already declared", name)
	}
	c.scope[name] = true
	return nil
}

// --- Reading clauses ---

func (c *compiler) compileStart(sc *startClause) ([]stage, error) {
	c.pos = sc.Pos
	var out []stage
	for _, item := range sc.Items {
		name := unquoteIdent(item.Var)
		st := &startStage{name: name, all: item.All, ids: item.IDs}
		if item.Param != nil {
			p, err := c.param(*item.Param)
			if err != nil {
				return nil, err
			}
			st.param = p
		}
		if err := c.declare(name); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if sc.Where != nil {
		pred, err := c.compileExpr(sc.Where)
		if err != nil {
			return nil, err
		}
		out = append(out, &filterStage{pred: pred})
	}
	return out, nil
}

func (c *compiler) compileMatch(mc *matchClause) ([]stage, error) {
	c.pos = mc.Pos
	before := maps.Clone(c.scope)
	var out []stage
	for _, gp := range mc.Patterns {
		p, err := c.compileMatchPattern(gp)
		if err != nil {
			return nil, err
		}
		out = append(out, &matchStage{pattern: p})
	}
	if mc.Where != nil {
		pred, err := c.compileExpr(mc.Where)
		if err != nil {
			return nil, err
		}
		out = append(out, &filterStage{pred: pred})
	}
	if !mc.Optional {
		return out, nil
	}
	var introduced []string
	for name := range c.scope {
		if !before[name] {
			introduced = append(introduced, name)
		}
	}
	slices.Sort(introduced)
	return []stage{&optionalStage{inner: out, vars: introduced}}, nil
}

func (c *compiler) compileMatchPattern(gp *grammarPattern) (*patternSpec, error) {
	start, err := c.compileMatchNode(gp.Start)
	if err != nil {
		return nil, err
	}
	p := &patternSpec{start: start}
	for _, link := range gp.Chain {
		c.pos = link.Rel.Pos
		r := &relSpec{dir: direction(link.Rel)}
		if d := link.Rel.Detail; d != nil {
			r.name = unquoteIdent(d.Var)
			for _, t := range d.Types {
				r.types = append(r.types, unquoteIdent(t))
			}
			if r.props, err = c.compileProps(d.Props); err != nil {
				return nil, err
			}
		}
		if r.name != "" && !c.scope[r.name] {
			c.scope[r.name] = true
		}
		n, err := c.compileMatchNode(link.Node)
		if err != nil {
			return nil, err
		}
		p.links = append(p.links, linkSpec{rel: r, node: n})
	}
	return p, nil
}

func (c *compiler) compileMatchNode(np *nodePattern) (*nodeSpec, error) {
	c.pos = np.Pos
	n := &nodeSpec{name: unquoteIdent(np.Var)}
	for _, l := range np.Labels {
		n.labels = append(n.labels, unquoteIdent(l))
	}
	var err error
	if n.props, err = c.compileProps(np.Props); err != nil {
		return nil, err
	}
	if n.name != "" {
		c.scope[n.name] = true
	}
	return n, nil
}

func direction(rp *relPattern) graph.Direction {
	switch {
	case rp.Left && !rp.Right:
		return graph.Incoming
	case rp.Right && !rp.Left:
		return graph.Outgoing
	}
	return graph.Both
}

func (c *compiler) compileProps(gp *grammarProperties) (expr, error) {
	switch {
	case gp == nil:
		return nil, nil
	case gp.Param != nil:
		return c.param(*gp.Param)
	}
	return c.compileMap(gp.Map)
}

func (c *compiler) compileUnwind(uc *unwindClause) ([]stage, error) {
	c.pos = uc.Pos
	list, err := c.compileExpr(uc.List)
	if err != nil {
		return nil, err
	}
	name := unquoteIdent(uc.Var)
	if err := c.declare(name); err != nil {
		return nil, err
	}
	return []stage{&unwindStage{list: list, name: name}}, nil
}

// --- Updating clauses ---

func (c *compiler) compileCreate(cc *createClause) ([]stage, error) {
	c.pos = cc.Pos
	c.updating = true
	st := &createStage{}
	for _, gp := range cc.Patterns {
		if len(gp.Chain) == 0 && gp.Start.Var != "" && c.scope[unquoteIdent(gp.Start.Var)] {
			return nil, c.errorf("variable `%s` already declared", unquoteIdent(gp.Start.Var))
		}
		start, err := c.compileCreateNode(gp.Start)
		if err != nil {
			return nil, err
		}
		p := &createPattern{start: start}
		for _, link := range gp.Chain {
			c.pos = link.Rel.Pos
			d := link.Rel.Detail
			if d == nil || len(d.Types) != 1 {
				return nil, c.errorf("a relationship created by CREATE needs exactly one type")
			}
			r := &createRel{typ: unquoteIdent(d.Types[0]), name: unquoteIdent(d.Var), reverse: direction(link.Rel) == graph.Incoming}
			if r.props, err = c.compileProps(d.Props); err != nil {
				return nil, err
			}
			if r.name != "" {
				if err := c.declare(r.name); err != nil {
					return nil, err
				}
			}
			n, err := c.compileCreateNode(link.Node)
			if err != nil {
				return nil, err
			}
			p.links = append(p.links, createLink{rel: r, node: n})
		}
		st.patterns = append(st.patterns, p)
	}
	return []stage{st}, nil
}

func (c *compiler) compileCreateNode(np *nodePattern) (*createNode, error) {
	c.pos = np.Pos
	n := &createNode{name: unquoteIdent(np.Var)}
	if n.name != "" && c.scope[n.name] {
		if len(np.Labels) > 0 || np.Props != nil {
			return nil, c.errorf("variable `%s` already declared; labels and properties cannot be added in CREATE", n.name)
		}
		n.existing = true
		return n, nil
	}
	for _, l := range np.Labels {
		n.labels = append(n.labels, unquoteIdent(l))
	}
	var err error
	if n.props, err = c.compileProps(np.Props); err != nil {
		return nil, err
	}
	if n.name != "" {
		c.scope[n.name] = true
	}
	return n, nil
}

func (c *compiler) compileForeach(fc *foreachClause) ([]stage, error) {
	c.pos = fc.Pos
	c.updating = true
	list, err := c.compileExpr(fc.List)
	if err != nil {
		return nil, err
	}
	outer := c.scope
	c.scope = maps.Clone(outer)
	defer func() { c.scope = outer }()

	name := unquoteIdent(fc.Var)
	c.scope[name] = true
	st := &foreachStage{name: name, list: list}
	for _, u := range fc.Updates {
		var body []stage
		switch {
		case u.Create != nil:
			body, err = c.compileCreate(u.Create)
		case u.Set != nil:
			body, err = c.compileSet(u.Set)
		case u.Delete != nil:
			body, err = c.compileDelete(u.Delete)
		case u.Foreach != nil:
			body, err = c.compileForeach(u.Foreach)
		}
		if err != nil {
			return nil, err
		}
		st.body = append(st.body, body...)
	}
	return []stage{st}, nil
}

func (c *compiler) compileSet(sc *setClause) ([]stage, error) {
	c.pos = sc.Pos
	c.updating = true
	st := &setStage{}
	for _, item := range sc.Items {
		name := unquoteIdent(item.Var)
		if !c.scope[name] {
			return nil, c.errorf("variable `%s` not defined", name)
		}
		si := setSpec{name: name}
		if len(item.Labels) > 0 {
			for _, l := range item.Labels {
				si.labels = append(si.labels, unquoteIdent(l))
			}
		} else {
			si.key = unquoteIdent(item.Key)
			v, err := c.compileExpr(item.Value)
			if err != nil {
				return nil, err
			}
			si.value = v
		}
		st.items = append(st.items, si)
	}
	return []stage{st}, nil
}

func (c *compiler) compileDelete(dc *deleteClause) ([]stage, error) {
	c.pos = dc.Pos
	c.updating = true
	st := &deleteStage{detach: dc.Detach}
	for _, ge := range dc.Exprs {
		e, err := c.compileExpr(ge)
		if err != nil {
			return nil, err
		}
		st.exprs = append(st.exprs, e)
	}
	return []stage{st}, nil
}

// --- Projection ---

func (c *compiler) compileReturn(rc *returnClause) (*returnStage, error) {
	c.pos = rc.Pos
	rs := &returnStage{distinct: rc.Distinct}
	var aggs []*aggSpec
	c.aggs = &aggs
	defer func() { c.aggs = nil }()

	seen := make(map[string]bool)
	add := func(it projItem) error {
		if seen[it.name] {
			return c.errorf("multiple result columns named `%s`", it.name)
		}
		seen[it.name] = true
		rs.items = append(rs.items, it)
		return nil
	}
	for _, item := range rc.Items {
		if item.Star {
			names := slices.Sorted(maps.Keys(c.scope))
			if len(names) == 0 {
				return nil, c.errorf("RETURN * has no variables in scope")
			}
			for _, n := range names {
				if err := add(projItem{name: n, expr: varExpr{name: n}}); err != nil {
					return nil, err
				}
			}
			continue
		}
		before := len(aggs)
		e, err := c.compileExpr(item.Expr)
		if err != nil {
			return nil, err
		}
		name := unquoteIdent(item.Alias)
		if name == "" {
			name = c.sourceText(item.Expr)
		}
		if err := add(projItem{name: name, expr: e, aggregate: len(aggs) > before}); err != nil {
			return nil, err
		}
	}

	// ORDER BY sees the projected columns as well as the incoming variables.
	outer := c.scope
	c.scope = maps.Clone(outer)
	for _, it := range rs.items {
		c.scope[it.name] = true
	}
	for _, si := range rc.Order {
		e, err := c.compileExpr(si.Expr)
		if err != nil {
			c.scope = outer
			return nil, err
		}
		rs.order = append(rs.order, sortSpec{expr: e, desc: si.Desc})
	}
	c.scope = outer

	c.aggs = nil
	var err error
	if rs.skip, err = c.compileCount(rc.Skip); err != nil {
		return nil, err
	}
	if rs.limit, err = c.compileCount(rc.Limit); err != nil {
		return nil, err
	}
	rs.aggs = aggs
	return rs, nil
}

// compileCount compiles a SKIP or LIMIT expression, which cannot see any
// variables.
func (c *compiler) compileCount(ge *grammarExpr) (expr, error) {
	if ge == nil {
		return nil, nil
	}
	outer := c.scope
	c.scope = map[string]bool{}
	defer func() { c.scope = outer }()
	return c.compileExpr(ge)
}

func (c *compiler) sourceText(ge *grammarExpr) string {
	from, to := ge.Pos.Offset, ge.EndPos.Offset
	if from < 0 || to > len(c.text) || from >= to {
		return ""
	}
	return strings.TrimSpace(c.text[from:to])
}

// --- Expressions ---

func (c *compiler) compileExpr(ge *grammarExpr) (expr, error) {
	c.pos = ge.Pos
	return c.compileOr(ge.Or)
}

func (c *compiler) compileOr(o *orExpr) (expr, error) {
	left, err := c.compileXor(o.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range o.Right {
		right, err := c.compileXor(r)
		if err != nil {
			return nil, err
		}
		left = logicExpr{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (c *compiler) compileXor(x *xorExpr) (expr, error) {
	left, err := c.compileAnd(x.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range x.Right {
		right, err := c.compileAnd(r)
		if err != nil {
			return nil, err
		}
		left = logicExpr{op: "XOR", left: left, right: right}
	}
	return left, nil
}

func (c *compiler) compileAnd(a *andExpr) (expr, error) {
	left, err := c.compileNot(a.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range a.Right {
		right, err := c.compileNot(r)
		if err != nil {
			return nil, err
		}
		left = logicExpr{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (c *compiler) compileNot(n *notExpr) (expr, error) {
	e, err := c.compileComparison(n.Expr)
	if err != nil {
		return nil, err
	}
	if n.Not {
		return notExprNode{inner: e}, nil
	}
	return e, nil
}

func (c *compiler) compileComparison(ce *comparisonExpr) (expr, error) {
	left, err := c.compileAdd(ce.Left)
	if err != nil {
		return nil, err
	}
	switch {
	case ce.IsNull != nil:
		return nullTestExpr{inner: left, not: ce.IsNull.Not}, nil
	case ce.Op == "":
		return left, nil
	}
	right, err := c.compileAdd(ce.Right)
	if err != nil {
		return nil, err
	}
	op := strings.ToUpper(strings.Join(strings.Fields(ce.Op), ""))
	if op == "!=" {
		op = "<>"
	}
	return binaryExpr{op: op, left: left, right: right}, nil
}

func (c *compiler) compileAdd(a *addExpr) (expr, error) {
	left, err := c.compileMul(a.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range a.Right {
		right, err := c.compileMul(r.Right)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: r.Op, left: left, right: right}
	}
	return left, nil
}

func (c *compiler) compileMul(m *mulExpr) (expr, error) {
	left, err := c.compileUnary(m.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range m.Right {
		right, err := c.compileUnary(r.Right)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: r.Op, left: left, right: right}
	}
	return left, nil
}

func (c *compiler) compileUnary(u *unaryExpr) (expr, error) {
	e, err := c.compilePostfix(u.Postfix)
	if err != nil {
		return nil, err
	}
	if !u.Neg {
		return e, nil
	}
	if lit, ok := e.(literalExpr); ok {
		switch v := lit.val.(type) {
		case int64:
			return literalExpr{val: -v}, nil
		case float64:
			return literalExpr{val: -v}, nil
		}
	}
	return negExpr{inner: e}, nil
}

func (c *compiler) compilePostfix(p *postfixExpr) (expr, error) {
	e, err := c.compileAtom(p.Atom)
	if err != nil {
		return nil, err
	}
	for _, s := range p.Suffixes {
		switch {
		case s.Prop != nil:
			e = propExpr{target: e, key: unquoteIdent(*s.Prop)}
		case s.Index != nil:
			idx, err := c.compileExpr(s.Index)
			if err != nil {
				return nil, err
			}
			e = indexExpr{target: e, index: idx}
		case s.Label != nil:
			e = labelTestExpr{target: e, label: unquoteIdent(*s.Label)}
		}
	}
	return e, nil
}

func (c *compiler) compileAtom(a *atom) (expr, error) {
	switch {
	case a.Float != nil:
		return literalExpr{val: *a.Float}, nil
	case a.Int != nil:
		return literalExpr{val: *a.Int}, nil
	case a.String != nil:
		s, err := unquoteString(*a.String)
		if err != nil {
			return nil, c.errorf("%v", err)
		}
		return literalExpr{val: s}, nil
	case a.True:
		return literalExpr{val: true}, nil
	case a.False:
		return literalExpr{val: false}, nil
	case a.Null:
		return literalExpr{val: nil}, nil
	case a.Param != nil:
		return c.param(*a.Param)
	case a.List != nil:
		items := make([]expr, 0, len(a.List.Items))
		for _, ge := range a.List.Items {
			e, err := c.compileExpr(ge)
			if err != nil {
				return nil, err
			}
			items = append(items, e)
		}
		return listExpr{items: items}, nil
	case a.Map != nil:
		return c.compileMap(a.Map)
	case a.Call != nil:
		return c.compileCall(a.Call)
	case a.Var != nil:
		name := unquoteIdent(*a.Var)
		if !c.scope[name] {
			return nil, c.errorf("variable `%s` not defined", name)
		}
		return varExpr{name: name}, nil
	case a.Paren != nil:
		return c.compileExpr(a.Paren)
	}
	return nil, c.errorf("unsupported expression")
}

func (c *compiler) compileMap(m *mapLiteral) (expr, error) {
	out := mapExpr{}
	for _, entry := range m.Entries {
		key := entry.Key
		if strings.HasPrefix(key, "'") || strings.HasPrefix(key, `"`) {
			var err error
			if key, err = unquoteString(key); err != nil {
				return nil, c.errorf("%v", err)
			}
		} else {
			key = unquoteIdent(key)
		}
		v, err := c.compileExpr(entry.Value)
		if err != nil {
			return nil, err
		}
		out.keys = append(out.keys, key)
		out.vals = append(out.vals, v)
	}
	return out, nil
}

func (c *compiler) compileCall(fc *funcCall) (expr, error) {
	name := strings.ToLower(unquoteIdent(fc.Name))
	if aggregateFuncs[name] {
		if c.aggs == nil {
			return nil, c.errorf("aggregate function %s() is only allowed in RETURN", name)
		}
		if c.inAgg {
			return nil, c.errorf("aggregate functions cannot be nested")
		}
		spec := &aggSpec{name: name, distinct: fc.Distinct, star: fc.Star}
		switch {
		case fc.Star && name != "count":
			return nil, c.errorf("%s(*) is not supported", name)
		case !fc.Star && len(fc.Args) != 1:
			return nil, c.errorf("%v", &ArityError{Func: name, Got: len(fc.Args)})
		case !fc.Star:
			c.inAgg = true
			arg, err := c.compileExpr(fc.Args[0])
			c.inAgg = false
			if err != nil {
				return nil, err
			}
			spec.arg = arg
		}
		spec.slot = "\x00agg" + strconv.Itoa(len(*c.aggs))
		*c.aggs = append(*c.aggs, spec)
		return aggregateRef{slot: spec.slot}, nil
	}

	def, ok := scalarFuncs[name]
	if !ok {
		return nil, c.errorf("unknown function %s()", fc.Name)
	}
	if fc.Star || fc.Distinct {
		return nil, c.errorf("%s() does not accept * or DISTINCT", fc.Name)
	}
	if len(fc.Args) < def.minArgs || (def.maxArgs >= 0 && len(fc.Args) > def.maxArgs) {
		return nil, c.errorf("%v", &ArityError{Func: fc.Name, Got: len(fc.Args)})
	}
	args := make([]expr, 0, len(fc.Args))
	for _, ge := range fc.Args {
		e, err := c.compileExpr(ge)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
	return callExpr{name: name, fn: def.fn, args: args}, nil
}

func (c *compiler) param(tok string) (expr, error) {
	digits := strings.Trim(tok, "{}$ \t\r\n")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil, c.errorf("invalid parameter %s", tok)
	}
	if n < 1 {
		return nil, c.errorf("parameter ordinals start at 1, got %s", tok)
	}
	c.ordinals[n] = true
	return paramExpr{ordinal: n}, nil
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		return s[1 : len(s)-1]
	}
	return s
}

// unquoteString strips the quotes of a string token and resolves backslash
// escapes.
func unquoteString(tok string) (string, error) {
	if len(tok) < 2 {
		return "", fmt.Errorf("malformed string literal %s", tok)
	}
	body := tok[1 : len(tok)-1]
	if !strings.Contains(body, `\`) {
		return body, nil
	}
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if ch != '\\' {
			sb.WriteByte(ch)
			continue
		}
		i++
		if i >= len(body) {
			return "", fmt.Errorf("malformed escape in %s", tok)
		}
		switch body[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'u':
			if i+5 > len(body) {
				return "", fmt.Errorf("malformed unicode escape in %s", tok)
			}
			r, err := strconv.ParseUint(body[i+1:i+5], 16, 32)
			if err != nil {
				return "", fmt.Errorf("malformed unicode escape in %s", tok)
			}
			sb.WriteRune(rune(r))
			i += 4
		default:
			sb.WriteByte(body[i])
		}
	}
	if !utf8.ValidString(sb.String()) {
		return "", fmt.Errorf("invalid UTF-8 in %s", tok)
	}
	return sb.String(), nil
}
