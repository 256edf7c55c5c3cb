package cypher

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// --- Participle grammar structs ---
// These define the supported Cypher subset using struct tags. They are
// converted into the executable tree in compile.go.

// grammarQuery parses: clause+ [;]
type grammarQuery struct {
	Clauses []*grammarClause `parser:"@@+ ';'?"`
}

type grammarClause struct {
	Start   *startClause   `parser:"  @@"`
	Match   *matchClause   `parser:"| @@"`
	Unwind  *unwindClause  `parser:"| @@"`
	Create  *createClause  `parser:"| @@"`
	Foreach *foreachClause `parser:"| @@"`
	Set     *setClause     `parser:"| @@"`
	Delete  *deleteClause  `parser:"| @@"`
	Return  *returnClause  `parser:"| @@"`
}

// startClause parses: START n=node(1, 2), m=node({1}) [WHERE expr]
type startClause struct {
	Pos   lexer.Position
	Items []*startItem `parser:"'START' @@ ( ',' @@ )*"`
	Where *grammarExpr `parser:"( 'WHERE' @@ )?"`
}

type startItem struct {
	Var   string  `parser:"@Ident '=' 'NODE' '('"`
	All   bool    `parser:"(  @'*'"`
	Param *string `parser:" | @Param"`
	IDs   []int64 `parser:" | @Int ( ',' @Int )* ) ')'"`
}

// matchClause parses: [OPTIONAL] MATCH pattern, pattern [WHERE expr]
type matchClause struct {
	Pos      lexer.Position
	Optional bool              `parser:"@'OPTIONAL'? 'MATCH'"`
	Patterns []*grammarPattern `parser:"@@ ( ',' @@ )*"`
	Where    *grammarExpr      `parser:"( 'WHERE' @@ )?"`
}

// unwindClause parses: UNWIND expr AS var
type unwindClause struct {
	Pos  lexer.Position
	List *grammarExpr `parser:"'UNWIND' @@"`
	Var  string       `parser:"'AS' @Ident"`
}

// createClause parses: CREATE pattern, pattern
type createClause struct {
	Pos      lexer.Position
	Patterns []*grammarPattern `parser:"'CREATE' @@ ( ',' @@ )*"`
}

// foreachClause parses: FOREACH (var IN expr | update+)
type foreachClause struct {
	Pos     lexer.Position
	Var     string           `parser:"'FOREACH' '(' @Ident 'IN'"`
	List    *grammarExpr     `parser:"@@ '|'"`
	Updates []*updateClause `parser:"@@+ ')'"`
}

type updateClause struct {
	Create  *createClause  `parser:"  @@"`
	Set     *setClause     `parser:"| @@"`
	Delete  *deleteClause  `parser:"| @@"`
	Foreach *foreachClause `parser:"| @@"`
}

// setClause parses: SET n.key = expr, n:Label
type setClause struct {
	Pos   lexer.Position
	Items []*setItem `parser:"'SET' @@ ( ',' @@ )*"`
}

type setItem struct {
	Var    string       `parser:"@Ident"`
	Labels []string     `parser:"(  ( ':' @(Ident | Keyword) )+"`
	Key    string       `parser:" | '.' @(Ident | Keyword) '='"`
	Value  *grammarExpr `parser:"   @@ )"`
}

// deleteClause parses: [DETACH] DELETE expr, expr
type deleteClause struct {
	Pos    lexer.Position
	Detach bool           `parser:"@'DETACH'? 'DELETE'"`
	Exprs  []*grammarExpr `parser:"@@ ( ',' @@ )*"`
}

// returnClause parses: RETURN [DISTINCT] item, item [ORDER BY ...] [SKIP n] [LIMIT n]
type returnClause struct {
	Pos      lexer.Position
	Distinct bool          `parser:"'RETURN' @'DISTINCT'?"`
	Items    []*returnItem `parser:"@@ ( ',' @@ )*"`
	Order    []*sortItem   `parser:"( 'ORDER' 'BY' @@ ( ',' @@ )* )?"`
	Skip     *grammarExpr  `parser:"( 'SKIP' @@ )?"`
	Limit    *grammarExpr  `parser:"( 'LIMIT' @@ )?"`
}

type returnItem struct {
	Star  bool         `parser:"(  @'*'"`
	Expr  *grammarExpr `parser:" | @@ )"`
	Alias string       `parser:"( 'AS' @(Ident | Keyword) )?"`
}

type sortItem struct {
	Expr *grammarExpr `parser:"@@"`
	Desc bool         `parser:"( @('DESC' | 'DESCENDING') | 'ASC' | 'ASCENDING' )?"`
}

// --- Patterns ---

type grammarPattern struct {
	Start *nodePattern   `parser:"@@"`
	Chain []*patternLink `parser:"@@*"`
}

type patternLink struct {
	Rel  *relPattern  `parser:"@@"`
	Node *nodePattern `parser:"@@"`
}

// nodePattern parses: (var:Label:Other {k: v})
type nodePattern struct {
	Pos    lexer.Position
	Var    string             `parser:"'(' @Ident?"`
	Labels []string           `parser:"( ':' @(Ident | Keyword) )*"`
	Props  *grammarProperties `parser:"@@? ')'"`
}

// relPattern parses: -[var:TYPE|OTHER {k: v}]-> and its left/undirected forms.
type relPattern struct {
	Pos    lexer.Position
	Left   bool       `parser:"( @'<-' | '-' )"`
	Detail *relDetail `parser:"( '[' @@ ']' )?"`
	Right  bool       `parser:"( @'->' | '-' )"`
}

type relDetail struct {
	Var   string             `parser:"@Ident?"`
	Types []string           `parser:"( ':' @(Ident | Keyword) ( '|' ':'? @(Ident | Keyword) )* )?"`
	Props *grammarProperties `parser:"@@?"`
}

type grammarProperties struct {
	Map   *mapLiteral `parser:"  @@"`
	Param *string     `parser:"| @Param"`
}

type mapLiteral struct {
	Entries []*mapEntry `parser:"'{' ( @@ ( ',' @@ )* )? '}'"`
}

type mapEntry struct {
	Key   string       `parser:"@(Ident | Keyword | String) ':'"`
	Value *grammarExpr `parser:"@@"`
}

type listLiteral struct {
	Items []*grammarExpr `parser:"'[' ( @@ ( ',' @@ )* )? ']'"`
}

// --- Expressions, lowest precedence first ---

type grammarExpr struct {
	Pos    lexer.Position
	EndPos lexer.Position
	Or     *orExpr `parser:"@@"`
}

type orExpr struct {
	Left  *xorExpr   `parser:"@@"`
	Right []*xorExpr `parser:"( 'OR' @@ )*"`
}

type xorExpr struct {
	Left  *andExpr   `parser:"@@"`
	Right []*andExpr `parser:"( 'XOR' @@ )*"`
}

type andExpr struct {
	Left  *notExpr   `parser:"@@"`
	Right []*notExpr `parser:"( 'AND' @@ )*"`
}

type notExpr struct {
	Not  bool            `parser:"@'NOT'?"`
	Expr *comparisonExpr `parser:"@@"`
}

type comparisonExpr struct {
	Left   *addExpr  `parser:"@@"`
	Op     string    `parser:"( @( '=' | '<>' | '!=' | '<=' | '>=' | '<' | '>' | '=~' | 'IN' | 'CONTAINS' | 'STARTS' 'WITH' | 'ENDS' 'WITH' )"`
	Right  *addExpr  `parser:"  @@"`
	IsNull *nullTest `parser:"| @@ )?"`
}

type nullTest struct {
	Not bool `parser:"'IS' @'NOT'? 'NULL'"`
}

type addExpr struct {
	Left  *mulExpr `parser:"@@"`
	Right []*addOp `parser:"@@*"`
}

type addOp struct {
	Op    string   `parser:"@( '+' | '-' )"`
	Right *mulExpr `parser:"@@"`
}

type mulExpr struct {
	Left  *unaryExpr `parser:"@@"`
	Right []*mulOp   `parser:"@@*"`
}

type mulOp struct {
	Op    string     `parser:"@( '*' | '/' | '%' )"`
	Right *unaryExpr `parser:"@@"`
}

type unaryExpr struct {
	Neg     bool         `parser:"@'-'?"`
	Postfix *postfixExpr `parser:"@@"`
}

type postfixExpr struct {
	Atom     *atom     `parser:"@@"`
	Suffixes []*suffix `parser:"@@*"`
}

type suffix struct {
	Prop  *string      `parser:"  '.' @(Ident | Keyword)"`
	Index *grammarExpr `parser:"| '[' @@ ']'"`
	Label *string      `parser:"| ':' @(Ident | Keyword)"`
}

type atom struct {
	Float  *float64     `parser:"  @Float"`
	Int    *int64       `parser:"| @Int"`
	String *string      `parser:"| @String"`
	True   bool         `parser:"| @'TRUE'"`
	False  bool         `parser:"| @'FALSE'"`
	Null   bool         `parser:"| @'NULL'"`
	Param  *string      `parser:"| @Param"`
	List   *listLiteral `parser:"| @@"`
	Map    *mapLiteral  `parser:"| @@"`
	Call   *funcCall    `parser:"| @@"`
	Var    *string      `parser:"| @Ident"`
	Paren  *grammarExpr `parser:"| '(' @@ ')'"`
}

type funcCall struct {
	Name     string         `parser:"@Ident '('"`
	Distinct bool           `parser:"@'DISTINCT'?"`
	Star     bool           `parser:"(  @'*'"`
	Args     []*grammarExpr `parser:" | ( @@ ( ',' @@ )* )? ) ')'"`
}

var cypherLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Param", Pattern: `\{\s*[0-9]+\s*\}|\$[0-9]+`},
	{Name: "Keyword", Pattern: `(?i)\b(START|NODE|OPTIONAL|MATCH|WHERE|RETURN|DISTINCT|AS|CREATE|FOREACH|UNWIND|IN|SET|DETACH|DELETE|ORDER|BY|SKIP|LIMIT|ASC|ASCENDING|DESC|DESCENDING|AND|OR|XOR|NOT|IS|NULL|TRUE|FALSE|CONTAINS|STARTS|ENDS|WITH)\b`},
	{Name: "Float", Pattern: `[0-9]+\.[0-9]+([eE][-+]?[0-9]+)?`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "String", Pattern: `'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`},
	{Name: "Ident", Pattern: "[a-zA-Z_][a-zA-Z0-9_]*|`[^`]+`"},
	{Name: "Operator", Pattern: `<>|!=|<=|>=|<-|->|=~|[-+*/%=<>|.:,;()\[\]{}]`},
})

var cypherParser = participle.MustBuild[grammarQuery](
	participle.Lexer(cypherLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.CaseInsensitive("Keyword"),
	participle.UseLookahead(4),
)
