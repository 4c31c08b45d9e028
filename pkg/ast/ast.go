// Package ast defines the node types produced by pkg/parser for a loaf
// binding document (spec §4.10): named bindings whose expressions may
// reference each other, index into arrays/objects, or call out to fetches
// and stdlib functions.
package ast

// Node is implemented by every AST node, giving it a source position for
// error reporting.
type Node interface {
	Pos() Position
}

// Position locates a token in the source document.
type Position struct {
	Line, Col int
}

func (p Position) Pos() Position { return p }

// Document is one parsed binding document: either a flat set of bindings
// (the default route) or a set of named HTTP endpoints, each with its own
// binding set, keyed by an `@endpoint:METHOD:/path` document key.
type Document struct {
	Position
	Bindings  []*Binding
	Endpoints []*Endpoint
}

// Endpoint is one `@endpoint:METHOD:/path` block.
type Endpoint struct {
	Position
	Method   string
	Path     string
	Bindings []*Binding
}

// Binding is one `name: expr` entry. Its dependency set is computed by
// pkg/compiler's static analysis pass and is not stored on this node.
type Binding struct {
	Position
	Name string
	Expr Expr
}

// Expr is any expression node appearing on a binding's right-hand side.
type Expr interface {
	Node
	exprNode()
}

type baseExpr struct{ Position }

func (baseExpr) exprNode() {}

// NullLit is the literal `null`.
type NullLit struct{ baseExpr }

// BoolLit is `true`/`false`.
type BoolLit struct {
	baseExpr
	Value bool
}

// IntLit is an integer literal with no fractional or exponent part.
type IntLit struct {
	baseExpr
	Value int64
}

// DecimalLit is a numeric literal with a fractional part or exponent,
// kept as the original source text. pkg/compiler parses that text into a
// float64 constant, so trailing zeros (`1.50`) and digits beyond float64
// precision are not preserved in the compiled program.
type DecimalLit struct {
	baseExpr
	Text string
}

// StringLit is a quoted string literal.
type StringLit struct {
	baseExpr
	Value string
}

// ArrayLit is `[expr, expr, ...]`.
type ArrayLit struct {
	baseExpr
	Elements []Expr
}

// ObjectPair is one `key: value` entry of an ObjectLit.
type ObjectPair struct {
	Key   string
	Value Expr
}

// ObjectLit is `{key: expr, ...}` — also how a nested endpoint's binding
// block is represented before the compiler splits it out.
type ObjectLit struct {
	baseExpr
	Pairs []ObjectPair
}

// Ident references another binding by name, or a path parameter.
type Ident struct {
	baseExpr
	Name string
}

// BinaryExpr is `left op right` for +, -, *.
type BinaryExpr struct {
	baseExpr
	Op          string
	Left, Right Expr
}

// Call is `name(args...)` — a fetch (`fetch(...)`) or a stdlib function
// (`cache.get`, `cache.put`, ...).
type Call struct {
	baseExpr
	Callee string
	Args   []Expr

	// SyntheticName is filled in by pkg/compiler when it hoists this call
	// into its own binding; empty until then.
	SyntheticName string
}

// Member is `target.name`.
type Member struct {
	baseExpr
	Target Expr
	Name   string
}

// Index is `target[key]`.
type Index struct {
	baseExpr
	Target Expr
	Key    Expr
}

// Constructors below exist because baseExpr is unexported: pkg/parser
// builds nodes through these rather than composite-literal-ing the
// embedded field directly.

func NewNullLit(pos Position) *NullLit       { return &NullLit{baseExpr{pos}} }
func NewBoolLit(pos Position, v bool) *BoolLit { return &BoolLit{baseExpr{pos}, v} }
func NewIntLit(pos Position, v int64) *IntLit  { return &IntLit{baseExpr{pos}, v} }
func NewDecimalLit(pos Position, text string) *DecimalLit {
	return &DecimalLit{baseExpr{pos}, text}
}
func NewStringLit(pos Position, v string) *StringLit { return &StringLit{baseExpr{pos}, v} }
func NewArrayLit(pos Position, elems []Expr) *ArrayLit {
	return &ArrayLit{baseExpr{pos}, elems}
}
func NewObjectLit(pos Position, pairs []ObjectPair) *ObjectLit {
	return &ObjectLit{baseExpr{pos}, pairs}
}
func NewIdent(pos Position, name string) *Ident { return &Ident{baseExpr{pos}, name} }
func NewBinaryExpr(pos Position, op string, left, right Expr) *BinaryExpr {
	return &BinaryExpr{baseExpr{pos}, op, left, right}
}
func NewCall(pos Position, callee string, args []Expr) *Call {
	return &Call{baseExpr: baseExpr{pos}, Callee: callee, Args: args}
}
func NewMember(pos Position, target Expr, name string) *Member {
	return &Member{baseExpr{pos}, target, name}
}
func NewIndex(pos Position, target Expr, key Expr) *Index {
	return &Index{baseExpr{pos}, target, key}
}

// Walk calls visit on n and every expression it directly contains,
// depth-first, stopping at binding boundaries. pkg/compiler does not call
// it; its dependency-set extraction uses its own traversal.
func Walk(e Expr, visit func(Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch n := e.(type) {
	case *BinaryExpr:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
	case *Call:
		for _, a := range n.Args {
			Walk(a, visit)
		}
	case *Member:
		Walk(n.Target, visit)
	case *Index:
		Walk(n.Target, visit)
		Walk(n.Key, visit)
	case *ArrayLit:
		for _, el := range n.Elements {
			Walk(el, visit)
		}
	case *ObjectLit:
		for _, p := range n.Pairs {
			Walk(p.Value, visit)
		}
	}
}
