// Package compiler lowers a parsed binding document (pkg/ast) into crouton
// bytecode (pkg/bytecode), one instruction range per binding, and records
// each binding's static dependency set by walking its expression tree
// (spec §4.6: "directly or through member/index access ..."). The
// scheduler (C6) only ever consults the compiled Dependencies arrays, never
// the source AST.
package compiler

import (
	"fmt"
	"strconv"

	"github.com/Hafthor/loaf/pkg/ast"
	"github.com/Hafthor/loaf/pkg/bytecode"
)

// EndpointInfo records one compiled `@endpoint:METHOD:/path` route's
// binding names, for pkg/server to wire into its router. Order matches
// ast.Document.Endpoints.
type EndpointInfo struct {
	Method   string
	Path     string
	Bindings []string
}

// CallSite describes one hoisted Call expression (a fetch or a stdlib
// function): its synthetic binding name (as recorded in the compiled
// Chunk's Bindings table) and the callee/argument-binding names pkg/runtime
// needs to actually perform the call once its descriptor binding resolves.
type CallSite struct {
	Name        string // synthetic binding name, "__call:<callee>:<n>"
	Callee      string
	ArgBindings []string // names of the synthetic/ordinary bindings holding each arg
}

// Manifest is the compiler's side output: everything pkg/runtime needs
// beyond the wire-format Chunk itself to actually execute a document
// (route table, call sites). It is never serialized into the crouton file
// — a loaded module with no manifest can still be disassembled and run,
// but fetch/cache calls require compiling from source in the same process.
type Manifest struct {
	Endpoints []EndpointInfo
	Calls     []CallSite

	// Roots holds the flat, top-level binding names (outside any endpoint
	// block) — the document's default, routeless binding set, run by
	// `loaf run` and by any endpoint's bindings that reference one of them.
	Roots []string
}

type compiler struct {
	chunk    *bytecode.Chunk
	manifest *Manifest
	callSeq  int
}

// Compile lowers doc into a Chunk plus its companion Manifest.
func Compile(moduleName string, doc *ast.Document) (*bytecode.Chunk, *Manifest, error) {
	c := &compiler{chunk: bytecode.NewChunk(moduleName), manifest: &Manifest{}}

	if err := c.compileBindingSet(doc.Bindings); err != nil {
		return nil, nil, err
	}
	for _, b := range doc.Bindings {
		c.manifest.Roots = append(c.manifest.Roots, b.Name)
	}
	for _, ep := range doc.Endpoints {
		if err := c.compileBindingSet(ep.Bindings); err != nil {
			return nil, nil, fmt.Errorf("endpoint %s %s: %w", ep.Method, ep.Path, err)
		}
		names := make([]string, len(ep.Bindings))
		for i, b := range ep.Bindings {
			names[i] = b.Name
		}
		c.manifest.Endpoints = append(c.manifest.Endpoints, EndpointInfo{Method: ep.Method, Path: ep.Path, Bindings: names})
	}
	return c.chunk, c.manifest, nil
}

// compileBindingSet hoists every Call in the set into its own synthetic
// binding first (so a call's result is just another dependency by the time
// ordinary bindings are compiled), then compiles each real binding.
func (c *compiler) compileBindingSet(bindings []*ast.Binding) error {
	for _, b := range bindings {
		calls := hoistedCalls(b.Expr)
		for _, call := range calls {
			if err := c.compileCallSite(call); err != nil {
				return fmt.Errorf("binding %q: %w", b.Name, err)
			}
		}
	}
	for _, b := range bindings {
		if err := c.compileBinding(b.Name, b.Expr); err != nil {
			return fmt.Errorf("binding %q: %w", b.Name, err)
		}
	}
	return nil
}

func (c *compiler) compileCallSite(call *ast.Call) error {
	name := fmt.Sprintf("__call:%s:%d", call.Callee, c.callSeq)
	c.callSeq++
	call.SyntheticName = name

	argNames := make([]string, len(call.Args))
	for i, arg := range call.Args {
		for _, inner := range hoistedCalls(arg) {
			if err := c.compileCallSite(inner); err != nil {
				return err
			}
		}
		argName := fmt.Sprintf("%s:arg%d", name, i)
		if err := c.compileBinding(argName, arg); err != nil {
			return err
		}
		argNames[i] = argName
	}

	// The call site's own binding just surfaces its argument slots so
	// pkg/runtime can read them back by name once they've resolved; its
	// bytecode body is a no-op placeholder (it is never executed for its
	// return value — pkg/runtime intercepts "__call:" bindings before
	// asking the VM to run them).
	start := c.chunk.Pos()
	c.chunk.Emit(bytecode.NOP)
	end := c.chunk.Pos()
	c.chunk.AddBinding(name, start, end, argNames)

	c.manifest.Calls = append(c.manifest.Calls, CallSite{Name: name, Callee: call.Callee, ArgBindings: argNames})
	return nil
}

// hoistedCalls returns every *ast.Call reachable from expr, outermost
// first, without descending into a Call's own args (those are hoisted
// independently by compileCallSite once the outer call is known).
func hoistedCalls(expr ast.Expr) []*ast.Call {
	var calls []*ast.Call
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.Call:
			calls = append(calls, n)
		case *ast.BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *ast.Member:
			walk(n.Target)
		case *ast.Index:
			walk(n.Target)
			walk(n.Key)
		case *ast.ArrayLit:
			for _, el := range n.Elements {
				walk(el)
			}
		}
	}
	walk(expr)
	return calls
}

func (c *compiler) compileBinding(name string, expr ast.Expr) error {
	deps := dependencyNames(expr)
	slot := make(map[string]int, len(deps))
	for i, d := range deps {
		slot[d] = i
	}

	start := c.chunk.Pos()
	if err := c.compileExpr(expr, slot); err != nil {
		return err
	}
	end := c.chunk.Pos()
	c.chunk.AddBinding(name, start, end, deps)
	return nil
}

// dependencyNames collects, in first-occurrence order, every binding name
// this expression references directly or through member/index access — an
// Ident, or a hoisted Call's synthetic name (spec §4.6).
func dependencyNames(expr ast.Expr) []string {
	seen := map[string]bool{}
	var order []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.Ident:
			add(n.Name)
		case *ast.Call:
			add(n.SyntheticName)
		case *ast.BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *ast.Member:
			walk(n.Target)
		case *ast.Index:
			walk(n.Target)
			walk(n.Key)
		case *ast.ArrayLit:
			for _, el := range n.Elements {
				walk(el)
			}
		}
	}
	walk(expr)
	return order
}

func (c *compiler) compileExpr(expr ast.Expr, slot map[string]int) error {
	switch n := expr.(type) {
	case *ast.NullLit:
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstNull}))
	case *ast.BoolLit:
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstBool, B: n.Value}))
	case *ast.IntLit:
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: n.Value}))
	case *ast.DecimalLit:
		f, err := strconv.ParseFloat(n.Text, 64)
		if err != nil {
			return fmt.Errorf("%d:%d: invalid decimal %q: %w", n.Pos().Line, n.Pos().Col, n.Text, err)
		}
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstFloat, F: f}))
	case *ast.StringLit:
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstString, S: n.Value}))
	case *ast.Ident:
		idx, ok := slot[n.Name]
		if !ok {
			return fmt.Errorf("%d:%d: %q not in dependency set (compiler bug)", n.Pos().Line, n.Pos().Col, n.Name)
		}
		c.chunk.Emit(bytecode.LOADLOCAL, uint32(idx))
	case *ast.Call:
		idx, ok := slot[n.SyntheticName]
		if !ok {
			return fmt.Errorf("%d:%d: call site %q not in dependency set (compiler bug)", n.Pos().Line, n.Pos().Col, n.SyntheticName)
		}
		c.chunk.Emit(bytecode.LOADLOCAL, uint32(idx))
	case *ast.BinaryExpr:
		if err := c.compileExpr(n.Left, slot); err != nil {
			return err
		}
		if err := c.compileExpr(n.Right, slot); err != nil {
			return err
		}
		switch n.Op {
		case "+":
			c.chunk.Emit(bytecode.ADD)
		case "-":
			c.chunk.Emit(bytecode.SUB)
		case "*":
			c.chunk.Emit(bytecode.MUL)
		default:
			return fmt.Errorf("%d:%d: unsupported operator %q", n.Pos().Line, n.Pos().Col, n.Op)
		}
	case *ast.Member:
		if err := c.compileExpr(n.Target, slot); err != nil {
			return err
		}
		c.chunk.Emit(bytecode.PUSH, c.chunk.AddConstant(bytecode.Constant{Tag: bytecode.ConstString, S: n.Name}))
		c.chunk.Emit(bytecode.GETELEMENT)
	case *ast.Index:
		if err := c.compileExpr(n.Target, slot); err != nil {
			return err
		}
		if err := c.compileExpr(n.Key, slot); err != nil {
			return err
		}
		c.chunk.Emit(bytecode.GETELEMENT)
	case *ast.ArrayLit:
		for _, el := range n.Elements {
			if err := c.compileExpr(el, slot); err != nil {
				return err
			}
		}
		c.chunk.Emit(bytecode.NEWARRAY, uint32(len(n.Elements)))
	case *ast.ObjectLit:
		// The pinned opcode map (spec §6) has no object-construction
		// opcode — only NEWARRAY. Object values reach the runtime
		// exclusively through decoded fetch/cache payloads; a literal
		// object can only appear as an endpoint's binding block, which
		// ParseDocument already splits out before compilation ever sees
		// it here.
		return fmt.Errorf("%d:%d: object literals are only valid as an endpoint's binding block", n.Pos().Line, n.Pos().Col)
	default:
		return fmt.Errorf("%d:%d: unsupported expression %T", expr.Pos().Line, expr.Pos().Col, expr)
	}
	return nil
}
