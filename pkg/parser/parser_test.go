package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/ast"
)

func TestParseFlatBindingDocument(t *testing.T) {
	p, err := New(`{a: 1, b: "x", c: a + 2}`)
	require.NoError(t, err)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	require.Len(t, doc.Bindings, 3)
	assert.Equal(t, "a", doc.Bindings[0].Name)
	_, ok := doc.Bindings[0].Expr.(*ast.IntLit)
	assert.True(t, ok)

	bin, ok := doc.Bindings[2].Expr.(*ast.BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "+", bin.Op)
}

func TestParseMemberAndIndexChain(t *testing.T) {
	p, err := New(`{x: user.address[0].city}`)
	require.NoError(t, err)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	member, ok := doc.Bindings[0].Expr.(*ast.Member)
	require.True(t, ok)
	assert.Equal(t, "city", member.Name)

	index, ok := member.Target.(*ast.Index)
	require.True(t, ok)

	inner, ok := index.Target.(*ast.Member)
	require.True(t, ok)
	assert.Equal(t, "address", inner.Name)
}

func TestParseCallWithArguments(t *testing.T) {
	p, err := New(`{u: fetch("GET", "http://x/y")}`)
	require.NoError(t, err)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	call, ok := doc.Bindings[0].Expr.(*ast.Call)
	require.True(t, ok)
	assert.Equal(t, "fetch", call.Callee)
	require.Len(t, call.Args, 2)
}

func TestParseEndpointBlock(t *testing.T) {
	p, err := New(`{"@endpoint:GET:/users/:id": {id: id}}`)
	require.NoError(t, err)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	require.Len(t, doc.Endpoints, 1)
	ep := doc.Endpoints[0]
	assert.Equal(t, "GET", ep.Method)
	assert.Equal(t, "/users/:id", ep.Path)
	require.Len(t, ep.Bindings, 1)
	assert.Equal(t, "id", ep.Bindings[0].Name)
}

func TestParseDecimalLiteralPreservesSourceText(t *testing.T) {
	p, err := New(`{x: 1.50}`)
	require.NoError(t, err)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	lit, ok := doc.Bindings[0].Expr.(*ast.DecimalLit)
	require.True(t, ok)
	assert.Equal(t, "1.50", lit.Text)
}

func TestParseRejectsUnterminatedString(t *testing.T) {
	p, err := New(`{x: "unterminated}`)
	require.NoError(t, err)
	_, err = p.ParseDocument()
	require.Error(t, err)
}
