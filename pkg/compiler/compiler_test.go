package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/parser"
	"github.com/Hafthor/loaf/pkg/value"
	"github.com/Hafthor/loaf/pkg/vm"
)

func parseDoc(t *testing.T, src string) *parser.Parser {
	p, err := parser.New(src)
	require.NoError(t, err)
	return p
}

func TestCompileArithmeticBindingWithDependency(t *testing.T) {
	p := parseDoc(t, `{a: 1, total: a + 2}`)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	chunk, _, err := Compile("m", doc)
	require.NoError(t, err)

	data, err := chunk.Serialize()
	require.NoError(t, err)
	program, err := bytecode.Load(data)
	require.NoError(t, err)

	mgr := heap.NewManager(1 << 20)
	arena := mgr.Create()

	var aBinding, totalBinding bytecode.Binding
	for _, b := range program.Bindings {
		switch b.Name {
		case "a":
			aBinding = b
		case "total":
			totalBinding = b
		}
	}

	m := vm.New(program, mgr, arena)
	aVal, err := m.Run(aBinding.Start, aBinding.End, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), aVal.Int())

	assert.Equal(t, []string{"a"}, totalBinding.Dependencies)
	totalVal, err := m.Run(totalBinding.Start, totalBinding.End, []value.Value{aVal})
	require.NoError(t, err)
	assert.Equal(t, int64(3), totalVal.Int())
}

func TestCompileMemberAndIndexAccess(t *testing.T) {
	p := parseDoc(t, `{items: [1, 2, 3], second: items[1]}`)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	chunk, _, err := Compile("m", doc)
	require.NoError(t, err)
	data, err := chunk.Serialize()
	require.NoError(t, err)
	program, err := bytecode.Load(data)
	require.NoError(t, err)

	mgr := heap.NewManager(1 << 20)
	arena := mgr.Create()
	m := vm.New(program, mgr, arena)

	var items, second bytecode.Binding
	for _, b := range program.Bindings {
		switch b.Name {
		case "items":
			items = b
		case "second":
			second = b
		}
	}
	itemsVal, err := m.Run(items.Start, items.End, nil)
	require.NoError(t, err)
	secondVal, err := m.Run(second.Start, second.End, []value.Value{itemsVal})
	require.NoError(t, err)
	assert.Equal(t, int64(2), secondVal.Int())
}

func TestCompileHoistsCallIntoSyntheticBinding(t *testing.T) {
	p := parseDoc(t, `{user: fetch("GET", "http://x/user")}`)
	doc, err := p.ParseDocument()
	require.NoError(t, err)

	chunk, manifest, err := Compile("m", doc)
	require.NoError(t, err)

	require.Len(t, manifest.Calls, 1)
	call := manifest.Calls[0]
	assert.Equal(t, "fetch", call.Callee)
	assert.Len(t, call.ArgBindings, 2)

	var userBinding bytecode.Binding
	for _, b := range chunk.Bindings {
		if b.Name == "user" {
			userBinding = b
		}
	}
	require.Equal(t, []string{call.Name}, userBinding.Dependencies)
}

func TestCompileEndpointBindingsAreRecordedInManifest(t *testing.T) {
	p := parseDoc(t, `{"@endpoint:GET:/users/:id": {id: id, name: "x"}}`)
	doc, err := p.ParseDocument()
	require.NoError(t, err)
	require.Len(t, doc.Endpoints, 1)

	_, manifest, err := Compile("m", doc)
	require.NoError(t, err)
	require.Len(t, manifest.Endpoints, 1)
	assert.Equal(t, "GET", manifest.Endpoints[0].Method)
	assert.Equal(t, "/users/:id", manifest.Endpoints[0].Path)
	assert.ElementsMatch(t, []string{"id", "name"}, manifest.Endpoints[0].Bindings)
}

func TestCompileRejectsBareObjectLiteralExpression(t *testing.T) {
	p := parseDoc(t, `{a: {x: 1}}`)
	doc, err := p.ParseDocument()
	require.NoError(t, err)
	_, _, err = Compile("m", doc)
	require.Error(t, err)
}
