// Package runtime is the per-request wiring seam (spec §4.5-§4.8) joining
// the compiler's output (pkg/compiler) to the scheduler (pkg/scheduler),
// the stack VM (pkg/vm), the request arena (pkg/heap), the unified cache
// (pkg/cache) and the outbound fetch client (pkg/fetch). pkg/server
// compiles or loads a Document once at startup and calls
// Engine.RunEndpoint once per inbound HTTP request; cmd/loaf's `run` and
// `test` subcommands call Engine.RunDefault.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/cache"
	"github.com/Hafthor/loaf/pkg/compiler"
	"github.com/Hafthor/loaf/pkg/fetch"
	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/parser"
	"github.com/Hafthor/loaf/pkg/scheduler"
	"github.com/Hafthor/loaf/pkg/value"
	"github.com/Hafthor/loaf/pkg/vm"
)

// Document is a compiled module: the crouton Program plus the compiler's
// side-channel Manifest describing its endpoints, root bindings and
// hoisted call sites. A Document is immutable once built and safe to
// share across every request.
type Document struct {
	Program  *bytecode.Program
	Manifest *compiler.Manifest

	calls map[string]compiler.CallSite
}

// Compile parses and compiles source into a Document in one step, for
// cmd/loaf subcommands given a .json document (`loaf compile` uses
// pkg/compiler directly) and for tests that don't need the
// compile/serialize/load round trip to be visible.
func Compile(moduleName, source string) (*Document, error) {
	p, err := parser.New(source)
	if err != nil {
		return nil, err
	}
	doc, err := p.ParseDocument()
	if err != nil {
		return nil, err
	}
	chunk, manifest, err := compiler.Compile(moduleName, doc)
	if err != nil {
		return nil, err
	}
	data, err := chunk.Serialize()
	if err != nil {
		return nil, err
	}
	program, err := bytecode.Load(data)
	if err != nil {
		return nil, err
	}
	return wrap(program, manifest), nil
}

// Load wraps an already-loaded Program (e.g. read from a .crouton file by
// cmd/loaf's `server`/`run` subcommands) with its companion Manifest.
func Load(program *bytecode.Program, manifest *compiler.Manifest) *Document {
	return wrap(program, manifest)
}

func wrap(program *bytecode.Program, manifest *compiler.Manifest) *Document {
	calls := make(map[string]compiler.CallSite, len(manifest.Calls))
	for _, c := range manifest.Calls {
		calls[c.Name] = c
	}
	return &Document{Program: program, Manifest: manifest, calls: calls}
}

// Engine owns the process-wide services every request shares: the arena
// manager (spec §4.5, one manager for the process, one arena per request)
// and the unified cache (spec §4.8). Outbound fetches share the Engine's
// http.Client for connection pooling but each get their own fetch.Client
// value, since fetch.Client.Cache must point at a request-scoped,
// arena-aware adapter that a shared Client could never hold safely.
type Engine struct {
	Manager *heap.Manager
	Cache   *cache.Cache
	http    *http.Client
}

// NewEngine wires an Engine around an existing manager and cache; cmd/loaf
// sizes the cache from LOAF_CACHE_BYTES.
func NewEngine(mgr *heap.Manager, c *cache.Cache) *Engine {
	return &Engine{Manager: mgr, Cache: c, http: &http.Client{Timeout: 30 * time.Second}}
}

// Result is one request's fully-resolved binding set: exactly what
// pkg/server hands to pkg/stream for response encoding. The caller must
// call Release once it is done reading Outcomes; composite values inside
// Outcomes are only valid until then.
type Result struct {
	Arena    *heap.Arena
	Outcomes map[string]scheduler.Outcome
}

// Release drops the request's arena, freeing every Value it owns.
func (e *Engine) Release(r *Result) {
	e.Manager.Drop(r.Arena.ID())
}

// RunEndpoint evaluates one compiled `@endpoint:METHOD:/path` block's
// binding set against params (path/query values pkg/server has already
// extracted and converted to value.Value).
func (e *Engine) RunEndpoint(ctx context.Context, doc *Document, ep compiler.EndpointInfo, params map[string]value.Value) (*Result, error) {
	return e.run(ctx, doc, ep.Bindings, params)
}

// RunDefault evaluates the document's flat, routeless binding set —
// `loaf run`'s entry point.
func (e *Engine) RunDefault(ctx context.Context, doc *Document, params map[string]value.Value) (*Result, error) {
	return e.run(ctx, doc, doc.Manifest.Roots, params)
}

func (e *Engine) run(ctx context.Context, doc *Document, roots []string, params map[string]value.Value) (*Result, error) {
	bindings, paramNames, err := resolveBindingSet(doc.Program, roots, params)
	if err != nil {
		return nil, err
	}

	arena := e.Manager.Create()
	r := &requestRunner{
		engine:  e,
		doc:     doc,
		arena:   arena,
		params:  params,
		isParam: paramNames,
	}
	outcomes, err := scheduler.Execute(ctx, bindings, r, noPromises{})
	if err != nil {
		e.Manager.Drop(arena.ID())
		return nil, err
	}
	return &Result{Arena: arena, Outcomes: outcomes}, nil
}

// resolveBindingSet walks roots' dependency closure over program's compiled
// bindings, pulling in every hoisted call/arg binding transitively needed.
// A dependency name with no compiled binding is a request parameter: it
// must appear in params, and gets a zero-width placeholder binding so the
// scheduler's own undeclared-dependency check still passes.
func resolveBindingSet(program *bytecode.Program, roots []string, params map[string]value.Value) ([]bytecode.Binding, map[string]bool, error) {
	byName := make(map[string]bytecode.Binding, len(program.Bindings))
	for _, b := range program.Bindings {
		byName[b.Name] = b
	}

	seen := map[string]bool{}
	isParam := map[string]bool{}
	var out []bytecode.Binding

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		if b, ok := byName[name]; ok {
			out = append(out, b)
			for _, dep := range b.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
			return nil
		}
		if _, ok := params[name]; ok {
			isParam[name] = true
			out = append(out, bytecode.Binding{Name: name})
			return nil
		}
		return fmt.Errorf("%q is neither a binding nor a request parameter", name)
	}
	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, nil, err
		}
	}
	return out, isParam, nil
}

// requestRunner implements scheduler.Runner for one request: it recognizes
// hoisted call-site bindings by name and dispatches the actual fetch/stdlib
// call instead of asking the VM to run their placeholder NOP body. The
// scheduler runs same-depth bindings concurrently, so — unlike the
// teacher's single-threaded Maggie interpreter, which serializes every VM
// access through one worker goroutine (server/vm_worker.go) — this runtime
// hands each binding its own *vm.VM rather than sharing one across
// goroutines; arena access underneath is already its own mutex-guarded.
type requestRunner struct {
	engine  *Engine
	doc     *Document
	arena   *heap.Arena
	params  map[string]value.Value
	isParam map[string]bool
}

func (r *requestRunner) Run(ctx context.Context, binding bytecode.Binding, deps map[string]value.Value) (value.Value, error) {
	if r.isParam[binding.Name] {
		return r.params[binding.Name], nil
	}
	if call, ok := r.doc.calls[binding.Name]; ok {
		return r.dispatchCall(ctx, call, deps)
	}
	locals := make([]value.Value, len(binding.Dependencies))
	for i, dep := range binding.Dependencies {
		locals[i] = deps[dep]
	}
	m := vm.New(r.doc.Program, r.engine.Manager, r.arena)
	return m.Run(binding.Start, binding.End, locals)
}

// noPromises satisfies scheduler.PromiseResolver: this runtime performs
// every call (fetch, cache.get/put) synchronously inside Runner.Run, so no
// binding here ever settles to a KindPromise value.
type noPromises struct{}

func (noPromises) Resolve(_ context.Context, handle uint64) (value.Value, error) {
	return value.Value{}, fmt.Errorf("unresolved promise handle %d: this runtime never produces promises", handle)
}

func (r *requestRunner) dispatchCall(ctx context.Context, call compiler.CallSite, deps map[string]value.Value) (value.Value, error) {
	args := make([]value.Value, len(call.ArgBindings))
	for i, name := range call.ArgBindings {
		args[i] = deps[name]
	}
	switch call.Callee {
	case "fetch":
		return r.dispatchFetch(ctx, args)
	case "cache.get":
		return r.dispatchCacheGet(args)
	case "cache.put":
		return r.dispatchCachePut(args)
	default:
		return value.Value{}, fmt.Errorf("unknown call target %q", call.Callee)
	}
}

// dispatchFetch issues fetch(method, url[, body]) (spec §4.7), sharing the
// Engine's http.Client for connection pooling while using a fresh
// arena-aware cache adapter scoped to this one request.
func (r *requestRunner) dispatchFetch(ctx context.Context, args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Value{}, fmt.Errorf("fetch needs (method, url) arguments, got %d", len(args))
	}
	req := fetch.Request{Method: args[0].Str(), URL: args[1].Str()}
	if len(args) >= 3 && args[2].Kind() != value.KindNull {
		body, err := marshalValue(args[2])
		if err != nil {
			return value.Value{}, fmt.Errorf("fetch body: %w", err)
		}
		req.Body = body
	}
	client := &fetch.Client{HTTP: r.engine.http, Cache: &cacheAdapter{cache: r.engine.Cache, arena: r.arena}}
	return client.Do(ctx, req, r.arena)
}

func (r *requestRunner) dispatchCacheGet(args []value.Value) (value.Value, error) {
	if len(args) < 1 {
		return value.Value{}, fmt.Errorf("cache.get needs a key argument")
	}
	if v, ok := r.engine.Cache.Get(args[0].Str(), r.arena); ok {
		return v, nil
	}
	return value.Null, nil
}

// dispatchCachePut implements cache.put(key, value[, ttlSeconds]) and
// returns the stored value, so a call site used purely for its side effect
// (spec §4.8's cross-request visibility) still settles to something a
// dependent binding could reference.
func (r *requestRunner) dispatchCachePut(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Value{}, fmt.Errorf("cache.put needs (key, value) arguments")
	}
	var ttl time.Duration
	if len(args) >= 3 {
		ttl = time.Duration(args[2].Int()) * time.Second
	}
	r.engine.Cache.Set(args[0].Str(), args[1], ttl)
	return args[1], nil
}

// cacheAdapter narrows *cache.Cache down to fetch.Cache's arena-agnostic
// shape for one request, closing over this request's own arena so a
// fetch's cache hit/store lands in request-owned memory (spec §4.5's
// cross-heap-reference rule).
type cacheAdapter struct {
	cache *cache.Cache
	arena *heap.Arena
}

func (a *cacheAdapter) Get(key string) (value.Value, bool) { return a.cache.Get(key, a.arena) }

func (a *cacheAdapter) Set(key string, v value.Value, ttl time.Duration) {
	a.cache.Set(key, v, ttl)
}

// marshalValue JSON-encodes a Value tree for use as a fetch request body,
// mirroring pkg/stream's decimal handling so an outbound decimal argument
// round-trips through JSON without a lossy float64 conversion.
func marshalValue(v value.Value) ([]byte, error) {
	return json.Marshal(toJSON(v))
}

func toJSON(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		return v.Bool()
	case value.KindInt:
		return v.Int()
	case value.KindDecimal:
		d := v.DecimalVal()
		return json.Number(d.String())
	case value.KindString:
		return v.Str()
	case value.KindArray:
		arr := v.Array()
		out := make([]any, len(arr.Elements))
		for i, e := range arr.Elements {
			out[i] = toJSON(e)
		}
		return out
	case value.KindObject:
		obj := v.Object()
		out := make(map[string]any, len(obj.Pairs))
		for _, p := range obj.Pairs {
			out[p.Key.Str()] = toJSON(p.Value)
		}
		return out
	default:
		return nil
	}
}
