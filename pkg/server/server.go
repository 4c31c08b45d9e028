// Package server is the HTTP listener (C11): a thin gin binding layer
// (spec §1's explicit non-goal leaves connection accept/TLS/header parsing
// to net/http and gin themselves) that maps a compiled document's
// `@endpoint:METHOD:/path` declarations onto gin routes, extracts path
// parameters into the request's binding parameters, runs the endpoint
// through pkg/runtime, and streams the resolved bindings back through
// pkg/stream.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/semaphore"

	_ "github.com/tliron/commonlog/simple"

	"github.com/Hafthor/loaf/pkg/compiler"
	"github.com/Hafthor/loaf/pkg/runtime"
	"github.com/Hafthor/loaf/pkg/stream"
	"github.com/Hafthor/loaf/pkg/value"
)

// Server wraps a gin.Engine bound to one compiled Document and Engine.
type Server struct {
	router *gin.Engine
	engine *runtime.Engine
	doc    *runtime.Document
	sem    *semaphore.Weighted // nil means unbounded concurrency
}

// New builds a Server and registers every endpoint in doc.Manifest against
// the router. A fresh gin.Engine is created in release-ish mode (gin.New,
// not gin.Default) since request logging goes through commonlog instead of
// gin's own middleware logger. workers bounds how many requests run
// concurrently (spec §5's "small pool of worker threads, each carrying
// exactly one request at a time"); workers <= 0 leaves it unbounded.
func New(engine *runtime.Engine, doc *runtime.Document, workers int) *Server {
	s := &Server{router: gin.New(), engine: engine, doc: doc}
	if workers > 0 {
		s.sem = semaphore.NewWeighted(int64(workers))
	}
	s.router.Use(gin.Recovery())
	for _, ep := range doc.Manifest.Endpoints {
		ep := ep
		s.router.Handle(ep.Method, ep.Path, func(c *gin.Context) { s.handle(c, ep) })
	}
	return s
}

// Router exposes the underlying gin.Engine, e.g. for tests driving it with
// httptest or for cmd/loaf to wrap in its own http.Server for graceful
// shutdown.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handle(c *gin.Context, ep compiler.EndpointInfo) {
	if s.sem != nil {
		if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"type": "Overloaded", "message": err.Error()}})
			return
		}
		defer s.sem.Release(1)
	}

	reqID := uuid.New().String()

	params := make(map[string]value.Value, len(c.Params))
	for _, p := range c.Params {
		params[p.Key] = value.Str(p.Value)
	}
	query := c.Request.URL.Query()
	for key := range query {
		params[key] = value.Str(query.Get(key))
	}

	result, err := s.engine.RunEndpoint(c.Request.Context(), s.doc, ep, params)
	if err != nil {
		commonlog.NewErrorMessage(0, fmt.Sprintf("request %s: %s %s failed: %s", reqID, ep.Method, ep.Path, err))
		status, kind := http.StatusInternalServerError, "InternalError"
		if ce, ok := err.(interface{ ExceptionType() string }); ok {
			if t := ce.ExceptionType(); t == "CircularDependency" || t == "UnresolvedReference" {
				status, kind = http.StatusBadRequest, t
			}
		}
		c.JSON(status, gin.H{"error": gin.H{"type": kind, "message": err.Error()}})
		return
	}
	defer s.engine.Release(result)

	supportsStreaming := stream.SupportsStreaming(c.Request)
	if supportsStreaming {
		c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Writer.WriteHeader(http.StatusOK)

	sw := stream.New(c.Writer, supportsStreaming)
	for _, name := range ep.Bindings {
		if err := sw.Emit(name, result.Outcomes[name]); err != nil {
			commonlog.NewWarningMessage(0, fmt.Sprintf("request %s: streaming %q: %s", reqID, name, err))
			return
		}
	}
	if err := sw.Finish(); err != nil {
		commonlog.NewWarningMessage(0, fmt.Sprintf("request %s: finishing response: %s", reqID, err))
	}
}
