// Package stream implements the response streamer (C9): for each binding
// outcome it is given, the streamer emits a newline-delimited partial JSON
// object carrying only that key (spec §4.9). pkg/server hands it the
// outcomes after the whole request has settled, so no line is sent while
// other bindings are still running. A client that didn't advertise
// streaming support gets the same data buffered into one JSON body.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/Hafthor/loaf/pkg/scheduler"
	"github.com/Hafthor/loaf/pkg/value"
)

// Streamer accumulates or forwards binding outcomes as they settle.
// Grounded on the teacher pack's http.Flusher-driven SSE writer
// (orchestrator/handlers/sse_writer.go): a mutex-guarded writer that
// flushes once per event, generalized from the SSE wire format to bare
// NDJSON chunks per spec §4.9.
type Streamer struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	buffered  bool
	order     []string
	settled   map[string]value.Value
	failed    map[string]*value.Exception
	flushedAt int
}

// New creates a Streamer writing to w. supportsStreaming mirrors the
// client's advertised capability (spec §4.9: absent support, the streamer
// buffers and emits exactly one JSON body at Finish). flusher is nil when
// w doesn't implement http.Flusher (e.g. a test buffer) — in that case
// Emit still writes NDJSON lines but never flushes.
func New(w io.Writer, supportsStreaming bool) *Streamer {
	s := &Streamer{
		w:        w,
		buffered: !supportsStreaming,
		settled:  make(map[string]value.Value),
		failed:   make(map[string]*value.Exception),
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Emit records key's outcome, in declaration order of first occurrence. In
// streaming mode it writes and flushes a one-key NDJSON object immediately;
// in buffered mode it just records the result for Finish to assemble.
func (s *Streamer) Emit(key string, outcome scheduler.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, wasOk := s.settled[key]
	_, wasFailed := s.failed[key]
	if !wasOk && !wasFailed {
		s.order = append(s.order, key)
	}
	if outcome.Err != nil {
		s.failed[key] = outcome.Err
	} else {
		s.settled[key] = outcome.Value
	}

	if s.buffered {
		return nil
	}
	return s.flushOne(key)
}

func (s *Streamer) flushOne(key string) error {
	chunk := map[string]any{key: s.encode(key)}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Finish emits the single buffered JSON body (non-streaming clients) or is
// a no-op for a streaming client, since every key was already flushed.
func (s *Streamer) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.buffered {
		return nil
	}
	// Written key by key so the body keeps declaration order; a map would
	// be marshalled with its keys sorted.
	data := []byte{'{'}
	for i, key := range s.order {
		if i > 0 {
			data = append(data, ',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(s.encode(key))
		if err != nil {
			return err
		}
		data = append(append(append(data, k...), ':'), v...)
	}
	data = append(data, '}')
	_, err := s.w.Write(data)
	return err
}

// encode converts key's settled Value, or its failure, into a JSON-ready
// shape. A failed binding becomes an error object naming the exception's
// type and message (spec §4.9), never the bare Go error.
func (s *Streamer) encode(key string) any {
	if exc, failed := s.failed[key]; failed {
		return map[string]any{"error": map[string]any{"type": exc.Type, "message": exc.Message}}
	}
	return toJSON(s.settled[key])
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
		// json.Number marshals as a bare numeric literal, preserving the
		// decimal's exact digits instead of rounding through float64.
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
	case value.KindException:
		exc := v.Exception()
		return map[string]any{"error": map[string]any{"type": exc.Type, "message": exc.Message}}
	default:
		return fmt.Sprintf("%v", v.Kind())
	}
}

// SupportsStreaming reports whether req advertised NDJSON streaming
// support via Accept, mirroring the teacher's header-driven capability
// checks elsewhere in the pack's HTTP handlers.
func SupportsStreaming(req *http.Request) bool {
	accept := req.Header.Get("Accept")
	return containsToken(accept, "application/x-ndjson") ||
		containsToken(accept, "application/stream+json")
}

func containsToken(header, token string) bool {
	for i := 0; i+len(token) <= len(header); i++ {
		if header[i:i+len(token)] == token {
			return true
		}
	}
	return false
}
