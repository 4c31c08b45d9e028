// Package fetch implements the runtime's outbound HTTP client (C7): issuing
// a request, decoding a JSON response into request-arena-owned Values, and
// consulting the process cache before dispatching a cacheable GET (spec
// §4.7). HTTP error statuses and transport failures both surface as typed
// exceptions so a document's try/catch can handle a failed fetch like any
// other runtime error.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

// HttpError reports a non-2xx response. Status/Body are preserved so a
// caught exception can inspect what the remote server actually said.
type HttpError struct {
	Status int
	Body   string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(e.Body, 200))
}

func (e *HttpError) ExceptionType() string { return "HttpError" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Cache is the subset of the process cache (C8) fetch depends on, kept
// narrow so this package never needs to know about eviction or ref-counting.
type Cache interface {
	Get(key string) (value.Value, bool)
	Set(key string, v value.Value, ttl time.Duration)
}

// Request describes one outbound call. Headers is optional; Body is raw
// bytes already encoded by the caller (pkg/runtime JSON-encodes the Value
// passed as a fetch(...) call's body argument before building the Request).
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Client issues HTTP requests and decodes their JSON bodies into Values
// owned by the caller's arena.
type Client struct {
	HTTP  *http.Client
	Cache Cache // nil disables cache-control-aware dispatch
}

// New creates a Client with sane request timeouts, grounded on the
// teacher's own server timeout defaults (spec §4.7 leaves the exact values
// to the runtime).
func New(cache Cache) *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}, Cache: cache}
}

// Do performs req, serving a cache hit for a cacheable GET when possible and
// storing the response under its Cache-Control max-age otherwise.
func (c *Client) Do(ctx context.Context, req Request, arena *heap.Arena) (value.Value, error) {
	key := cacheKey(req)
	cacheable := c.Cache != nil && strings.EqualFold(req.Method, http.MethodGet) && len(req.Body) == 0
	if cacheable {
		if v, ok := c.Cache.Get(key); ok {
			return v, nil
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return value.Value{}, &HttpError{Status: 0, Body: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return value.Value{}, &HttpError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return value.Value{}, &HttpError{Status: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return value.Value{}, &HttpError{Status: resp.StatusCode, Body: string(body)}
	}

	result, err := Decode(body, arena)
	if err != nil {
		return value.Value{}, &HttpError{Status: resp.StatusCode, Body: "invalid JSON response: " + err.Error()}
	}

	if cacheable {
		if ttl, ok := maxAge(resp.Header.Get("Cache-Control")); ok && ttl > 0 {
			c.Cache.Set(key, result, ttl)
		}
	}
	return result, nil
}

func cacheKey(req Request) string {
	return strings.ToUpper(req.Method) + " " + req.URL
}

// maxAge parses the max-age directive out of a Cache-Control header value.
func maxAge(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "no-store") || strings.EqualFold(part, "no-cache") {
			return 0, false
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(part), "max-age="); ok {
			secs, err := strconv.Atoi(rest)
			if err != nil {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// Decode parses a JSON document into a Value tree owned by arena. Numbers
// without a fractional or exponent part decode as KindInt; everything else
// numeric decodes as an exact apd.Decimal (spec §3's "JSON numbers round-trip
// through the same decimal type used for document arithmetic").
func Decode(data []byte, arena *heap.Arena) (value.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return value.Value{}, err
	}
	return toValue(raw, arena), nil
}

func toValue(raw any, arena *heap.Arena) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null
	case bool:
		return value.Bool(v)
	case json.Number:
		return numberToValue(v)
	case string:
		return value.Str(v)
	case []any:
		arr := arena.NewArray()
		for _, e := range v {
			arr.Elements = append(arr.Elements, toValue(e, arena))
		}
		return value.Arr(arr)
	case map[string]any:
		obj := arena.NewObject()
		for k, val := range v {
			obj.Set(value.Str(k), toValue(val, arena))
		}
		return value.Obj(obj)
	default:
		return value.Null
	}
}

func numberToValue(n json.Number) value.Value {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i)
		}
	}
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return value.Null
	}
	return value.Decimal(d)
}
