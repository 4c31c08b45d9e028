package stream

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/scheduler"
	"github.com/Hafthor/loaf/pkg/value"
)

func TestStreamingModeEmitsOneLinePerKey(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, true)

	require.NoError(t, s.Emit("a", scheduler.Outcome{Value: value.Int(1)}))
	require.NoError(t, s.Emit("b", scheduler.Outcome{Value: value.Str("x")}))
	require.NoError(t, s.Finish())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(1), first["a"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "x", second["b"])
}

func TestBufferedModeEmitsSingleBody(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, false)

	require.NoError(t, s.Emit("a", scheduler.Outcome{Value: value.Int(1)}))
	require.NoError(t, s.Emit("b", scheduler.Outcome{Value: value.Int(2)}))
	assert.Empty(t, buf.String(), "buffered mode must not write anything before Finish")

	require.NoError(t, s.Finish())

	var body map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &body))
	assert.Equal(t, float64(1), body["a"])
	assert.Equal(t, float64(2), body["b"])
}

func TestFailedBindingEncodesAsErrorObject(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, false)

	require.NoError(t, s.Emit("bad", scheduler.Outcome{
		Err: &value.Exception{Type: "TypeError", Message: "boom"},
	}))
	require.NoError(t, s.Finish())

	var body map[string]map[string]map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &body))
	assert.Equal(t, "TypeError", body["bad"]["error"]["type"])
	assert.Equal(t, "boom", body["bad"]["error"]["message"])
}

func TestStreamingModeFlushesThroughHTTPResponseWriter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := New(w, SupportsStreaming(r))
		_ = s.Emit("a", scheduler.Outcome{Value: value.Int(1)})
		_ = s.Finish()
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
}

func TestSupportsStreamingDetectsAcceptHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	req.Header.Set("Accept", "application/x-ndjson")
	assert.True(t, SupportsStreaming(req))

	req2, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	req2.Header.Set("Accept", "application/json")
	assert.False(t, SupportsStreaming(req2))
}
