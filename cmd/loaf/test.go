package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/Hafthor/loaf/pkg/runtime"
	"github.com/Hafthor/loaf/pkg/stream"
	"github.com/Hafthor/loaf/pkg/value"
)

// cmdTest runs every scenario fixture under dir: a <name>.json document
// paired with a <name>.expected.json file holding the JSON object its flat
// binding set should resolve to. There is no document-level syntax for the
// VM's try/catch/finally opcodes (pkg/bytecode/opcodes.go), so fixtures can
// only exercise ordinary expression/dependency/fetch/cache behavior — not
// exception unwinding, which is covered by pkg/vm's own Go test suite
// instead.
func cmdTest(args []string) int {
	fs := newFlagSet("loaf test")
	if err := fs.Parse(args); err != nil {
		return exitRuntimeError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "loaf test: expected exactly one <dir> argument")
		return exitRuntimeError
	}
	dir := fs.Arg(0)

	fixtures, err := findFixtures(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf test: %s\n", err)
		return exitRuntimeError
	}
	if len(fixtures) == 0 {
		fmt.Fprintf(os.Stderr, "loaf test: no *.json/*.expected.json pairs found under %s\n", dir)
		return exitRuntimeError
	}

	cfg := loadConfig()
	engine, err := newEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf test: %s\n", err)
		return exitRuntimeError
	}

	failures := 0
	for _, name := range fixtures {
		if err := runFixture(engine, cfg, dir, name); err != nil {
			fmt.Printf("FAIL %s: %s\n", name, err)
			failures++
			continue
		}
		fmt.Printf("PASS %s\n", name)
	}
	if failures > 0 {
		fmt.Printf("%d/%d fixtures failed\n", failures, len(fixtures))
		return exitTestFailure
	}
	fmt.Printf("%d fixtures passed\n", len(fixtures))
	return exitOK
}

// findFixtures lists every name for which <dir>/<name>.json and
// <dir>/<name>.expected.json both exist.
func findFixtures(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".expected.json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if _, err := os.Stat(filepath.Join(dir, name+".expected.json")); err == nil {
			names = append(names, name)
		}
	}
	return names, nil
}

func runFixture(engine *runtime.Engine, cfg config, dir, name string) error {
	source, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return err
	}
	expectedRaw, err := os.ReadFile(filepath.Join(dir, name+".expected.json"))
	if err != nil {
		return err
	}

	doc, err := runtime.Compile(name, string(source))
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.requestDeadline)
	defer cancel()

	result, err := engine.RunDefault(ctx, doc, map[string]value.Value{})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer engine.Release(result)

	var buf bytes.Buffer
	sw := stream.New(&buf, false)
	for _, binding := range doc.Manifest.Roots {
		if err := sw.Emit(binding, result.Outcomes[binding]); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := sw.Finish(); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	var actual, expected any
	if err := json.Unmarshal(buf.Bytes(), &actual); err != nil {
		return fmt.Errorf("decoding actual output: %w", err)
	}
	if err := json.Unmarshal(expectedRaw, &expected); err != nil {
		return fmt.Errorf("decoding expected fixture: %w", err)
	}
	if !reflect.DeepEqual(actual, expected) {
		return fmt.Errorf("got %s, want %s", buf.String(), strings.TrimSpace(string(expectedRaw)))
	}
	return nil
}
