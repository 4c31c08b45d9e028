package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/compiler"
	"github.com/Hafthor/loaf/pkg/runtime"
)

// loadDocument accepts either a .json source document (recompiled
// in-process, so its full Manifest — endpoints, hoisted calls, roots — is
// available) or a .crouton bytecode file. A bare .crouton has no Manifest:
// `run`/`server`/`info` still work against it, but only for modules with no
// endpoints and no fetch/cache calls, since those depend on metadata this
// runtime deliberately never serializes into the wire format (DESIGN.md).
func loadDocument(path string) (*runtime.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		moduleName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return runtime.Compile(moduleName, string(data))
	}
	program, err := bytecode.Load(data)
	if err != nil {
		return nil, err
	}
	manifest := &compiler.Manifest{}
	for _, b := range program.Bindings {
		if !strings.HasPrefix(b.Name, "__call:") {
			manifest.Roots = append(manifest.Roots, b.Name)
		}
	}
	return runtime.Load(program, manifest), nil
}
