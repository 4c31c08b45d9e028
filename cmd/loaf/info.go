package main

import (
	"fmt"
	"os"

	"github.com/Hafthor/loaf/pkg/bytecode"
)

func cmdInfo(args []string) int {
	fs := newFlagSet("loaf info")
	if err := fs.Parse(args); err != nil {
		return exitRuntimeError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "loaf info: expected exactly one <doc.json|out.crouton> argument")
		return exitRuntimeError
	}

	doc, err := loadDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf info: %s\n", err)
		return exitCompileError
	}

	fmt.Printf("module:    %s\n", doc.Program.ModuleName)
	v := doc.Program.Version
	fmt.Printf("version:   %d.%d.%d\n", v.Major, v.Minor, v.Patch)
	fmt.Printf("bindings:  %d\n", len(doc.Program.Bindings))
	fmt.Printf("endpoints: %d\n", len(doc.Manifest.Endpoints))
	for _, ep := range doc.Manifest.Endpoints {
		fmt.Printf("  %-6s %s\n", ep.Method, ep.Path)
	}
	fmt.Println()
	fmt.Println(bytecode.Disassemble(doc.Program))
	return exitOK
}
