package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hafthor/loaf/pkg/compiler"
	"github.com/Hafthor/loaf/pkg/parser"
)

func cmdCompile(args []string) int {
	fs := newFlagSet("loaf compile")
	out := fs.String("o", "", "output .crouton path (default: input with .crouton extension)")
	// Parse repeatedly so -o may follow the input path as well as precede it.
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return exitRuntimeError
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "loaf compile: expected exactly one <doc.json> argument")
		return exitRuntimeError
	}
	inPath := positional[0]
	outPath := *out
	if outPath == "" {
		outPath = strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".crouton"
	}

	source, err := os.ReadFile(inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: %s\n", err)
		return exitRuntimeError
	}

	p, err := parser.New(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: parse error: %s\n", err)
		return exitCompileError
	}
	doc, err := p.ParseDocument()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: parse error: %s\n", err)
		return exitCompileError
	}
	moduleName := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	chunk, _, err := compiler.Compile(moduleName, doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: compile error: %s\n", err)
		return exitCompileError
	}
	data, err := chunk.Serialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: compile error: %s\n", err)
		return exitCompileError
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "loaf compile: %s\n", err)
		return exitRuntimeError
	}
	fmt.Printf("wrote %s\n", outPath)
	return exitOK
}
