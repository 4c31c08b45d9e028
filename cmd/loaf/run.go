package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Hafthor/loaf/pkg/stream"
	"github.com/Hafthor/loaf/pkg/value"
)

func cmdRun(args []string) int {
	fs := newFlagSet("loaf run")
	if err := fs.Parse(args); err != nil {
		return exitRuntimeError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "loaf run: expected exactly one <doc.json|out.crouton> argument")
		return exitRuntimeError
	}

	doc, err := loadDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf run: %s\n", err)
		return exitCompileError
	}

	cfg := loadConfig()
	engine, err := newEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf run: %s\n", err)
		return exitRuntimeError
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.requestDeadline)
	defer cancel()

	result, err := engine.RunDefault(ctx, doc, map[string]value.Value{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf run: %s\n", err)
		return exitRuntimeError
	}
	defer engine.Release(result)

	sw := stream.New(os.Stdout, false)
	for _, name := range doc.Manifest.Roots {
		if err := sw.Emit(name, result.Outcomes[name]); err != nil {
			fmt.Fprintf(os.Stderr, "loaf run: %s\n", err)
			return exitRuntimeError
		}
	}
	if err := sw.Finish(); err != nil {
		fmt.Fprintf(os.Stderr, "loaf run: %s\n", err)
		return exitRuntimeError
	}
	fmt.Println()
	return exitOK
}
