// Command loaf is the compiler/runtime CLI (spec §6): compile a document to
// crouton bytecode, run it once, serve it over HTTP, run its scenario
// fixtures, or disassemble a compiled module.
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"
)

const (
	exitOK           = 0
	exitCompileError = 1
	exitTestFailure  = 2
	exitRuntimeError = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitRuntimeError
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "compile":
		return cmdCompile(rest)
	case "run":
		return cmdRun(rest)
	case "server":
		return cmdServer(rest)
	case "test":
		return cmdTest(rest)
	case "info":
		return cmdInfo(rest)
	case "-h", "-help", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "loaf: unknown subcommand %q\n\n", sub)
		usage()
		return exitRuntimeError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: loaf <subcommand> [options]

Subcommands:
  compile <doc.json> -o <out.crouton>   parse and compile a document
  run <doc.json|out.crouton>            evaluate the flat binding set once
  server <doc.json|out.crouton>         start the HTTP listener
  test <dir>                            run the scenario fixtures under dir
  info <doc.json|out.crouton>           print the header and disassembly

Exit codes: 0 success, 1 compile error, 2 test failure, 3 runtime error.`)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
