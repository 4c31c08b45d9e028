package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Hafthor/loaf/pkg/server"
)

func cmdServer(args []string) int {
	fs := newFlagSet("loaf server")
	port := fs.Int("port", 8080, "listen port")
	if err := fs.Parse(args); err != nil {
		return exitRuntimeError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "loaf server: expected exactly one <doc.json|out.crouton> argument")
		return exitRuntimeError
	}

	doc, err := loadDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf server: %s\n", err)
		return exitCompileError
	}

	cfg := loadConfig()
	engine, err := newEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loaf server: %s\n", err)
		return exitRuntimeError
	}

	srv := server.New(engine, doc, cfg.workers)
	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Printf("loaf server listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "loaf server: %s\n", err)
		return exitRuntimeError
	}
	return exitOK
}
