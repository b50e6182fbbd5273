package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cgibin/internal/devhost"
	"cgibin/internal/scripts"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serveCmd(os.Args[2:])
		return
	}

	// CGI mode. Hosts may pass ISINDEX words as arguments, so flags other
	// than -script are ignored instead of failing the request.
	fs := flag.NewFlagSet("cgibin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	script := fs.String("script", "", "script to run (default: from SCRIPT_NAME or argv[0])")
	_ = fs.Parse(os.Args[1:])

	os.Exit(scripts.ServeCGI(context.Background(), scripts.Invocation{
		Script: *script,
		Argv0:  os.Args[0],
		Env:    os.Environ(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}))
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		addr      = fs.String("addr", "127.0.0.1:8000", "listen address")
		www       = fs.String("www", "", "static document root (optional)")
		uploadDir = fs.String("upload-dir", "", "UPLOAD_DIR for the scripts (default: inherited)")
		cfgPath   = fs.String("config", "", "CGIBIN_CONFIG for the scripts (optional)")
		inProcess = fs.Bool("inprocess", false, "run scripts inside the server instead of spawning a CGI child")
	)
	_ = fs.Parse(args)

	var env []string
	if *uploadDir != "" {
		abs, err := filepath.Abs(*uploadDir)
		if err != nil {
			log.Fatalf("upload dir: %v", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			log.Fatalf("mkdir upload dir: %v", err)
		}
		env = append(env, "UPLOAD_DIR="+abs)
	}
	if *cfgPath != "" {
		abs, err := filepath.Abs(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		env = append(env, "CGIBIN_CONFIG="+abs)
	}

	srv, err := devhost.New(context.Background(), devhost.Options{Env: env, WWWDir: *www, InProcess: *inProcess})
	if err != nil {
		log.Fatalf("devhost init: %v", err)
	}
	defer srv.Close()

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}()

	log.Printf("cgibin dev host on http://%s (scripts: %s)", *addr, strings.Join(scripts.Names(), ", "))
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}
