package scripts

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"cgibin/internal/cgireq"
	"cgibin/internal/config"
	"cgibin/internal/render"
)

// Invocation is one CGI process's view of the world.
type Invocation struct {
	// Script forces the script to run; when empty it is taken from
	// SCRIPT_NAME, then the first PATH_INFO segment, then Argv0.
	Script string
	Argv0  string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ServeCGI handles a single request end to end and returns the process
// exit code. A response is always written, even when configuration fails.
func ServeCGI(ctx context.Context, inv Invocation) int {
	reqID := uuid.NewString()
	lg := log.New(inv.Stderr, "cgibin["+reqID[:8]+"] ", log.LstdFlags|log.Lmicroseconds)

	req := cgireq.FromEnv(inv.Env, inv.Stdin)
	name := pickScript(inv, req)

	cfg, err := config.Load(inv.Env)
	if err != nil {
		lg.Printf("config: %v", err)
		if werr := render.Fallback(500).WriteCGI(inv.Stdout); werr != nil {
			lg.Printf("write: %v", werr)
		}
		return 1
	}
	if cfg.Debug {
		dumpEnv(lg, inv.Env)
	}

	app := New(Options{Config: cfg, Log: lg, RequestID: reqID})
	defer func() {
		if err := app.Close(); err != nil {
			lg.Printf("close: %v", err)
		}
	}()

	resp := app.Run(ctx, name, req)
	lg.Printf("%s %s -> %d", req.Method, name, resp.Status)
	if err := resp.WriteCGI(inv.Stdout); err != nil {
		lg.Printf("write response: %v", err)
		return 1
	}
	return 0
}

func pickScript(inv Invocation, req *cgireq.Request) string {
	if inv.Script != "" {
		return inv.Script
	}
	if _, ok := Lookup(req.ScriptName); ok {
		return req.ScriptName
	}
	if seg, _, _ := strings.Cut(strings.TrimPrefix(req.PathInfo, "/"), "/"); seg != "" {
		if _, ok := Lookup(seg); ok {
			return seg
		}
	}
	if req.ScriptName != "" {
		return req.ScriptName
	}
	return inv.Argv0
}

var redactedEnv = map[string]bool{
	"HTTP_COOKIE":        true,
	"HTTP_AUTHORIZATION": true,
	"REDIS_PASSWORD":     true,
}

func dumpEnv(lg *log.Logger, env []string) {
	sorted := append([]string(nil), env...)
	sort.Strings(sorted)
	for _, kv := range sorted {
		k, _, _ := strings.Cut(kv, "=")
		if redactedEnv[k] {
			kv = k + "=<redacted>"
		}
		lg.Printf("env %s", kv)
	}
}
