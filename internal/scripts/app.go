package scripts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"cgibin/internal/apperr"
	"cgibin/internal/body"
	"cgibin/internal/cgireq"
	"cgibin/internal/config"
	"cgibin/internal/render"
	"cgibin/internal/session"
)

// App carries everything one invocation needs. Handlers read the request
// only through the *cgireq.Request they are given, never the process env.
type App struct {
	Config    config.Config
	Log       *log.Logger
	RequestID string

	// Sessions may be preset (tests, in-process hosting); otherwise it is
	// built on first use from Config.SessionBackend.
	Sessions *session.Manager

	once          sync.Once
	initErr       error
	closeSessions func() error
}

type Options struct {
	Config    config.Config
	Log       *log.Logger
	RequestID string
	Sessions  *session.Manager
}

func New(opts Options) *App {
	lg := opts.Log
	if lg == nil {
		lg = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return &App{
		Config:    opts.Config,
		Log:       lg,
		RequestID: opts.RequestID,
		Sessions:  opts.Sessions,
	}
}

// Script handles one request and always yields a response.
type Script func(a *App, ctx context.Context, req *cgireq.Request) *render.Response

var registry = map[string]Script{
	"upload":      (*App).Upload,
	"delete":      (*App).Delete,
	"delete_file": (*App).Delete,
	"download":    (*App).Download,
	"login":       (*App).Login,
	"post":        (*App).Echo,
	"echo":        (*App).Echo,
	"signin":      (*App).SignIn,
	"index":       (*App).Info,
	"info":        (*App).Info,
	"thumb":       (*App).Thumb,
}

// Names lists the registered script names in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ScriptName reduces "/cgi-bin/upload.py", "upload.cgi" or "upload" to "upload".
func ScriptName(p string) string {
	name := path.Base(strings.ReplaceAll(p, "\\", "/"))
	for _, ext := range []string{".py", ".cgi", ".exe"} {
		name = strings.TrimSuffix(name, ext)
	}
	return strings.ToLower(name)
}

// Lookup finds the script registered under name (see ScriptName).
func Lookup(name string) (Script, bool) {
	s, ok := registry[ScriptName(name)]
	return s, ok
}

// Run dispatches to the named script. A panic inside a script still
// produces a well-formed 500 page; its detail goes to the log only.
func (a *App) Run(ctx context.Context, name string, req *cgireq.Request) (resp *render.Response) {
	defer func() {
		if p := recover(); p != nil {
			a.Log.Printf("panic in %s: %v\n%s", name, p, debug.Stack())
			resp = render.Error(apperr.New(apperr.Internal, ""), render.Failure{Title: "Server Error"}, a.RequestID)
		}
	}()

	script, ok := Lookup(name)
	if !ok {
		a.Log.Printf("unknown script %q", name)
		return render.Error(apperr.New(apperr.NotFound, "No such script."), render.Failure{}, a.RequestID)
	}
	return script(a, ctx, req)
}

// Close releases backend connections opened during the request.
func (a *App) Close() error {
	if a.closeSessions != nil {
		return a.closeSessions()
	}
	return nil
}

func (a *App) sessions(ctx context.Context) (*session.Manager, error) {
	a.once.Do(func() {
		if a.Sessions != nil {
			return
		}
		a.Sessions, a.closeSessions, a.initErr = OpenSessions(ctx, a.Config)
	})
	if a.initErr != nil {
		return nil, apperr.Wrap(apperr.ServerMisconfigured, "Server configuration error: session store unavailable", a.initErr)
	}
	return a.Sessions, nil
}

// OpenSessions builds the session manager selected by cfg.SessionBackend.
// The returned func releases any connection the backend holds.
func OpenSessions(ctx context.Context, cfg config.Config) (*session.Manager, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.SessionBackend) {
	case "", "file":
		fs, err := session.NewFileStore(cfg.SessionDir)
		if err != nil {
			return nil, nil, err
		}
		return session.NewManager(fs, cfg.TTL()), noop, nil
	case "memory":
		return session.NewManager(session.NewMemStore(), cfg.TTL()), noop, nil
	case "redis":
		client, err := session.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return session.NewManager(session.NewRedisStore(client, cfg.TTL()), cfg.TTL()), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

// fail logs server-side failures with their cause and renders the error page.
func (a *App) fail(err error, f render.Failure) *render.Response {
	if apperr.Status(err) >= 500 {
		a.Log.Printf("%s: %v", f.Title, err)
	}
	return render.Error(err, f, a.RequestID)
}

// page renders a template; a template failure is logged and becomes a bare 500.
func (a *App) page(status int, name string, data render.Data) *render.Response {
	r, err := render.Page(status, name, data)
	if err != nil {
		a.Log.Printf("render: %v", err)
		return render.Fallback(500)
	}
	return r
}

func (a *App) uploadRoot() (string, error) {
	root, ok := a.Config.UploadRoot()
	if !ok {
		a.Log.Printf("UPLOAD_DIR is empty or contains only quotes")
		return "", apperr.New(apperr.ServerMisconfigured, "Server configuration error: Upload directory not properly configured")
	}
	return root, nil
}

// formFields gathers submitted fields the way a form handler sees them:
// body fields first, then query parameters for keys the body lacked.
// File parts are not wanted here and are dropped.
func (a *App) formFields(req *cgireq.Request) (body.Fields, error) {
	d := body.Decoder{
		MaxFileSize: a.Config.MaxFormSize,
		MaxFormSize: a.Config.MaxFormSize,
		SpoolDir:    os.TempDir(),
	}
	res, err := d.Decode(req.ContentType, req.Body())
	if errors.Is(err, body.ErrTooLarge) {
		return nil, apperr.Wrap(apperr.BadRequest, "Submitted form is too large", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "", err)
	}
	res.File.Discard()
	for k, vs := range req.Query {
		if _, ok := res.Fields[k]; !ok && len(vs) > 0 {
			res.Fields[k] = vs[0]
		}
	}
	return res.Fields, nil
}

// siblingURL builds the URL of another script next to the running one,
// keeping its extension: /cgi-bin/download.py -> /cgi-bin/thumb.py.
func siblingURL(req *cgireq.Request, script string) string {
	sn := req.ScriptName
	if sn == "" {
		return script
	}
	return path.Join(path.Dir(sn), script+path.Ext(sn))
}
