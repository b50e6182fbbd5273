// Package devhost serves the scripts over HTTP for local development.
//
// By default every /cgi-bin request re-executes a CGI binary, the same way
// a production web server would. With InProcess set the scripts run inside
// the server instead and share one session manager, which is what the
// "memory" session backend is for.
package devhost

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/cgi"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"cgibin/internal/cgireq"
	"cgibin/internal/config"
	"cgibin/internal/scripts"
	"cgibin/internal/session"
)

type Options struct {
	// Binary is the CGI executable. Default: the running executable.
	Binary string
	// Args are passed to Binary before any CGI handling.
	Args []string
	// Env is added to every child's environment (UPLOAD_DIR=..., etc).
	Env []string
	// WWWDir is served at / when set.
	WWWDir string
	// InProcess runs scripts in this process instead of spawning Binary.
	InProcess bool
	Log       *log.Logger
}

type Server struct {
	opts Options
	log  *log.Logger

	// in-process mode only
	cfg           config.Config
	sessions      *session.Manager
	closeSessions func() error
}

// inherited lets the dev shell configure the scripts without repeating -env.
var inherited = []string{
	"UPLOAD_DIR", "SESSION_DIR", "SESSION_BACKEND", "SESSION_TTL",
	"REDIS_ADDR", "REDIS_PASSWORD", "MAX_UPLOAD_SIZE", "LOGIN_PAGE",
	"CGIBIN_CONFIG", "DEBUG", "TMPDIR",
}

func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.WWWDir != "" {
		abs, err := filepath.Abs(opts.WWWDir)
		if err != nil {
			return nil, err
		}
		st, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			return nil, errors.New("www: not a directory")
		}
		opts.WWWDir = abs
	}
	lg := opts.Log
	if lg == nil {
		lg = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Server{opts: opts, log: lg}

	if opts.InProcess {
		cfg, err := config.Load(append(append([]string(nil), opts.Env...), os.Environ()...))
		if err != nil {
			return nil, err
		}
		s.cfg = cfg
		s.sessions, s.closeSessions, err = scripts.OpenSessions(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	if s.opts.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		s.opts.Binary = exe
	}
	return s, nil
}

// Close releases the in-process session backend.
func (s *Server) Close() error {
	if s.closeSessions != nil {
		return s.closeSessions()
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/cgi-bin/{script}", s.handleScript)
	if s.opts.WWWDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.WWWDir)))
	}
	return withHeaders(r)
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["script"]
	if _, ok := scripts.Lookup(name); !ok {
		http.NotFound(w, r)
		return
	}
	s.log.Printf("%s %s", r.Method, r.URL.RequestURI())
	if s.opts.InProcess {
		s.runInProcess(w, r, name)
		return
	}
	h := &cgi.Handler{
		Path:       s.opts.Binary,
		Root:       "/cgi-bin/" + name,
		Args:       s.opts.Args,
		Env:        s.opts.Env,
		InheritEnv: inherited,
		Logger:     s.log,
		Stderr:     s.log.Writer(),
	}
	h.ServeHTTP(w, r)
}

func (s *Server) runInProcess(w http.ResponseWriter, r *http.Request, name string) {
	if len(r.TransferEncoding) > 0 && r.TransferEncoding[0] == "chunked" {
		http.Error(w, "Chunked request bodies are not supported by CGI.", http.StatusBadRequest)
		return
	}
	reqID := uuid.NewString()
	app := scripts.New(scripts.Options{
		Config:    s.cfg,
		Log:       log.New(s.log.Writer(), "cgibin["+reqID[:8]+"] ", s.log.Flags()),
		RequestID: reqID,
		Sessions:  s.sessions,
	})
	req := cgireq.FromEnv(cgiEnv(r, "/cgi-bin/"+name), r.Body)
	resp := app.Run(r.Context(), name, req)
	if err := resp.WriteHTTP(w); err != nil {
		s.log.Printf("write %s: %v", name, err)
	}
}

// cgiEnv is the environment a CGI host would build for r.
func cgiEnv(r *http.Request, scriptName string) []string {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "80"
	}
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=cgibin-devhost",
		"SERVER_PROTOCOL=" + r.Proto,
		"SERVER_NAME=" + host,
		"SERVER_PORT=" + port,
		"REQUEST_METHOD=" + r.Method,
		"REQUEST_URI=" + r.URL.RequestURI(),
		"QUERY_STRING=" + r.URL.RawQuery,
		"SCRIPT_NAME=" + scriptName,
		"REMOTE_ADDR=" + remote,
	}
	for k, vs := range r.Header {
		k = strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		if k == "PROXY" {
			// httpoxy
			continue
		}
		sep := ", "
		if k == "COOKIE" {
			sep = "; "
		}
		env = append(env, "HTTP_"+k+"="+strings.Join(vs, sep))
	}
	if r.ContentLength > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(r.ContentLength, 10))
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	return env
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
