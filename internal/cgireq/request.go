// Package cgireq turns a CGI invocation (environment bindings plus the
// request body on stdin) into an immutable Request value.
//
// Nothing here fails: a malformed field degrades to absent or empty so one
// bad header cannot abort the rest of the request.
package cgireq

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type Request struct {
	Method        string
	Query         url.Values
	Header        http.Header
	Cookies       map[string]string
	ContentType   string
	ContentLength int64 // -1 when absent or not a number

	ScriptName string
	PathInfo   string
	ServerName string
	ServerPort string
	RemoteAddr string

	env  map[string]string
	body io.Reader
}

// FromEnv builds a Request from KEY=VALUE pairs and the body stream. Only
// ContentLength bytes are ever read from stdin; the host may keep the pipe
// open, so EOF is never awaited.
func FromEnv(env []string, stdin io.Reader) *Request {
	vars := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if _, dup := vars[k]; !dup {
			vars[k] = v
		}
	}

	r := &Request{
		Method:        strings.ToUpper(strings.TrimSpace(vars["REQUEST_METHOD"])),
		Query:         ParseQuery(vars["QUERY_STRING"]),
		Header:        make(http.Header),
		ContentType:   strings.TrimSpace(vars["CONTENT_TYPE"]),
		ContentLength: parseLength(vars["CONTENT_LENGTH"]),
		ScriptName:    vars["SCRIPT_NAME"],
		PathInfo:      vars["PATH_INFO"],
		ServerName:    vars["SERVER_NAME"],
		ServerPort:    vars["SERVER_PORT"],
		RemoteAddr:    vars["REMOTE_ADDR"],
		env:           vars,
	}
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	for k, v := range vars {
		if name, ok := strings.CutPrefix(k, "HTTP_"); ok && name != "" {
			r.Header.Set(headerName(name), v)
		}
	}
	if r.ContentType != "" {
		r.Header.Set("Content-Type", r.ContentType)
	}
	if r.ContentLength >= 0 {
		r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}
	r.Cookies = ParseCookies(r.Header.Get("Cookie"))

	if r.ContentLength > 0 && stdin != nil {
		r.body = io.LimitReader(stdin, r.ContentLength)
	} else {
		r.body = bytes.NewReader(nil)
	}
	return r
}

// Env returns a raw binding captured at construction time.
func (r *Request) Env(key string) string { return r.env[key] }

// Body is the request body, limited to the declared length. It can be
// consumed once.
func (r *Request) Body() io.Reader { return r.body }

// Cookie returns the named cookie and whether it was presented.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// ParseQuery is a lenient url.ParseQuery: pairs with bad escapes are dropped
// and the rest kept.
func ParseQuery(s string) url.Values {
	q := make(url.Values)
	for s != "" {
		var pair string
		pair, s, _ = strings.Cut(s, "&")
		if pair == "" || strings.Contains(pair, ";") {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		v, err = url.QueryUnescape(v)
		if err != nil {
			continue
		}
		q[k] = append(q[k], v)
	}
	return q
}

// ParseCookies splits a Cookie header on ';'. Malformed pairs are skipped
// and the first occurrence of a name wins.
func ParseCookies(header string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		val = strings.TrimSpace(val)
		if name == "" || strings.ContainsAny(name, " \t\",") {
			continue
		}
		if len(val) > 1 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		if _, dup := m[name]; !dup {
			m[name] = val
		}
	}
	return m
}

func parseLength(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// headerName maps ACCEPT_LANGUAGE to Accept-Language.
func headerName(cgiName string) string {
	return http.CanonicalHeaderKey(strings.ReplaceAll(cgiName, "_", "-"))
}
