// Package render is the single place responses are built and written.
//
// Every HTML body goes through the embedded html/template set, so anything
// a client sent (file names, user names, messages) is escaped the same way
// on success and error pages alike.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"cgibin/internal/apperr"
)

const ContentTypeHTML = "text/html; charset=UTF-8"

//go:embed templates/*.html
var templateFS embed.FS

var pages = mustLoadPages()

func mustLoadPages() map[string]*template.Template {
	layout := template.Must(template.ParseFS(templateFS, "templates/layout.html"))
	names, err := templateFS.ReadDir("templates")
	if err != nil {
		panic(err)
	}
	m := make(map[string]*template.Template, len(names))
	for _, e := range names {
		name := strings.TrimSuffix(e.Name(), ".html")
		if name == "layout" {
			continue
		}
		t := template.Must(layout.Clone())
		m[name] = template.Must(t.ParseFS(templateFS, "templates/"+e.Name()))
	}
	return m
}

type Header struct {
	Name  string
	Value string
}

// Response is one complete CGI response: status, headers in the order they
// were added (repeats allowed, e.g. Set-Cookie), and a body.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
	// Stream replaces Body when set; it is closed after writing if it is an io.Closer.
	Stream       io.Reader
	StreamLength int64 // -1 if unknown
}

// Data is what page templates are executed with.
type Data map[string]any

// Add appends a header, keeping any earlier ones of the same name.
func (r *Response) Add(name, value string) *Response {
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
	return r
}

// Set replaces every header of the same name.
func (r *Response) Set(name, value string) *Response {
	kept := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	r.Headers = append(kept, Header{Name: name, Value: value})
	return r
}

// Get returns the first header value for name.
func (r *Response) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (r *Response) Values(name string) []string {
	var vs []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			vs = append(vs, h.Value)
		}
	}
	return vs
}

// Page renders the named template inside the shared layout.
func Page(status int, name string, data Data) (*Response, error) {
	t, ok := pages[name]
	if !ok {
		return nil, fmt.Errorf("render: unknown page %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	r := &Response{Status: status, Body: buf.Bytes()}
	r.Add("Content-Type", ContentTypeHTML)
	return r, nil
}

// Failure describes how an error page for one script looks.
type Failure struct {
	Title     string // e.g. "Upload Failed"
	BackURL   string
	BackLabel string
}

// Error maps err to its status and renders the error page. Only the
// client-safe message is shown; for server-side failures the request ID is
// shown so the log entry can be found.
func Error(err error, f Failure, requestID string) *Response {
	status := apperr.Status(err)
	if f.Title == "" {
		f.Title = http.StatusText(status)
	}
	data := Data{
		"Title":     f.Title,
		"Message":   apperr.Message(err),
		"BackURL":   f.BackURL,
		"BackLabel": f.BackLabel,
	}
	if status >= 500 {
		data["RequestID"] = requestID
	}
	r, rerr := Page(status, "error", data)
	if rerr != nil {
		return Fallback(status)
	}
	return r
}

// Redirect is a 302 with Location set.
func Redirect(location string) *Response {
	r, err := Page(http.StatusFound, "redirect", Data{"Location": location})
	if err != nil {
		r = Fallback(http.StatusFound)
	}
	return r.Set("Location", location)
}

// Fallback is a minimal response that needs no templates.
func Fallback(status int) *Response {
	text := template.HTMLEscapeString(http.StatusText(status))
	r := &Response{
		Status: status,
		Body:   []byte("<!DOCTYPE html><html><head><title>" + text + "</title></head><body><h1>" + text + "</h1></body></html>\n"),
	}
	return r.Add("Content-Type", ContentTypeHTML)
}

var errBadHeader = errors.New("render: invalid header")

func (r *Response) validate() error {
	if r.Status < 100 || r.Status > 999 {
		return fmt.Errorf("render: invalid status %d", r.Status)
	}
	for _, h := range r.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			return fmt.Errorf("%w: %q", errBadHeader, h.Name)
		}
		if strings.EqualFold(h.Name, "Status") {
			return fmt.Errorf("%w: Status is reserved", errBadHeader)
		}
	}
	return nil
}

// prepared returns the headers to send: Content-Type defaults to HTML and
// Content-Length is set for in-memory bodies.
func (r *Response) prepared() []Header {
	hs := make([]Header, 0, len(r.Headers)+2)
	hasType := false
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		if strings.EqualFold(h.Name, "Content-Type") {
			hasType = true
		}
		hs = append(hs, h)
	}
	if !hasType {
		hs = append(hs, Header{Name: "Content-Type", Value: ContentTypeHTML})
	}
	switch {
	case r.Stream == nil:
		hs = append(hs, Header{Name: "Content-Length", Value: strconv.Itoa(len(r.Body))})
	case r.StreamLength >= 0:
		hs = append(hs, Header{Name: "Content-Length", Value: strconv.FormatInt(r.StreamLength, 10)})
	}
	return hs
}

// WriteCGI writes the response in CGI form: a Status header, the other
// headers, exactly one blank line, then the body. An invalid response is
// replaced by a bare 500 and the validation error returned for logging.
func (r *Response) WriteCGI(w io.Writer) error {
	verr := r.validate()
	if verr != nil {
		r.closeStream()
		r = Fallback(http.StatusInternalServerError)
	}
	defer r.closeStream()

	var head bytes.Buffer
	fmt.Fprintf(&head, "Status: %d %s\r\n", r.Status, http.StatusText(r.Status))
	for _, h := range r.prepared() {
		fmt.Fprintf(&head, "%s: %s\r\n", h.Name, h.Value)
	}
	head.WriteString("\r\n")
	if _, err := w.Write(head.Bytes()); err != nil {
		return err
	}
	if err := r.writeBody(w); err != nil {
		return err
	}
	return verr
}

// WriteHTTP writes the response to an http.ResponseWriter, for hosting the
// scripts in-process.
func (r *Response) WriteHTTP(w http.ResponseWriter) error {
	verr := r.validate()
	if verr != nil {
		r.closeStream()
		r = Fallback(http.StatusInternalServerError)
	}
	defer r.closeStream()

	for _, h := range r.prepared() {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(r.Status)
	if err := r.writeBody(w); err != nil {
		return err
	}
	return verr
}

func (r *Response) writeBody(w io.Writer) error {
	if r.Stream != nil {
		_, err := io.Copy(w, r.Stream)
		return err
	}
	_, err := w.Write(r.Body)
	return err
}

func (r *Response) closeStream() {
	if c, ok := r.Stream.(io.Closer); ok {
		_ = c.Close()
	}
}
