package body

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"os"
	"strings"

	"cgibin/internal/fsutil"
)

// ErrTooLarge is returned as soon as a file part (or the form fields) pass
// the configured limit; nothing past the limit is buffered.
var ErrTooLarge = errors.New("request body exceeds size limit")

// ErrFormTooLarge is the ErrTooLarge raised by the non-file fields.
var ErrFormTooLarge = fmt.Errorf("form fields: %w", ErrTooLarge)

// Fields maps a form key to its first submitted value.
type Fields map[string]string

// Get returns the value for key, or "" when absent.
func (f Fields) Get(key string) string { return f[key] }

type Result struct {
	Fields Fields
	File   *UploadedFile // nil unless a multipart body carried a FileField part with a file name
}

// UploadedFile is a file part spooled to disk. Its bytes live in a hidden
// temp file until CommitTo moves them into place or Discard removes them.
type UploadedFile struct {
	FieldName    string
	DeclaredName string
	ContentType  string
	Size         int64

	path string
}

func (f *UploadedFile) Open() (*os.File, error) {
	if f.path == "" {
		return nil, os.ErrClosed
	}
	return os.Open(f.path)
}

// CommitTo moves the spooled bytes to dst.
func (f *UploadedFile) CommitTo(dst string) error {
	if f.path == "" {
		return os.ErrClosed
	}
	if err := fsutil.MoveFile(f.path, dst); err != nil {
		return err
	}
	f.path = ""
	return nil
}

// Discard removes the spooled bytes. Safe to call after CommitTo.
func (f *UploadedFile) Discard() {
	if f == nil || f.path == "" {
		return
	}
	_ = os.Remove(f.path)
	f.path = ""
}

type Decoder struct {
	MaxFileSize int64
	MaxFormSize int64

	// FileField is the form name of the one file part that is kept. File
	// parts under any other name are drained unread. Empty keeps none.
	FileField string

	// SpoolDir receives in-flight upload parts. Using the destination
	// directory keeps the final move a same-filesystem rename.
	SpoolDir string
}

// Decode reads a request body according to its declared content type.
//
// Multipart bodies are streamed part by part. Everything else is read up to
// MaxFormSize and decoded by DecodeBytes. Malformed input never fails the
// call; only size limits and spool I/O do.
func (d *Decoder) Decode(contentType string, r io.Reader) (*Result, error) {
	if boundary, ok := multipartBoundary(contentType); ok {
		return d.decodeMultipart(boundary, r)
	}
	raw, _ := io.ReadAll(io.LimitReader(r, d.MaxFormSize))
	return &Result{Fields: DecodeBytes(contentType, raw)}, nil
}

func multipartBoundary(contentType string) (string, bool) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "multipart/form-data" {
		return "", false
	}
	b := params["boundary"]
	return b, b != ""
}

func (d *Decoder) decodeMultipart(boundary string, r io.Reader) (res *Result, err error) {
	res = &Result{Fields: Fields{}}
	defer func() {
		if err != nil {
			res.File.Discard()
			res = nil
		}
	}()

	mr := multipart.NewReader(r, boundary)
	formLeft := d.MaxFormSize
	for {
		part, perr := mr.NextPart()
		if perr != nil {
			// io.EOF, or a truncated/garbled body: keep what was decoded so far.
			return res, nil
		}

		name := part.FormName()
		if fname := part.FileName(); fname != "" {
			if d.FileField == "" || name != d.FileField || res.File != nil {
				n, _ := io.CopyN(io.Discard, part, d.MaxFileSize+1)
				part.Close()
				if n > d.MaxFileSize {
					return res, ErrTooLarge
				}
				continue
			}
			f, serr := d.spool(part, name, fname)
			part.Close()
			if serr != nil {
				return res, serr
			}
			if f == nil {
				return res, nil
			}
			res.File = f
			continue
		}

		var buf bytes.Buffer
		n, rerr := io.Copy(&buf, io.LimitReader(part, formLeft+1))
		part.Close()
		if n > formLeft {
			return res, ErrFormTooLarge
		}
		formLeft -= n
		if rerr != nil {
			return res, nil
		}
		if _, dup := res.Fields[name]; !dup && name != "" {
			res.Fields[name] = buf.String()
		}
	}
}

func (d *Decoder) spool(part *multipart.Part, field, declared string) (*UploadedFile, error) {
	dir := d.SpoolDir
	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, ".upload-*.part")
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	f := &UploadedFile{
		FieldName:    field,
		DeclaredName: declared,
		ContentType:  part.Header.Get("Content-Type"),
		path:         tmp.Name(),
	}

	w := &spoolWriter{f: tmp}
	n, err := io.CopyN(w, part, d.MaxFileSize+1)
	cerr := tmp.Close()
	switch {
	case n > d.MaxFileSize:
		f.Discard()
		return nil, ErrTooLarge
	case w.err != nil:
		f.Discard()
		return nil, fmt.Errorf("spool upload: %w", w.err)
	case cerr != nil:
		f.Discard()
		return nil, fmt.Errorf("spool upload: %w", cerr)
	case err != nil && err != io.EOF:
		// The client's body ended mid-part.
		f.Discard()
		return nil, nil
	}
	f.Size = n
	return f, nil
}

// spoolWriter remembers write failures so they are not mistaken for a
// truncated client body.
type spoolWriter struct {
	f   *os.File
	err error
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// DecodeBytes decodes a non-multipart body.
//
// A JSON content type with a JSON object body maps each top-level key to
// the string form of its value; other JSON values give an empty map.
// Anything else, including JSON that fails to parse, is decoded as
// application/x-www-form-urlencoded whatever the declared type, since hosts
// do not reliably set CONTENT_TYPE.
func DecodeBytes(contentType string, raw []byte) Fields {
	if strings.Contains(strings.ToLower(contentType), "application/json") && len(bytes.TrimSpace(raw)) > 0 {
		if f, ok := decodeJSON(raw); ok {
			return f
		}
	}
	return DecodeURLEncoded(string(raw))
}

func decodeJSON(raw []byte) (Fields, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Anything but whitespace after the value makes the whole body invalid.
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Fields{}, true
	}
	f := make(Fields, len(obj))
	for k, val := range obj {
		f[k] = jsonString(val)
	}
	return f, true
}

func jsonString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// DecodeURLEncoded parses form data keeping the first value of repeated keys
// and blank values ("a" and "a=" both give a: ""). Pairs with bad percent
// escapes are skipped.
func DecodeURLEncoded(s string) Fields {
	f := Fields{}
	s = strings.TrimRight(s, "\r\n")
	for s != "" {
		var pair string
		pair, s, _ = strings.Cut(s, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil || key == "" {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		if _, dup := f[key]; !dup {
			f[key] = val
		}
	}
	return f
}
