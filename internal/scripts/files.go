package scripts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cgibin/internal/apperr"
	"cgibin/internal/body"
	"cgibin/internal/cgireq"
	"cgibin/internal/fsutil"
	"cgibin/internal/render"
)

var (
	uploadFailure   = render.Failure{Title: "Upload Failed", BackURL: "/pages/upload_demo.html", BackLabel: "Try Again"}
	deleteFailure   = render.Failure{Title: "Delete Failed", BackURL: "/", BackLabel: "Back to Home"}
	downloadFailure = render.Failure{Title: "Download Failed", BackURL: "/", BackLabel: "Back to Home"}
)

// Upload stores the submitted "file" part in the upload directory under its
// sanitized declared name.
func (a *App) Upload(ctx context.Context, req *cgireq.Request) *render.Response {
	if req.Method != http.MethodPost {
		return a.fail(apperr.New(apperr.MethodNotAllowed, "This script only accepts POST requests, got: "+req.Method), uploadFailure)
	}
	root, err := a.uploadRoot()
	if err != nil {
		return a.fail(err, uploadFailure)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return a.fail(apperr.Wrap(apperr.Internal, "An error occurred while processing your upload.", err), uploadFailure)
	}

	d := body.Decoder{
		MaxFileSize: a.Config.MaxUploadSize,
		MaxFormSize: a.Config.MaxFormSize,
		FileField:   "file",
		SpoolDir:    root,
	}
	res, err := d.Decode(req.ContentType, req.Body())
	if errors.Is(err, body.ErrFormTooLarge) {
		return a.fail(apperr.Wrap(apperr.BadRequest, "Submitted form is too large", err), uploadFailure)
	}
	if errors.Is(err, body.ErrTooLarge) {
		a.Log.Printf("upload rejected: body over %d bytes", a.Config.MaxUploadSize)
		return a.fail(apperr.Wrap(apperr.BadRequest, "File too large (limit "+sizeLabel(a.Config.MaxUploadSize)+")", err), uploadFailure)
	}
	if err != nil {
		return a.fail(apperr.Wrap(apperr.Internal, "An error occurred while processing your upload.", err), uploadFailure)
	}
	defer res.File.Discard()

	if res.File == nil {
		return a.fail(apperr.New(apperr.BadRequest, "No file received"), uploadFailure)
	}
	name, err := fsutil.SanitizeName(res.File.DeclaredName)
	if err != nil {
		return a.fail(apperr.Wrap(apperr.BadRequest, "Invalid file name", err), uploadFailure)
	}
	dst, err := fsutil.Resolve(root, name)
	switch {
	case errors.Is(err, fsutil.ErrOutsideBase):
		a.Log.Printf("upload rejected: %q escapes upload directory", res.File.DeclaredName)
		return a.fail(apperr.Wrap(apperr.Forbidden, "Access denied: invalid destination", err), uploadFailure)
	case err != nil:
		return a.fail(apperr.Wrap(apperr.Internal, "An error occurred while processing your upload.", err), uploadFailure)
	}
	if st, err := os.Stat(dst); err == nil && !st.Mode().IsRegular() {
		return a.fail(apperr.New(apperr.BadRequest, "Invalid file name"), uploadFailure)
	}

	if err := res.File.CommitTo(dst); err != nil {
		return a.fail(apperr.Wrap(apperr.Internal, "An error occurred while processing your upload.", err), uploadFailure)
	}
	a.Log.Printf("uploaded %s (%d bytes)", name, res.File.Size)
	return a.page(http.StatusOK, "upload_ok", render.Data{"Name": name, "Size": res.File.Size})
}

// Delete removes ?filename= from the upload directory. Only DELETE is accepted.
func (a *App) Delete(ctx context.Context, req *cgireq.Request) *render.Response {
	if req.Method != http.MethodDelete {
		return a.fail(apperr.New(apperr.MethodNotAllowed, "This script only accepts DELETE requests, got: "+req.Method), deleteFailure)
	}
	if len(req.Query) == 0 {
		return a.fail(apperr.New(apperr.BadRequest, "No query parameters provided"), deleteFailure)
	}
	filename := req.Query.Get("filename")
	if filename == "" {
		return a.fail(apperr.New(apperr.BadRequest, "No filename specified for deletion"), deleteFailure)
	}
	root, err := a.uploadRoot()
	if err != nil {
		return a.fail(err, deleteFailure)
	}

	target, err := a.existingUpload(root, filename, "Access denied: Cannot delete files outside the upload directory")
	if err != nil {
		return a.fail(err, deleteFailure)
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a.fail(apperr.Wrap(apperr.NotFound, "File not found: "+filename, err), deleteFailure)
		}
		return a.fail(apperr.Wrap(apperr.Internal, "Error deleting file", err), deleteFailure)
	}
	a.Log.Printf("deleted %s", filename)
	return a.page(http.StatusOK, "delete_ok", render.Data{"Name": filename})
}

// Download lists the upload directory, or streams ?filename= as an attachment.
func (a *App) Download(ctx context.Context, req *cgireq.Request) *render.Response {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return a.fail(apperr.New(apperr.MethodNotAllowed, "This script only accepts GET requests, got: "+req.Method), downloadFailure)
	}
	root, err := a.uploadRoot()
	if err != nil {
		return a.fail(err, downloadFailure)
	}
	filename := req.Query.Get("filename")
	if filename == "" {
		return a.listing(req, root)
	}

	target, err := a.existingUpload(root, filename, "Access denied: Cannot download files outside the upload directory")
	if err != nil {
		return a.fail(err, downloadFailure)
	}
	f, err := os.Open(target)
	if err != nil {
		return a.fail(apperr.Wrap(apperr.NotFound, "File not found: "+filename, err), downloadFailure)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return a.fail(apperr.Wrap(apperr.Internal, "", err), downloadFailure)
	}

	var stream io.Reader = f
	if req.Method == http.MethodHead {
		f.Close()
		stream = http.NoBody
	}

	ct := contentTypeForName(filename)
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp := &render.Response{Status: http.StatusOK, Stream: stream, StreamLength: st.Size()}
	resp.Add("Content-Type", ct)
	resp.Add("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	resp.Add("X-Content-Type-Options", "nosniff")
	return resp
}

type listItem struct {
	Name  string
	URL   string
	Size  int64
	Thumb string
}

func (a *App) listing(req *cgireq.Request, root string) *render.Response {
	ents, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return a.fail(apperr.Wrap(apperr.Internal, "", err), downloadFailure)
	}
	self := siblingURL(req, "download")
	thumb := siblingURL(req, "thumb")

	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		// Dot files include in-flight upload spools.
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		q := "?filename=" + url.QueryEscape(e.Name())
		it := listItem{Name: e.Name(), URL: self + q, Size: info.Size()}
		if isImageExt(strings.ToLower(filepath.Ext(e.Name()))) {
			it.Thumb = thumb + q
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name) })
	return a.page(http.StatusOK, "download_list", render.Data{"Files": items})
}

// existingUpload maps the path guard's verdicts onto client-facing errors.
func (a *App) existingUpload(root, filename, denied string) (string, error) {
	target, err := fsutil.ResolveExisting(root, filename)
	switch {
	case err == nil:
		return target, nil
	case errors.Is(err, fsutil.ErrOutsideBase):
		a.Log.Printf("rejected %q: outside upload directory", filename)
		return "", apperr.Wrap(apperr.Forbidden, denied, err)
	case errors.Is(err, fsutil.ErrNotFound), errors.Is(err, fsutil.ErrNotAFile):
		return "", apperr.Wrap(apperr.NotFound, "File not found: "+filename, err)
	default:
		return "", apperr.Wrap(apperr.Internal, "", err)
	}
}

func sizeLabel(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%d MB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}
