package scripts

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"cgibin/internal/cgireq"
	"cgibin/internal/config"
	"cgibin/internal/render"
	"cgibin/internal/session"
)

type fixture struct {
	app  *App
	root string
	logs *bytes.Buffer
}

func newFixture(t *testing.T, env ...string) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "uploads")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(append([]string{"UPLOAD_DIR=" + root}, env...))
	if err != nil {
		t.Fatal(err)
	}
	logs := &bytes.Buffer{}
	app := New(Options{
		Config:    cfg,
		Log:       log.New(logs, "", 0),
		RequestID: "req-42",
		Sessions:  session.NewManager(session.NewMemStore(), cfg.TTL()),
	})
	return &fixture{app: app, root: root, logs: logs}
}

func (f *fixture) run(t *testing.T, script string, req *cgireq.Request) (*render.Response, string) {
	t.Helper()
	resp := f.app.Run(context.Background(), script, req)
	var out bytes.Buffer
	if resp.Stream != nil {
		b, err := io.ReadAll(resp.Stream)
		if err != nil {
			t.Fatal(err)
		}
		if c, ok := resp.Stream.(io.Closer); ok {
			c.Close()
		}
		out.Write(b)
	} else {
		out.Write(resp.Body)
	}
	return resp, out.String()
}

func cgiRequest(method, script, query, contentType string, body []byte, extra ...string) *cgireq.Request {
	env := []string{
		"REQUEST_METHOD=" + method,
		"SCRIPT_NAME=/cgi-bin/" + script + ".py",
		"QUERY_STRING=" + query,
		"SERVER_NAME=localhost",
		"SERVER_PORT=8080",
		"GATEWAY_INTERFACE=CGI/1.1",
	}
	if body != nil {
		env = append(env, "CONTENT_TYPE="+contentType, "CONTENT_LENGTH="+strconv.Itoa(len(body)))
	}
	env = append(env, extra...)
	return cgireq.FromEnv(env, bytes.NewReader(body))
}

func multipartFile(t *testing.T, field, filename string, content []byte) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "hello"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	return mw.FormDataContentType(), buf.Bytes()
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func TestScriptName(t *testing.T) {
	cases := map[string]string{
		"/cgi-bin/upload.py":        "upload",
		"delete_file.cgi":           "delete_file",
		"login":                     "login",
		"C:\\www\\cgi-bin\\Post.py": "post",
		"/usr/local/bin/cgibin":     "cgibin",
	}
	for in, want := range cases {
		if got := ScriptName(in); got != want {
			t.Errorf("ScriptName(%q) = %q, want %q", in, got, want)
		}
	}
	for _, n := range []string{"upload", "delete_file", "download", "login", "post", "signin", "index", "thumb"} {
		if _, ok := Lookup(n); !ok {
			t.Errorf("script %q not registered", n)
		}
	}
}

func TestUploadDownloadDeleteRoundTrip(t *testing.T) {
	f := newFixture(t)
	content := []byte("round trip\x00payload")
	ct, body := multipartFile(t, "file", "my report.txt", content)

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusOK {
		t.Fatalf("upload status %d: %s", resp.Status, page)
	}
	if !strings.Contains(page, "my_report.txt") {
		t.Fatalf("upload page lacks stored name:\n%s", page)
	}
	got, err := os.ReadFile(filepath.Join(f.root, "my_report.txt"))
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("stored %q, %v", got, err)
	}
	if names := dirNames(t, f.root); len(names) != 1 {
		t.Fatalf("upload dir has leftovers: %v", names)
	}

	resp, data := f.run(t, "download", cgiRequest("GET", "download", "filename=my_report.txt", "", nil))
	if resp.Status != http.StatusOK || data != string(content) {
		t.Fatalf("download %d %q", resp.Status, data)
	}
	if cd := resp.Get("Content-Disposition"); cd != `attachment; filename=my_report.txt` {
		t.Fatalf("Content-Disposition %q", cd)
	}
	if resp.StreamLength != int64(len(content)) {
		t.Fatalf("StreamLength %d", resp.StreamLength)
	}

	resp, page = f.run(t, "delete_file", cgiRequest("DELETE", "delete_file", "filename=my_report.txt", "", nil))
	if resp.Status != http.StatusOK || !strings.Contains(page, "my_report.txt") {
		t.Fatalf("delete %d: %s", resp.Status, page)
	}
	if _, err := os.Stat(filepath.Join(f.root, "my_report.txt")); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}

	resp, page = f.run(t, "delete_file", cgiRequest("DELETE", "delete_file", "filename=my_report.txt", "", nil))
	if resp.Status != http.StatusNotFound || !strings.Contains(page, "File not found: my_report.txt") {
		t.Fatalf("second delete %d: %s", resp.Status, page)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, "MAX_UPLOAD_SIZE=1024")
	ct, body := multipartFile(t, "file", "big.bin", bytes.Repeat([]byte("x"), 2048))

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusBadRequest || !strings.Contains(page, "File too large") {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
	if names := dirNames(t, f.root); len(names) != 0 {
		t.Fatalf("oversized upload left files: %v", names)
	}
}

func TestUploadExactlyAtLimit(t *testing.T) {
	f := newFixture(t, "MAX_UPLOAD_SIZE=1024")
	ct, body := multipartFile(t, "file", "edge.bin", bytes.Repeat([]byte("y"), 1024))

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	f := newFixture(t)
	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", "application/x-www-form-urlencoded", []byte("a=b")))
	if resp.Status != http.StatusBadRequest || !strings.Contains(page, "No file received") {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartFile(t, "attachment", "x.txt", []byte("hi"))

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusBadRequest || !strings.Contains(page, "No file received") {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
	if names := dirNames(t, f.root); len(names) != 0 {
		t.Fatalf("upload dir not empty: %v", names)
	}
}

func TestUploadFormTooLarge(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", strings.Repeat("n", 2<<20))
	mw.Close()

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", mw.FormDataContentType(), buf.Bytes()))
	if resp.Status != http.StatusBadRequest || !strings.Contains(page, "Submitted form is too large") {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
	if strings.Contains(page, "File too large") {
		t.Fatalf("form overflow reported as file overflow: %s", page)
	}
}

func TestUploadMisconfigured(t *testing.T) {
	for _, dir := range []string{"", `""`, `''`, "   "} {
		f := newFixture(t)
		f.app.Config.UploadDir = dir
		ct, body := multipartFile(t, "file", "a.txt", []byte("a"))
		resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
		if resp.Status != http.StatusInternalServerError {
			t.Fatalf("UploadDir %q: status %d", dir, resp.Status)
		}
		if !strings.Contains(page, "req-42") || !strings.Contains(page, "Upload directory not properly configured") {
			t.Fatalf("UploadDir %q: page %s", dir, page)
		}
	}
}

func TestUploadStripsDirectories(t *testing.T) {
	f := newFixture(t)
	ct, body := multipartFile(t, "file", "../../escape.txt", []byte("nope"))

	resp, page := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
	if _, err := os.Stat(filepath.Join(f.root, "escape.txt")); err != nil {
		t.Fatalf("not stored inside upload dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(f.root), "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("file written outside upload dir")
	}
}

func TestUploadThroughSymlinkDenied(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "target.txt")
	if err := os.Symlink(outside, filepath.Join(f.root, "link.txt")); err != nil {
		t.Skip("symlinks unsupported:", err)
	}
	ct, body := multipartFile(t, "file", "link.txt", []byte("payload"))

	resp, _ := f.run(t, "upload", cgiRequest("POST", "upload", "", ct, body))
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status %d", resp.Status)
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatal("symlink target was written")
	}
}

func TestDeleteRejectsEscapes(t *testing.T) {
	f := newFixture(t)
	secret := filepath.Join(filepath.Dir(f.root), "secret.txt")
	if err := os.WriteFile(secret, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(f.root, "innocent.txt")); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{
		"filename=../secret.txt",
		"filename=..%2Fsecret.txt",
		"filename=" + strings.ReplaceAll(secret, "/", "%2F"),
		"filename=innocent.txt",
		"filename=..",
	} {
		resp, page := f.run(t, "delete_file", cgiRequest("DELETE", "delete_file", q, "", nil))
		if resp.Status != http.StatusForbidden {
			t.Errorf("%s: status %d: %s", q, resp.Status, page)
		}
	}
	if b, err := os.ReadFile(secret); err != nil || string(b) != "keep" {
		t.Fatalf("secret touched: %q %v", b, err)
	}
	if _, err := os.Lstat(filepath.Join(f.root, "innocent.txt")); err != nil {
		t.Fatalf("symlink removed: %v", err)
	}
}

func TestDeleteRequestChecks(t *testing.T) {
	f := newFixture(t)
	if err := os.Mkdir(filepath.Join(f.root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		method, query string
		status        int
		text          string
	}{
		{"GET", "filename=a.txt", 405, "got: GET"},
		{"POST", "filename=a.txt", 405, "got: POST"},
		{"DELETE", "", 400, "No query parameters provided"},
		{"DELETE", "other=1", 400, "No filename specified"},
		{"DELETE", "filename=", 400, "No filename specified"},
		{"DELETE", "filename=missing.txt", 404, "File not found: missing.txt"},
		{"DELETE", "filename=sub", 404, "File not found: sub"},
	}
	for _, c := range cases {
		resp, page := f.run(t, "delete_file", cgiRequest(c.method, "delete_file", c.query, "", nil))
		if resp.Status != c.status || !strings.Contains(page, c.text) {
			t.Errorf("%s ?%s: %d, want %d with %q\n%s", c.method, c.query, resp.Status, c.status, c.text, page)
		}
	}
	if _, err := os.Stat(filepath.Join(f.root, "sub")); err != nil {
		t.Fatal("directory removed")
	}
}

func TestDeleteMisconfigured(t *testing.T) {
	f := newFixture(t)
	f.app.Config.UploadDir = `""`
	resp, _ := f.run(t, "delete_file", cgiRequest("DELETE", "delete_file", "filename=a.txt", "", nil))
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.Status)
	}
}

func TestDownloadListing(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{"b.txt": "bb", "A pic.png": "x", ".upload-123.part": "spool"} {
		if err := os.WriteFile(filepath.Join(f.root, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.Mkdir(filepath.Join(f.root, "dir"), 0o755)

	resp, page := f.run(t, "download", cgiRequest("GET", "download", "", "", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d", resp.Status)
	}
	for _, want := range []string{
		`href="/cgi-bin/download.py?filename=b.txt"`,
		`href="/cgi-bin/download.py?filename=A`,
		`src="/cgi-bin/thumb.py?filename=A`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("listing lacks %s\n%s", want, page)
		}
	}
	if strings.Contains(page, ".upload-") || strings.Contains(page, ">dir<") {
		t.Fatalf("listing shows spool or directory:\n%s", page)
	}
	if strings.Index(page, "A pic.png") > strings.Index(page, "b.txt") {
		t.Fatal("listing not sorted")
	}
}

func TestDownloadHeadHasNoBody(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := f.app.Run(context.Background(), "download", cgiRequest("HEAD", "download", "filename=notes.txt", "", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d", resp.Status)
	}
	var out bytes.Buffer
	if err := resp.WriteCGI(&out); err != nil {
		t.Fatal(err)
	}
	head, rest, ok := strings.Cut(out.String(), "\r\n\r\n")
	if !ok || rest != "" {
		t.Fatalf("HEAD wrote a body: %q", out.String())
	}
	if !strings.Contains(head, "Content-Length: 10\r\n") {
		t.Fatalf("headers:\n%s", head)
	}
}

func TestDownloadDenied(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.run(t, "download", cgiRequest("GET", "download", "filename=..%2F..%2Fetc%2Fpasswd", "", nil))
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status %d", resp.Status)
	}
	resp, _ = f.run(t, "download", cgiRequest("GET", "download", "filename=nope", "", nil))
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status %d", resp.Status)
	}
}

var setCookieRe = regexp.MustCompile(`^session_id=([0-9a-f]{64}); Path=/; Max-Age=3600$`)

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	resp, page := f.run(t, "login", cgiRequest("POST", "login", "", "application/x-www-form-urlencoded", []byte("username=carol")))
	if resp.Status != http.StatusOK || !strings.Contains(page, "Hello, carol!") {
		t.Fatalf("login %d:\n%s", resp.Status, page)
	}
	m := setCookieRe.FindStringSubmatch(resp.Get("Set-Cookie"))
	if m == nil {
		t.Fatalf("Set-Cookie %q", resp.Get("Set-Cookie"))
	}
	token := m[1]
	if !strings.Contains(page, "1 hour") {
		t.Fatalf("expiry not shown:\n%s", page)
	}

	cookie := "HTTP_COOKIE=theme=dark; session_id=" + token
	resp, page = f.run(t, "login", cgiRequest("GET", "login", "", "", nil, cookie))
	if resp.Status != http.StatusOK || !strings.Contains(page, "currently logged in") || resp.Get("Set-Cookie") != "" {
		t.Fatalf("returning %d %q:\n%s", resp.Status, resp.Get("Set-Cookie"), page)
	}

	resp, _ = f.run(t, "login", cgiRequest("GET", "login", "logout=1", "", nil, cookie))
	if resp.Status != http.StatusOK || !strings.Contains(resp.Get("Set-Cookie"), "Max-Age=0") {
		t.Fatalf("logout %d %q", resp.Status, resp.Get("Set-Cookie"))
	}
	if _, err := f.app.Sessions.Lookup(context.Background(), token); err == nil {
		t.Fatal("session survived logout")
	}

	resp, page = f.run(t, "login", cgiRequest("GET", "login", "", "", nil, cookie))
	if resp.Status != http.StatusOK || !strings.Contains(page, "Session Error") {
		t.Fatalf("stale cookie %d:\n%s", resp.Status, page)
	}
	if resp.Get("Set-Cookie") != session.ClearCookie() {
		t.Fatalf("stale cookie not cleared: %q", resp.Get("Set-Cookie"))
	}
}

func TestLoginWithForgedCookie(t *testing.T) {
	f := newFixture(t)
	for _, tok := range []string{"../../etc/passwd", strings.Repeat("0", 64), "x"} {
		resp, page := f.run(t, "login", cgiRequest("GET", "login", "", "", nil, "HTTP_COOKIE=session_id="+tok))
		if !strings.Contains(page, "Session Error") || resp.Get("Set-Cookie") != session.ClearCookie() {
			t.Errorf("token %q: %d\n%s", tok, resp.Status, page)
		}
	}
}

func TestLoginSessionExpires(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.app.Sessions.Now = func() time.Time { return now }
	resp, _ := f.run(t, "login", cgiRequest("POST", "login", "", "application/x-www-form-urlencoded", []byte("username=dave")))
	token := setCookieRe.FindStringSubmatch(resp.Get("Set-Cookie"))[1]

	now = now.Add(2 * time.Hour)
	_, page := f.run(t, "login", cgiRequest("GET", "login", "", "", nil, "HTTP_COOKIE=session_id="+token))
	if !strings.Contains(page, "Session Error") {
		t.Fatalf("expired session accepted:\n%s", page)
	}
}

func TestLoginRedirects(t *testing.T) {
	f := newFixture(t)
	for _, req := range []*cgireq.Request{
		cgiRequest("GET", "login", "", "", nil),
		cgiRequest("GET", "login", "logout=1", "", nil),
		cgiRequest("POST", "login", "", "application/x-www-form-urlencoded", []byte("username=")),
	} {
		resp, _ := f.run(t, "login", req)
		if resp.Status != http.StatusFound || resp.Get("Location") != "/pages/login.html" || resp.Get("Set-Cookie") != "" {
			t.Errorf("got %d Location=%q", resp.Status, resp.Get("Location"))
		}
	}
}

func TestLoginJSONBody(t *testing.T) {
	f := newFixture(t)
	resp, page := f.run(t, "login", cgiRequest("POST", "login", "", "application/json", []byte(`{"username":"erin","n":1}`)))
	if resp.Status != http.StatusOK || !strings.Contains(page, "Hello, erin!") {
		t.Fatalf("%d:\n%s", resp.Status, page)
	}
}

func TestUserInputIsEscaped(t *testing.T) {
	f := newFixture(t)
	payload := "username=%3Cscript%3Ealert(1)%3C%2Fscript%3E&email=a%40b.c"
	for _, script := range []string{"login", "post", "signin"} {
		_, page := f.run(t, script, cgiRequest("POST", script, "", "application/x-www-form-urlencoded", []byte(payload)))
		if strings.Contains(page, "<script>alert(1)") {
			t.Errorf("%s echoes raw markup:\n%s", script, page)
		}
		if !strings.Contains(page, "&lt;script&gt;alert(1)") {
			t.Errorf("%s lost the username:\n%s", script, page)
		}
	}
}

func TestEcho(t *testing.T) {
	f := newFixture(t)
	_, page := f.run(t, "post", cgiRequest("POST", "post", "email=q%40x.org", "application/x-www-form-urlencoded", []byte("username=ann&username=bob")))
	if !strings.Contains(page, "ann") || strings.Contains(page, "bob") || !strings.Contains(page, "q@x.org") {
		t.Fatalf("echo:\n%s", page)
	}
	_, page = f.run(t, "post", cgiRequest("GET", "post", "username=gus", "", nil))
	if !strings.Contains(page, "gus") {
		t.Fatalf("echo from query:\n%s", page)
	}
}

func TestSignInForm(t *testing.T) {
	f := newFixture(t)
	_, page := f.run(t, "signin", cgiRequest("GET", "signin", "", "", nil))
	if !strings.Contains(page, `action="/cgi-bin/signin.py"`) {
		t.Fatalf("form:\n%s", page)
	}
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	_, page := f.run(t, "index", cgiRequest("GET", "index", "", "", nil))
	if !strings.Contains(page, "Server Name: localhost") || !strings.Contains(page, "Server Port: 8080") {
		t.Fatalf("info:\n%s", page)
	}
	_, page = f.run(t, "index", cgireq.FromEnv(nil, nil))
	if !strings.Contains(page, "Server Name: unknown") {
		t.Fatalf("info without env:\n%s", page)
	}
}

func TestThumb(t *testing.T) {
	f := newFixture(t)
	img := image.NewRGBA(image.Rect(0, 0, 600, 300))
	for x := 0; x < 600; x++ {
		img.Set(x, x%300, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(f.root, "pic.png"), buf.Bytes(), 0o644)
	os.WriteFile(filepath.Join(f.root, "fake.png"), []byte("not an image"), 0o644)

	resp, data := f.run(t, "thumb", cgiRequest("GET", "thumb", "filename=pic.png", "", nil))
	if resp.Status != http.StatusOK || resp.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("thumb %d %q", resp.Status, resp.Get("Content-Type"))
	}
	cfg, err := jpeg.DecodeConfig(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 256 || cfg.Height != 128 {
		t.Fatalf("thumb %dx%d", cfg.Width, cfg.Height)
	}

	for _, q := range []string{"filename=fake.png", "filename=notes.txt", "filename=missing.png"} {
		resp, _ := f.run(t, "thumb", cgiRequest("GET", "thumb", q, "", nil))
		if resp.Status != http.StatusNotFound {
			t.Errorf("%s: status %d", q, resp.Status)
		}
	}
}

func TestRunUnknownScript(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.run(t, "nope", cgiRequest("GET", "nope", "", "", nil))
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status %d", resp.Status)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	registry["boom"] = func(*App, context.Context, *cgireq.Request) *render.Response { panic("kaboom /secret/path") }
	defer delete(registry, "boom")

	f := newFixture(t)
	resp, page := f.run(t, "boom", cgiRequest("GET", "boom", "", "", nil))
	if resp.Status != http.StatusInternalServerError || strings.Contains(page, "/secret/path") || !strings.Contains(page, "req-42") {
		t.Fatalf("%d:\n%s", resp.Status, page)
	}
	if !strings.Contains(f.logs.String(), "kaboom") {
		t.Fatal("panic not logged")
	}
}

func TestSessionBackendFromConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sess")
	cfg, err := config.Load([]string{"UPLOAD_DIR=" + t.TempDir(), "SESSION_DIR=" + dir})
	if err != nil {
		t.Fatal(err)
	}
	app := New(Options{Config: cfg, Log: log.New(io.Discard, "", 0)})
	defer app.Close()

	resp := app.Run(context.Background(), "login", cgiRequest("POST", "login", "", "application/x-www-form-urlencoded", []byte("username=zed")))
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d", resp.Status)
	}
	if names := dirNames(t, dir); len(names) != 1 || !strings.HasPrefix(names[0], "sess_") {
		t.Fatalf("session dir %v", names)
	}

	app = New(Options{Config: cfg, Log: log.New(io.Discard, "", 0)})
	app.Config.SessionBackend = "carrier-pigeon"
	resp = app.Run(context.Background(), "login", cgiRequest("POST", "login", "", "application/x-www-form-urlencoded", []byte("username=zed")))
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("unknown backend: status %d", resp.Status)
	}
}

func TestUploadRequiresPost(t *testing.T) {
	f := newFixture(t)
	resp, page := f.run(t, "upload", cgiRequest("GET", "upload", "", "", nil))
	if resp.Status != http.StatusMethodNotAllowed || !strings.Contains(page, "got: GET") {
		t.Fatalf("status %d: %s", resp.Status, page)
	}
}

type brokenStore struct{ *session.MemStore }

func (brokenStore) Get(context.Context, string) (*session.Session, error) {
	return nil, errors.New("connection refused")
}

func TestLoginStoreFailureKeepsCookie(t *testing.T) {
	f := newFixture(t)
	f.app.Sessions = session.NewManager(brokenStore{session.NewMemStore()}, time.Hour)
	tok := strings.Repeat("ab", 32)

	resp, page := f.run(t, "login", cgiRequest("GET", "login", "", "", nil, "HTTP_COOKIE=session_id="+tok))
	if resp.Status != http.StatusInternalServerError || resp.Get("Set-Cookie") != "" {
		t.Fatalf("status %d cookie %q", resp.Status, resp.Get("Set-Cookie"))
	}
	if strings.Contains(page, "connection refused") || !strings.Contains(page, "req-42") {
		t.Fatalf("page:\n%s", page)
	}
}
