package scripts

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"cgibin/internal/apperr"
	"cgibin/internal/cgireq"
	"cgibin/internal/render"
)

const thumbMax = 256

// Thumb serves a JPEG preview of an uploaded image.
func (a *App) Thumb(ctx context.Context, req *cgireq.Request) *render.Response {
	failure := render.Failure{Title: "Preview Failed", BackURL: siblingURL(req, "download"), BackLabel: "Back to Files"}
	root, err := a.uploadRoot()
	if err != nil {
		return a.fail(err, failure)
	}
	filename := req.Query.Get("filename")
	if filename == "" {
		return a.fail(apperr.New(apperr.BadRequest, "No filename specified"), failure)
	}
	if !isImageExt(strings.ToLower(filepath.Ext(filename))) {
		return a.fail(apperr.New(apperr.NotFound, "Not an image: "+filename), failure)
	}
	target, err := a.existingUpload(root, filename, "Access denied")
	if err != nil {
		return a.fail(err, failure)
	}
	b, err := makeThumb(target, thumbMax)
	if err != nil {
		a.Log.Printf("thumb %s: %v", filename, err)
		return a.fail(apperr.Wrap(apperr.NotFound, "Not an image: "+filename, err), failure)
	}

	resp := &render.Response{Status: http.StatusOK, Body: b}
	resp.Add("Content-Type", "image/jpeg")
	resp.Add("Cache-Control", "public, max-age=3600")
	return resp
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	// Refuse decompression bombs before allocating the full bitmap.
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > 50_000_000 {
		return nil, errors.New("image dimensions out of range")
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if max <= 0 {
		max = thumbMax
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else if h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	nw, nh = maxInt(nw, 1), maxInt(nh, 1)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".csv":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return ""
	}
}
