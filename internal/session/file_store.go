package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// FileStore keeps one JSON record per session in a directory. Record names
// are a BLAKE2b-256 digest of the token, so client input never becomes a
// path and a directory listing does not reveal live tokens.
//
// Writes go to a temp file that is then hard-linked into place; the link
// fails if the name exists, which makes Put create-only and atomic.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

const recordPrefix = "sess_"

func (s *FileStore) path(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return filepath.Join(s.dir, recordPrefix+hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) Put(ctx context.Context, sess Session) error {
	if sess.Token == "" || sess.Username == "" {
		return fmt.Errorf("session: missing token or username")
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".sess-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, s.path(sess.Token)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return err
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, token string) (*Session, error) {
	b, err := os.ReadFile(s.path(token))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(bytes.TrimSpace(b), &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt record: %w", err)
	}
	// A record only answers for the token it was written for.
	if sess.Token != token {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *FileStore) Delete(ctx context.Context, token string) error {
	err := os.Remove(s.path(token))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes records created before olderThan, and unreadable ones.
func (s *FileStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range ents {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		p := filepath.Join(s.dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var sess Session
		if json.Unmarshal(b, &sess) == nil && !sess.CreatedAt.Before(olderThan) {
			continue
		}
		if os.Remove(p) == nil {
			removed++
		}
	}
	return removed, nil
}
