package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxUploadSize = 10 << 20 // 10 MiB
	DefaultMaxFormSize   = 1 << 20
	DefaultSessionTTL    = 3600
	DefaultLoginPage     = "/pages/login.html"
)

// Config is intentionally small and JSON-friendly.
// Every field may also be set from the CGI environment, which wins over the file.
type Config struct {
	// UploadDir is the base directory for upload, download and delete.
	// Empty (or a quoted empty string) is a server misconfiguration.
	UploadDir string `json:"uploadDir"`

	// SessionDir holds one record per session for the file backend.
	// Default: <os temp dir>/cgibin-sessions
	SessionDir string `json:"sessionDir,omitempty"`

	// SessionBackend selects the session store: "file" (default), "memory" or "redis".
	// The memory backend only makes sense when handlers share a process (tests, dev host in-process).
	SessionBackend string `json:"sessionBackend,omitempty"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`

	// SessionTTL in seconds; also the cookie Max-Age.
	SessionTTL int `json:"sessionTTL,omitempty"`

	MaxUploadSize int64 `json:"maxUploadSize,omitempty"`
	MaxFormSize   int64 `json:"maxFormSize,omitempty"`

	// LoginPage is where a login POST without username is redirected.
	LoginPage string `json:"loginPage,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

// Load builds a Config from an optional JSON file named by CGIBIN_CONFIG and
// the given environment (KEY=VALUE pairs, as in os.Environ).
func Load(env []string) (Config, error) {
	vars := envMap(env)

	var cfg Config
	if p := strings.TrimSpace(vars["CGIBIN_CONFIG"]); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v, ok := vars["UPLOAD_DIR"]; ok {
		cfg.UploadDir = v
	}
	if v := vars["SESSION_DIR"]; v != "" {
		cfg.SessionDir = v
	}
	if v := vars["SESSION_BACKEND"]; v != "" {
		cfg.SessionBackend = v
	}
	if v := vars["REDIS_ADDR"]; v != "" {
		cfg.RedisAddr = v
	}
	if v := vars["REDIS_PASSWORD"]; v != "" {
		cfg.RedisPassword = v
	}
	if v := vars["LOGIN_PAGE"]; v != "" {
		cfg.LoginPage = v
	}
	if v := vars["SESSION_TTL"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SESSION_TTL %q", v)
		}
		cfg.SessionTTL = n
	}
	if v := vars["MAX_UPLOAD_SIZE"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid MAX_UPLOAD_SIZE %q", v)
		}
		cfg.MaxUploadSize = n
	}
	if vars["DEBUG"] == "1" {
		cfg.Debug = true
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SessionDir == "" {
		c.SessionDir = filepath.Join(os.TempDir(), "cgibin-sessions")
	}
	if c.SessionBackend == "" {
		c.SessionBackend = "file"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.MaxFormSize <= 0 {
		c.MaxFormSize = DefaultMaxFormSize
	}
	if c.LoginPage == "" {
		c.LoginPage = DefaultLoginPage
	}
}

// UploadRoot returns the configured upload directory, or ok=false when it is
// unset, blank, or a quoted empty string ("" or '').
func (c Config) UploadRoot() (string, bool) {
	d := strings.TrimSpace(c.UploadDir)
	switch d {
	case "", `""`, `''`:
		return "", false
	}
	return d, true
}

func (c Config) TTL() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, dup := m[k]; dup {
			continue
		}
		m[k] = v
	}
	return m
}
