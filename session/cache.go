package session

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facultyai/faculty-go/config"
)

// AccessToken is a short-lived bearer credential for authorizing requests.
// Distinct from the long-lived client id/secret pair used to obtain it.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExpiresWithin reports whether the token expires before now+margin.
// A zero token always reports true.
func (t AccessToken) ExpiresWithin(margin time.Duration) bool {
	return t.Token == "" || !time.Now().Add(margin).Before(t.ExpiresAt)
}

// TokenCache stores the current access token for a session. Get returns
// false if no token has ever been stored. Implementations must be safe for
// concurrent use; freshness is the Session's concern, not the cache's.
type TokenCache interface {
	Get() (AccessToken, bool)
	Put(AccessToken)
}

// MemoryCache is an in-memory single-slot token cache.
type MemoryCache struct {
	mu  sync.RWMutex
	tok AccessToken
	set bool
}

// NewMemoryCache returns an empty in-memory token cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Get returns the cached token, or false if none has been stored.
func (c *MemoryCache) Get() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tok, c.set
}

// Put replaces the cached token.
func (c *MemoryCache) Put(tok AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tok = tok
	c.set = true
}

// File permissions for the persisted token cache. Owner-only because the
// file contains live bearer tokens.
const (
	cacheFilePerms = 0o600
	cacheDirPerms  = 0o700
)

// fileCachePayload is the on-disk JSON format, keyed by profile
// fingerprint so multiple deployments can share one cache file.
type fileCachePayload struct {
	Tokens map[string]AccessToken `json:"tokens"`
}

// FileCache persists tokens to a JSON file so separate processes using the
// same profile reuse tokens instead of re-issuing them. Reads and writes
// are guarded by a mutex; writes are atomic (temp file + rename).
type FileCache struct {
	path   string
	key    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileCache creates a token cache persisted at path, scoped to the
// given profile. An empty path uses the default cache location
// ($XDG_CACHE_HOME/faculty/token-cache.json).
func NewFileCache(path string, profile config.Profile, logger *slog.Logger) *FileCache {
	if path == "" {
		path = defaultCachePath()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileCache{
		path:   path,
		key:    profileFingerprint(profile),
		logger: logger,
	}
}

// Get loads the token for this cache's profile from disk. A missing or
// unreadable cache file reports no token.
func (c *FileCache) Get() (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.load()
	if err != nil {
		c.logger.Warn("token cache unreadable, ignoring",
			slog.String("path", c.path),
			slog.String("error", err.Error()),
		)

		return AccessToken{}, false
	}

	tok, ok := payload.Tokens[c.key]

	return tok, ok
}

// Put stores the token for this cache's profile, preserving entries for
// other profiles. Persistence failures are logged, not fatal — the token
// remains usable for this process.
func (c *FileCache) Put(tok AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.load()
	if err != nil {
		payload = fileCachePayload{Tokens: map[string]AccessToken{}}
	}

	payload.Tokens[c.key] = tok

	if err := c.persist(payload); err != nil {
		c.logger.Warn("failed to persist token cache",
			slog.String("path", c.path),
			slog.String("error", err.Error()),
		)
	}
}

func (c *FileCache) load() (fileCachePayload, error) {
	payload := fileCachePayload{Tokens: map[string]AccessToken{}}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return payload, nil
	}

	if err != nil {
		return payload, err
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}

	if payload.Tokens == nil {
		payload.Tokens = map[string]AccessToken{}
	}

	return payload, nil
}

// persist writes atomically: temp file in the same directory, then rename.
func (c *FileCache) persist(payload fileCachePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, cacheDirPerms); err != nil {
		return fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if err := os.Chmod(tmpPath, cacheFilePerms); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("writing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("closing: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("renaming into place: %w", err)
	}

	return nil
}

// profileFingerprint derives a stable cache key from a profile. Fields are
// length-prefixed to avoid delimiter ambiguity between adjacent values.
func profileFingerprint(p config.Profile) string {
	h := sha256.New()
	for _, field := range []string{p.Protocol, p.Domain, p.ClientID} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

func defaultCachePath() string {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}

		cacheHome = filepath.Join(home, ".cache")
	}

	return filepath.Join(cacheHome, "faculty", "token-cache.json")
}
