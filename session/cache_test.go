package session

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facultyai/faculty-go/config"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()

	_, ok := c.Get()
	assert.False(t, ok)

	tok := AccessToken{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}
	c.Put(tok)

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, tok.Token, got.Token)
}

func TestFileCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-cache.json")
	profile := config.Profile{Domain: "example.com", Protocol: "https", ClientID: "id"}

	c := NewFileCache(path, profile, nil)

	_, ok := c.Get()
	assert.False(t, ok)

	tok := AccessToken{Token: "persisted", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	c.Put(tok)

	// A fresh cache over the same file and profile sees the token, as a
	// new process would.
	fresh := NewFileCache(path, profile, nil)

	got, ok := fresh.Get()
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Token)
}

func TestFileCacheKeyedByProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-cache.json")

	first := config.Profile{Domain: "one.example.com", ClientID: "id"}
	second := config.Profile{Domain: "two.example.com", ClientID: "id"}

	NewFileCache(path, first, nil).Put(AccessToken{
		Token:     "first-token",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	_, ok := NewFileCache(path, second, nil).Get()
	assert.False(t, ok, "tokens must not leak between profiles")

	got, ok := NewFileCache(path, first, nil).Get()
	require.True(t, ok)
	assert.Equal(t, "first-token", got.Token)
}

func TestFileCacheCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token-cache.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	profile := config.Profile{Domain: "example.com", ClientID: "id"}

	c := NewFileCache(path, profile, nil)

	_, ok := c.Get()
	assert.False(t, ok)

	// A corrupt cache is replaced on the next write.
	c.Put(AccessToken{Token: "replacement", ExpiresAt: time.Now().Add(time.Hour)})

	got, ok := NewFileCache(path, profile, nil).Get()
	require.True(t, ok)
	assert.Equal(t, "replacement", got.Token)
}

func TestFileCachePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "token-cache.json")
	profile := config.Profile{Domain: "example.com", ClientID: "id"}

	NewFileCache(path, profile, nil).Put(AccessToken{
		Token:     "secret",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
