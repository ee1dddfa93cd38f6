// Package session manages access-token lifecycle for the Faculty platform:
// token issuance from client credentials, caching, proactive refresh ahead
// of expiry, and forced refresh after server-side rejection. A Session is
// safe for concurrent use by any number of in-flight requests.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/facultyai/faculty-go/config"
)

// ErrAuthentication is returned when the token-issuance endpoint rejects
// the client credentials. Terminal: retrying with the same credentials
// will not succeed. Check with errors.Is.
var ErrAuthentication = errors.New("session: authentication failed")

// authService is the platform's token-issuance service.
const authService = "hudson"

// defaultMargin is how long before expiry a cached token is considered
// stale. Refreshing ahead of the deadline avoids issuing requests with a
// token that expires in flight.
const defaultMargin = 60 * time.Second

// issueTimeout bounds a single token-issuance round trip when the caller's
// context has no deadline of its own.
const issueTimeout = 30 * time.Second

// Session owns the resolved profile and the current access token for one
// Faculty deployment. Construct once and share; refresh is atomic with
// respect to concurrent readers.
type Session struct {
	profile    config.Profile
	cache      TokenCache
	httpClient *http.Client
	logger     *slog.Logger
	margin     time.Duration

	// refreshMu serializes token issuance so a burst of callers hitting
	// an expired token produces one network round trip, not a herd.
	refreshMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithTokenCache replaces the default in-memory token cache, e.g. with a
// FileCache for cross-process reuse.
func WithTokenCache(cache TokenCache) Option {
	return func(s *Session) { s.cache = cache }
}

// WithHTTPClient sets the HTTP client used for token issuance.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithExpiryMargin overrides the freshness margin applied to cached tokens.
func WithExpiryMargin(margin time.Duration) Option {
	return func(s *Session) { s.margin = margin }
}

// New creates a Session for the given resolved profile.
func New(profile config.Profile, opts ...Option) *Session {
	s := &Session{
		profile:    profile,
		cache:      NewMemoryCache(),
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		margin:     defaultMargin,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Profile returns the resolved profile this session was built from.
func (s *Session) Profile() config.Profile {
	return s.profile
}

// ServiceURL builds the URL of a platform service endpoint. Services are
// addressed as subdomains of the deployment domain.
func (s *Session) ServiceURL(service, endpoint string) string {
	u := url.URL{
		Scheme: s.profile.Protocol,
		Host:   service + "." + s.profile.Domain,
		Path:   "/" + strings.TrimPrefix(endpoint, "/"),
	}

	return u.String()
}

// AccessToken returns a currently valid access token, issuing a new one if
// the cached token is absent or inside the expiry margin. The fast path
// performs no I/O and takes no lock beyond the cache's read lock.
func (s *Session) AccessToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := s.cache.Get(); ok && !tok.ExpiresWithin(s.margin) {
		return tok, nil
	}

	return s.refresh(ctx, "")
}

// Token returns the bare token value. Together with Refresh it satisfies
// the token source contract of the api package.
func (s *Session) Token(ctx context.Context) (string, error) {
	tok, err := s.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	return tok.Token, nil
}

// Refresh forces issuance of a new token after the server rejected stale,
// even though it looked fresh locally (early revocation). If another
// caller already replaced the rejected token, the replacement is returned
// without a network round trip.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	tok, err := s.refresh(ctx, stale)
	if err != nil {
		return "", err
	}

	return tok.Token, nil
}

// refresh acquires the refresh lock and re-checks the cache before issuing
// a token. rejected, when non-empty, identifies a token the server refused:
// a cached token equal to it is never returned, regardless of expiry.
func (s *Session) refresh(ctx context.Context, rejected string) (AccessToken, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Double-check: another caller may have refreshed while we waited.
	if tok, ok := s.cache.Get(); ok && !tok.ExpiresWithin(s.margin) && tok.Token != rejected {
		return tok, nil
	}

	tok, err := s.issueToken(ctx)
	if err != nil {
		// Nothing cached on failure; the lock is released so a later
		// call can retry.
		return AccessToken{}, err
	}

	s.cache.Put(tok)

	s.logger.Debug("access token issued",
		slog.Time("expires_at", tok.ExpiresAt),
		slog.Bool("forced", rejected != ""),
	)

	return tok, nil
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// issueToken performs one round trip to the token-issuance endpoint.
// Issuance errors are not retried here; generic retry belongs to the api
// client, and invalid credentials must not loop.
func (s *Session) issueToken(ctx context.Context) (AccessToken, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, issueTimeout)
		defer cancel()
	}

	body, err := json.Marshal(tokenRequest{
		ClientID:     s.profile.ClientID,
		ClientSecret: s.profile.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return AccessToken{}, fmt.Errorf("session: encoding token request: %w", err)
	}

	endpoint := s.ServiceURL(authService, "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, fmt.Errorf("session: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("session: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Body is drained for diagnostics but kept out of the error when
		// unreadable; it never contains the credentials.
		errBody, _ := io.ReadAll(resp.Body)

		s.logger.Warn("token issuance rejected",
			slog.Int("status", resp.StatusCode),
		)

		return AccessToken{}, fmt.Errorf(
			"%w: token endpoint returned %d: %s",
			ErrAuthentication, resp.StatusCode, strings.TrimSpace(string(errBody)),
		)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return AccessToken{}, fmt.Errorf("%w: decoding token response: %s", ErrAuthentication, err)
	}

	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return AccessToken{}, fmt.Errorf("%w: token response missing access_token or expires_in", ErrAuthentication)
	}

	return AccessToken{
		Token:     tr.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
