package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/facultyai/faculty-go/api"
)

type fixedTokens struct{}

func (fixedTokens) Token(_ context.Context) (string, error) {
	return "test-token", nil
}

func (fixedTokens) Refresh(_ context.Context, _ string) (string, error) {
	return "test-token", nil
}

// testAPIClient serves a resource client from an httptest handler.
func testAPIClient(t *testing.T, handler http.Handler) *api.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return api.NewClient(server.URL, server.Client(), fixedTokens{}, nil)
}
