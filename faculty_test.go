package faculty

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facultyai/faculty-go/session"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("FACULTY_CREDENTIALS_PATH", filepath.Join(t.TempDir(), "credentials"))

	client, err := New(append([]Option{
		WithClientCredentials("client-id", "client-secret"),
		WithDomain("services.example.com"),
		WithTokenCache(session.NewMemoryCache()),
	}, opts...)...)
	require.NoError(t, err)

	return client
}

func TestNewBuildsAllClients(t *testing.T) {
	client := newTestClient(t)

	assert.NotNil(t, client.Accounts)
	assert.NotNil(t, client.Clusters)
	assert.NotNil(t, client.Experiments)
	assert.NotNil(t, client.Jobs)
	assert.NotNil(t, client.Models)
	assert.NotNil(t, client.Projects)
	assert.NotNil(t, client.Reports)
	assert.NotNil(t, client.Servers)
	assert.NotNil(t, client.Users)
	assert.NotNil(t, client.Workspaces)
	assert.NotNil(t, client.Objects)
	assert.NotNil(t, client.Session())
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv("FACULTY_CLIENT_ID", "")
	t.Setenv("FACULTY_CLIENT_SECRET", "")
	t.Setenv("FACULTY_CREDENTIALS_PATH", filepath.Join(t.TempDir(), "credentials"))

	_, err := New()
	require.Error(t, err)
}

func TestSessionAddressesServices(t *testing.T) {
	client := newTestClient(t)

	url := client.Session().ServiceURL("hudson", "/access_token")
	assert.Equal(t, "https://hudson.services.example.com/access_token", url)
}

func TestDatasets(t *testing.T) {
	client := newTestClient(t)

	service := client.Datasets(uuid.New())
	assert.NotNil(t, service)
}

func TestWithoutTransferResume(t *testing.T) {
	client := newTestClient(t, WithoutTransferResume())
	assert.NotNil(t, client.Datasets(uuid.New()))
}

func TestCurrentContext(t *testing.T) {
	client := newTestClient(t)

	projectID := uuid.New()
	t.Setenv("FACULTY_PROJECT_ID", projectID.String())

	ctx := client.CurrentContext()
	assert.Equal(t, projectID, ctx.ProjectID)
}
