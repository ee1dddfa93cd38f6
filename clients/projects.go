package clients

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ProjectService is the platform service name for projects.
const ProjectService = "casebook"

// Project is a platform project. ArchivedAt is nil while the project is
// live.
type Project struct {
	ID         uuid.UUID  `json:"projectId"`
	Name       string     `json:"name"`
	OwnerID    uuid.UUID  `json:"ownerId"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// ProjectClient accesses the project service.
type ProjectClient struct {
	api *api.Client
}

// NewProjectClient creates a project client over an api.Client rooted at
// the project service URL.
func NewProjectClient(apiClient *api.Client) *ProjectClient {
	return &ProjectClient{api: apiClient}
}

// Create makes a new project owned by the given user.
func (c *ProjectClient) Create(ctx context.Context, ownerID uuid.UUID, name string) (Project, error) {
	payload := map[string]any{
		"owner_id": ownerID,
		"name":     name,
	}

	var project Project

	if err := c.api.Post(ctx, "/project", payload, &project); err != nil {
		return Project{}, fmt.Errorf("creating project %q: %w", name, err)
	}

	return project, nil
}

// Get returns a project by ID.
func (c *ProjectClient) Get(ctx context.Context, projectID uuid.UUID) (Project, error) {
	var project Project

	if err := c.api.Get(ctx, "/project/"+projectID.String(), nil, &project); err != nil {
		return Project{}, fmt.Errorf("fetching project %s: %w", projectID, err)
	}

	return project, nil
}

// GetByOwnerAndName returns a project by its owner and name.
func (c *ProjectClient) GetByOwnerAndName(ctx context.Context, ownerID uuid.UUID, name string) (Project, error) {
	var project Project

	path := fmt.Sprintf("/project/%s/%s", ownerID, url.PathEscape(name))

	if err := c.api.Get(ctx, path, nil, &project); err != nil {
		return Project{}, fmt.Errorf("fetching project %s/%s: %w", ownerID, name, err)
	}

	return project, nil
}

// ListAccessibleByUser lists the projects a user can access: owned and
// shared.
func (c *ProjectClient) ListAccessibleByUser(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	var projects []Project

	if err := c.api.Get(ctx, "/user/"+userID.String(), nil, &projects); err != nil {
		return nil, fmt.Errorf("listing projects for user %s: %w", userID, err)
	}

	return projects, nil
}

// ListAll lists every project on the deployment. Requires administrative
// privileges.
func (c *ProjectClient) ListAll(ctx context.Context, includeArchived bool) ([]Project, error) {
	query := url.Values{}
	if includeArchived {
		query.Set("includeArchived", "1")
	} else {
		query.Set("includeArchived", "0")
	}

	var projects []Project

	if err := c.api.Get(ctx, "/project", query, &projects); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	return projects, nil
}
