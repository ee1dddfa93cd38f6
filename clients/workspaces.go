package clients

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// WorkspaceService is the platform service name for project workspace
// files.
const WorkspaceService = "workspace"

// FileNodeType discriminates workspace tree nodes.
type FileNodeType string

const (
	FileNodeFile      FileNodeType = "file"
	FileNodeDirectory FileNodeType = "directory"
)

// FileNode is one node of a project workspace file tree. Directory nodes
// carry Content; Truncated marks a directory whose listing was cut off
// by the requested depth.
type FileNode struct {
	Path         string       `json:"path"`
	Name         string       `json:"name"`
	Type         FileNodeType `json:"type"`
	LastModified time.Time    `json:"last_modified"`
	Size         int64        `json:"size"`
	Truncated    bool         `json:"truncated,omitempty"`
	Content      []FileNode   `json:"content,omitempty"`
}

// WorkspaceClient accesses the workspace file service.
type WorkspaceClient struct {
	api *api.Client
}

// NewWorkspaceClient creates a workspace client over an api.Client
// rooted at the workspace service URL.
func NewWorkspaceClient(apiClient *api.Client) *WorkspaceClient {
	return &WorkspaceClient{api: apiClient}
}

// List returns the file tree under prefix in a project's workspace,
// descending depth levels.
func (c *WorkspaceClient) List(ctx context.Context, projectID uuid.UUID, prefix string, depth int) ([]FileNode, error) {
	query := url.Values{}
	query.Set("prefix", prefix)
	query.Set("depth", strconv.Itoa(depth))

	var resp struct {
		ProjectID uuid.UUID  `json:"project_id"`
		Path      string     `json:"path"`
		Content   []FileNode `json:"content"`
	}

	if err := c.api.Get(ctx, "/project/"+projectID.String()+"/file", query, &resp); err != nil {
		return nil, fmt.Errorf("listing workspace files under %s: %w", prefix, err)
	}

	return resp.Content, nil
}
