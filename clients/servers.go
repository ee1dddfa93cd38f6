package clients

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ServerService is the platform service name for interactive servers.
const ServerService = "galleon"

// ServerStatus is the lifecycle state of a server.
type ServerStatus string

const (
	ServerCreating  ServerStatus = "creating"
	ServerRunning   ServerStatus = "running"
	ServerError     ServerStatus = "error"
	ServerDestroyed ServerStatus = "destroyed"
)

// ServerResources is the compute allocation of a server: either a shared
// slice of a node ("custom" size type with explicit CPU/memory) or a
// dedicated node type.
type ServerResources struct {
	// NodeType names a dedicated node type. Empty for shared servers.
	NodeType string
	// MilliCPUs and MemoryMB size a shared server. Ignored for
	// dedicated servers.
	MilliCPUs int
	MemoryMB  int
}

// SharedResources sizes a server on shared infrastructure.
func SharedResources(milliCPUs, memoryMB int) ServerResources {
	return ServerResources{MilliCPUs: milliCPUs, MemoryMB: memoryMB}
}

// DedicatedResources places a server on its own node of the given type.
func DedicatedResources(nodeType string) ServerResources {
	return ServerResources{NodeType: nodeType}
}

// ServerEndpoint is one network service exposed by a server (Jupyter,
// SSH, ...).
type ServerEndpoint struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
	URI    string `json:"uri"`
}

// Server is an interactive server in a project.
type Server struct {
	ID        uuid.UUID        `json:"instanceId"`
	ProjectID uuid.UUID        `json:"projectId"`
	OwnerID   uuid.UUID        `json:"ownerId"`
	Name      string           `json:"name"`
	Type      string           `json:"instanceType"`
	Resources ServerResources  `json:"-"`
	CreatedAt time.Time        `json:"createdAt"`
	Status    ServerStatus     `json:"status"`
	Services  []ServerEndpoint `json:"services"`

	// Wire form of Resources.
	SizeType string `json:"instanceSizeType"`
	Size     *struct {
		MilliCPUs int `json:"milliCpus"`
		MemoryMB  int `json:"memoryMb"`
	} `json:"instanceSize,omitempty"`
}

// SSHDetails carry what is needed to SSH into a server.
type SSHDetails struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Key      string `json:"key"`
}

// ServerClient accesses the server management service.
type ServerClient struct {
	api *api.Client
}

// NewServerClient creates a server client over an api.Client rooted at
// the server service URL.
func NewServerClient(apiClient *api.Client) *ServerClient {
	return &ServerClient{api: apiClient}
}

// CreateServerOptions are the optional parts of Create.
type CreateServerOptions struct {
	// Name for the server; the platform generates one when empty.
	Name string
	// InitialEnvironmentIDs are applied to the server on startup.
	InitialEnvironmentIDs []uuid.UUID
}

// Create starts a new server in a project and returns its ID. serverType
// is typically "jupyter", "jupyterlab" or "rstudio".
func (c *ServerClient) Create(ctx context.Context, projectID uuid.UUID, serverType string, resources ServerResources, opts CreateServerOptions) (uuid.UUID, error) {
	payload := map[string]any{"instanceType": serverType}

	if resources.NodeType != "" {
		payload["instanceSizeType"] = resources.NodeType
	} else {
		payload["instanceSizeType"] = "custom"
		payload["instanceSize"] = map[string]int{
			"milliCpus": resources.MilliCPUs,
			"memoryMb":  resources.MemoryMB,
		}
	}

	if opts.Name != "" {
		payload["name"] = opts.Name
	}

	if len(opts.InitialEnvironmentIDs) > 0 {
		payload["environmentIds"] = opts.InitialEnvironmentIDs
	}

	var resp struct {
		InstanceID uuid.UUID `json:"instanceId"`
	}

	if err := c.api.Post(ctx, "/instance/"+projectID.String(), payload, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("creating server in project %s: %w", projectID, err)
	}

	return resp.InstanceID, nil
}

// Get returns a server in a project.
func (c *ServerClient) Get(ctx context.Context, projectID, serverID uuid.UUID) (Server, error) {
	var server Server

	path := fmt.Sprintf("/instance/%s/%s", projectID, serverID)

	if err := c.api.Get(ctx, path, nil, &server); err != nil {
		return Server{}, fmt.Errorf("fetching server %s: %w", serverID, err)
	}

	server.decodeResources()

	return server, nil
}

// List returns the servers in a project, optionally filtered by name.
func (c *ServerClient) List(ctx context.Context, projectID uuid.UUID, name string) ([]Server, error) {
	query := url.Values{}
	if name != "" {
		query.Set("name", name)
	}

	var servers []Server

	if err := c.api.Get(ctx, "/instance/"+projectID.String(), query, &servers); err != nil {
		return nil, fmt.Errorf("listing servers in project %s: %w", projectID, err)
	}

	for i := range servers {
		servers[i].decodeResources()
	}

	return servers, nil
}

// ListForUser returns the servers a user is running across all projects.
func (c *ServerClient) ListForUser(ctx context.Context, userID uuid.UUID) ([]Server, error) {
	var servers []Server

	if err := c.api.Get(ctx, "/user/"+userID.String()+"/instances", nil, &servers); err != nil {
		return nil, fmt.Errorf("listing servers for user %s: %w", userID, err)
	}

	for i := range servers {
		servers[i].decodeResources()
	}

	return servers, nil
}

// Delete destroys a server.
func (c *ServerClient) Delete(ctx context.Context, serverID uuid.UUID) error {
	if err := c.api.Delete(ctx, "/instance/"+serverID.String(), nil, nil); err != nil {
		return fmt.Errorf("deleting server %s: %w", serverID, err)
	}

	return nil
}

// ApplyEnvironment applies an environment to a running server.
func (c *ServerClient) ApplyEnvironment(ctx context.Context, serverID, environmentID uuid.UUID) error {
	path := fmt.Sprintf("/instance/%s/environment/%s", serverID, environmentID)

	err := c.api.DoJSON(ctx, api.Request{
		Method:     "PUT",
		Path:       path,
		Idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("applying environment %s to server %s: %w", environmentID, serverID, err)
	}

	return nil
}

// GetSSHDetails returns the SSH connection details of a server.
func (c *ServerClient) GetSSHDetails(ctx context.Context, projectID, serverID uuid.UUID) (SSHDetails, error) {
	var details SSHDetails

	path := fmt.Sprintf("/instance/%s/%s/ssh", projectID, serverID)

	if err := c.api.Get(ctx, path, nil, &details); err != nil {
		return SSHDetails{}, fmt.Errorf("fetching SSH details of server %s: %w", serverID, err)
	}

	return details, nil
}

// decodeResources translates the wire size fields into ServerResources.
func (s *Server) decodeResources() {
	if s.SizeType == "custom" && s.Size != nil {
		s.Resources = SharedResources(s.Size.MilliCPUs, s.Size.MemoryMB)
		return
	}

	s.Resources = DedicatedResources(s.SizeType)
}
