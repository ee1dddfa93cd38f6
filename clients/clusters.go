package clients

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/facultyai/faculty-go/api"
)

// ClusterService is the platform service name for cluster configuration.
const ClusterService = "klostermann"

// NodeType is a single-tenanted node type available on the cluster.
type NodeType struct {
	ID                      string `json:"nodeTypeId"`
	Name                    string `json:"name"`
	InstanceGroup           string `json:"instanceGroup"`
	MaxInteractiveInstances int    `json:"maxInteractiveInstances"`
	MaxJobInstances         int    `json:"maxJobInstances"`
	MilliCPUs               int    `json:"milliCpus"`
	MemoryMB                int    `json:"memoryMb"`
	NumGPUs                 int    `json:"numGpus"`
	GPUName                 string `json:"gpuName,omitempty"`

	// Prices travel as decimal strings to avoid float rounding.
	CostUSDPerHour    string  `json:"costUsdPerHour"`
	SpotMaxUSDPerHour *string `json:"spotMaxUsdPerHour,omitempty"`
}

// NodeTypeConfiguration describes a node type to add or update on the
// cluster.
type NodeTypeConfiguration struct {
	Name                    string  `json:"name"`
	InstanceGroup           string  `json:"instanceGroup"`
	MaxInteractiveInstances int     `json:"maxInteractiveInstances"`
	MaxJobInstances         int     `json:"maxJobInstances"`
	SpotMaxUSDPerHour       *string `json:"spotMaxUsdPerHour"`
}

// ClusterClient accesses the cluster configuration service.
type ClusterClient struct {
	api *api.Client
}

// NewClusterClient creates a cluster client over an api.Client rooted at
// the cluster service URL.
func NewClusterClient(apiClient *api.Client) *ClusterClient {
	return &ClusterClient{api: apiClient}
}

// NodeTypeListOptions filter ListSingleTenantedNodeTypes. Nil fields
// apply no filter.
type NodeTypeListOptions struct {
	InteractiveInstancesConfigured *bool
	JobInstancesConfigured         *bool
}

// ListSingleTenantedNodeTypes returns the cluster's single-tenanted node
// types, optionally filtered by what they are configured to run.
func (c *ClusterClient) ListSingleTenantedNodeTypes(ctx context.Context, opts NodeTypeListOptions) ([]NodeType, error) {
	query := url.Values{}

	if opts.InteractiveInstancesConfigured != nil {
		query.Set("interactiveInstancesConfigured", strconv.FormatBool(*opts.InteractiveInstancesConfigured))
	}

	if opts.JobInstancesConfigured != nil {
		query.Set("jobInstancesConfigured", strconv.FormatBool(*opts.JobInstancesConfigured))
	}

	var nodeTypes []NodeType

	if err := c.api.Get(ctx, "/node-type/single-tenanted", query, &nodeTypes); err != nil {
		return nil, fmt.Errorf("listing node types: %w", err)
	}

	return nodeTypes, nil
}

// ConfigureSingleTenantedNodeType adds or updates a node type
// configuration on the cluster.
func (c *ClusterClient) ConfigureSingleTenantedNodeType(ctx context.Context, nodeTypeID string, cfg NodeTypeConfiguration) error {
	path := "/node-type/single-tenanted/" + url.PathEscape(nodeTypeID) + "/configuration"

	err := c.api.DoJSON(ctx, api.Request{
		Method:     "PUT",
		Path:       path,
		Body:       cfg,
		Idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("configuring node type %s: %w", nodeTypeID, err)
	}

	return nil
}

// DisableSingleTenantedNodeType removes a node type from the cluster
// configuration.
func (c *ClusterClient) DisableSingleTenantedNodeType(ctx context.Context, nodeTypeID string) error {
	path := "/node-type/single-tenanted/" + url.PathEscape(nodeTypeID) + "/configuration"

	if err := c.api.Delete(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("disabling node type %s: %w", nodeTypeID, err)
	}

	return nil
}
