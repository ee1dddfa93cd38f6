package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ModelService is the platform service name for the model registry.
const ModelService = "zoolander"

// ExperimentModelSource records the experiment run a model version was
// registered from.
type ExperimentModelSource struct {
	ExperimentID    int       `json:"experimentId"`
	ExperimentRunID uuid.UUID `json:"experimentRunId"`
}

// ModelVersion is one registered version of a model.
type ModelVersion struct {
	ID            uuid.UUID             `json:"modelVersionId"`
	VersionNumber int                   `json:"modelVersionNumber"`
	RegisteredAt  time.Time             `json:"registeredAt"`
	RegisteredBy  uuid.UUID             `json:"registeredBy"`
	ArtifactPath  string                `json:"artifactPath"`
	Source        ExperimentModelSource `json:"source"`
}

// Model is an entry in the model registry.
type Model struct {
	ID            uuid.UUID     `json:"modelId"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	UserIDs       []uuid.UUID   `json:"users"`
	LatestVersion *ModelVersion `json:"latestVersion,omitempty"`
}

// ModelClient accesses the model registry service.
type ModelClient struct {
	api *api.Client
}

// NewModelClient creates a model client over an api.Client rooted at the
// model service URL.
func NewModelClient(apiClient *api.Client) *ModelClient {
	return &ModelClient{api: apiClient}
}

// Get returns a model in a project.
func (c *ModelClient) Get(ctx context.Context, projectID, modelID uuid.UUID) (Model, error) {
	var model Model

	path := fmt.Sprintf("/project/%s/model/%s", projectID, modelID)

	if err := c.api.Get(ctx, path, nil, &model); err != nil {
		return Model{}, fmt.Errorf("fetching model %s: %w", modelID, err)
	}

	return model, nil
}

// List returns the models in a project.
func (c *ModelClient) List(ctx context.Context, projectID uuid.UUID) ([]Model, error) {
	var models []Model

	if err := c.api.Get(ctx, "/project/"+projectID.String()+"/model", nil, &models); err != nil {
		return nil, fmt.Errorf("listing models in project %s: %w", projectID, err)
	}

	return models, nil
}

// GetVersion returns one version of a model.
func (c *ModelClient) GetVersion(ctx context.Context, projectID, modelID, versionID uuid.UUID) (ModelVersion, error) {
	var version ModelVersion

	path := fmt.Sprintf("/project/%s/model/%s/version/%s", projectID, modelID, versionID)

	if err := c.api.Get(ctx, path, nil, &version); err != nil {
		return ModelVersion{}, fmt.Errorf("fetching model version %s: %w", versionID, err)
	}

	return version, nil
}

// ListVersions returns all versions of a model.
func (c *ModelClient) ListVersions(ctx context.Context, projectID, modelID uuid.UUID) ([]ModelVersion, error) {
	var versions []ModelVersion

	path := fmt.Sprintf("/project/%s/model/%s/version", projectID, modelID)

	if err := c.api.Get(ctx, path, nil, &versions); err != nil {
		return nil, fmt.Errorf("listing versions of model %s: %w", modelID, err)
	}

	return versions, nil
}
