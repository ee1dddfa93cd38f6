package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ExperimentService is the platform service name for experiment
// tracking.
const ExperimentService = "atlas"

// Conflict error codes from the experiment service.
var (
	// ErrExperimentNameConflict is returned when creating or renaming an
	// experiment to a name already used in the project.
	ErrExperimentNameConflict = errors.New("experiment name already in use")
	// ErrExperimentDeleted is returned when creating a run of a deleted
	// experiment.
	ErrExperimentDeleted = errors.New("experiment is deleted")
	// ErrParamConflict is returned when logging a param that already has
	// a different value on the run.
	ErrParamConflict = errors.New("conflicting run params")
)

// LifecycleStage tells live experiments and runs from deleted ones.
type LifecycleStage string

const (
	LifecycleActive  LifecycleStage = "active"
	LifecycleDeleted LifecycleStage = "deleted"
)

// ExperimentRunStatus is the reported status of an experiment run.
type ExperimentRunStatus string

const (
	ExperimentRunRunning   ExperimentRunStatus = "running"
	ExperimentRunFinished  ExperimentRunStatus = "finished"
	ExperimentRunFailed    ExperimentRunStatus = "failed"
	ExperimentRunScheduled ExperimentRunStatus = "scheduled"
	ExperimentRunKilled    ExperimentRunStatus = "killed"
)

// Experiment groups related runs within a project.
type Experiment struct {
	ID               int        `json:"experimentId"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	ArtifactLocation string     `json:"artifactLocation"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastUpdatedAt    time.Time  `json:"lastUpdatedAt"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// Metric is one logged metric observation.
type Metric struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Step      int       `json:"step"`
}

// Param is one logged run parameter. Params are write-once per key.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tag is one run tag. Tags are upserted on conflict.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExperimentRun is a single tracked run.
type ExperimentRun struct {
	ID               uuid.UUID           `json:"runId"`
	RunNumber        int                 `json:"runNumber"`
	ExperimentID     int                 `json:"experimentId"`
	Name             string              `json:"name"`
	ParentRunID      *uuid.UUID          `json:"parentRunId,omitempty"`
	ArtifactLocation string              `json:"artifactLocation"`
	Status           ExperimentRunStatus `json:"status"`
	StartedAt        time.Time           `json:"startedAt"`
	EndedAt          *time.Time          `json:"endedAt,omitempty"`
	DeletedAt        *time.Time          `json:"deletedAt,omitempty"`
	Tags             []Tag               `json:"tags"`
	Params           []Param             `json:"params"`
	Metrics          []Metric            `json:"metrics"`
}

// ListExperimentRunsResponse is one page of a run query.
type ListExperimentRunsResponse struct {
	Runs       []ExperimentRun `json:"runs"`
	Pagination Pagination      `json:"pagination"`
}

// RunIDsResponse reports the outcome of a bulk delete or restore:
// which runs changed state and which were already in the target state.
type RunIDsResponse struct {
	ChangedRunIDs    []uuid.UUID
	ConflictedRunIDs []uuid.UUID
}

// MetricHistory is the recorded history of one metric on a run.
type MetricHistory struct {
	OriginalSize int      `json:"originalSize"`
	Subsampled   bool     `json:"subsampled"`
	Key          string   `json:"key"`
	History      []Metric `json:"history"`
}

// ExperimentClient accesses the experiment tracking service.
type ExperimentClient struct {
	api *api.Client
}

// NewExperimentClient creates an experiment client over an api.Client
// rooted at the experiment service URL.
func NewExperimentClient(apiClient *api.Client) *ExperimentClient {
	return &ExperimentClient{api: apiClient}
}

// Create makes a new experiment. An empty artifactLocation stores run
// artifacts in the project's datasets.
func (c *ExperimentClient) Create(ctx context.Context, projectID uuid.UUID, name, description, artifactLocation string) (Experiment, error) {
	payload := map[string]any{
		"name":             name,
		"description":      orNil(description),
		"artifactLocation": orNil(artifactLocation),
	}

	var experiment Experiment

	err := c.api.Post(ctx, experimentPath(projectID), payload, &experiment)
	if err != nil {
		if api.ErrorCode(err) == "experiment_name_conflict" {
			return Experiment{}, fmt.Errorf("%w: %s", ErrExperimentNameConflict, name)
		}

		return Experiment{}, fmt.Errorf("creating experiment %q: %w", name, err)
	}

	return experiment, nil
}

// Get returns an experiment by ID.
func (c *ExperimentClient) Get(ctx context.Context, projectID uuid.UUID, experimentID int) (Experiment, error) {
	var experiment Experiment

	path := fmt.Sprintf("%s/%d", experimentPath(projectID), experimentID)

	if err := c.api.Get(ctx, path, nil, &experiment); err != nil {
		return Experiment{}, fmt.Errorf("fetching experiment %d: %w", experimentID, err)
	}

	return experiment, nil
}

// List returns the experiments in a project, optionally restricted to
// one lifecycle stage.
func (c *ExperimentClient) List(ctx context.Context, projectID uuid.UUID, stage LifecycleStage) ([]Experiment, error) {
	query := url.Values{}
	if stage != "" {
		query.Set("lifecycleStage", string(stage))
	}

	var experiments []Experiment

	if err := c.api.Get(ctx, experimentPath(projectID), query, &experiments); err != nil {
		return nil, fmt.Errorf("listing experiments in project %s: %w", projectID, err)
	}

	return experiments, nil
}

// Update changes an experiment's name and/or description. Empty strings
// leave the corresponding field unmodified.
func (c *ExperimentClient) Update(ctx context.Context, projectID uuid.UUID, experimentID int, name, description string) error {
	payload := map[string]any{
		"name":        orNil(name),
		"description": orNil(description),
	}

	path := fmt.Sprintf("%s/%d", experimentPath(projectID), experimentID)

	if err := c.api.Patch(ctx, path, payload, nil); err != nil {
		if api.ErrorCode(err) == "experiment_name_conflict" {
			return fmt.Errorf("%w: %s", ErrExperimentNameConflict, name)
		}

		return fmt.Errorf("updating experiment %d: %w", experimentID, err)
	}

	return nil
}

// Delete soft-deletes an experiment.
func (c *ExperimentClient) Delete(ctx context.Context, projectID uuid.UUID, experimentID int) error {
	path := fmt.Sprintf("%s/%d", experimentPath(projectID), experimentID)

	if err := c.api.Delete(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("deleting experiment %d: %w", experimentID, err)
	}

	return nil
}

// Restore brings a soft-deleted experiment back.
func (c *ExperimentClient) Restore(ctx context.Context, projectID uuid.UUID, experimentID int) error {
	path := fmt.Sprintf("%s/%d/restore", experimentPath(projectID), experimentID)

	err := c.api.DoJSON(ctx, api.Request{
		Method:     "PUT",
		Path:       path,
		Idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("restoring experiment %d: %w", experimentID, err)
	}

	return nil
}

// CreateRunOptions are the optional parts of CreateRun.
type CreateRunOptions struct {
	ParentRunID      *uuid.UUID
	ArtifactLocation string
	Tags             []Tag
}

// CreateRun starts a tracked run of an experiment.
func (c *ExperimentClient) CreateRun(ctx context.Context, projectID uuid.UUID, experimentID int, name string, startedAt time.Time, opts CreateRunOptions) (ExperimentRun, error) {
	tags := opts.Tags
	if tags == nil {
		tags = []Tag{}
	}

	payload := map[string]any{
		"name":      name,
		"startedAt": startedAt,
		"tags":      tags,
	}

	if opts.ParentRunID != nil {
		payload["parentRunId"] = *opts.ParentRunID
	}

	if opts.ArtifactLocation != "" {
		payload["artifactLocation"] = opts.ArtifactLocation
	}

	var run ExperimentRun

	path := fmt.Sprintf("%s/%d/run", experimentPath(projectID), experimentID)

	if err := c.api.Post(ctx, path, payload, &run); err != nil {
		if api.ErrorCode(err) == "experiment_deleted" {
			return ExperimentRun{}, fmt.Errorf("%w: experiment %d", ErrExperimentDeleted, experimentID)
		}

		return ExperimentRun{}, fmt.Errorf("creating run of experiment %d: %w", experimentID, err)
	}

	return run, nil
}

// GetRun returns a run by ID.
func (c *ExperimentClient) GetRun(ctx context.Context, projectID, runID uuid.UUID) (ExperimentRun, error) {
	var run ExperimentRun

	path := fmt.Sprintf("/project/%s/run/%s", projectID, runID)

	if err := c.api.Get(ctx, path, nil, &run); err != nil {
		return ExperimentRun{}, fmt.Errorf("fetching run %s: %w", runID, err)
	}

	return run, nil
}

// QueryRuns returns runs matching filter, ordered by sort conditions in
// decreasing priority. A nil filter matches all runs; nil sort orders by
// start time. Zero start/limit take the server defaults.
func (c *ExperimentClient) QueryRuns(ctx context.Context, projectID uuid.UUID, filter RunFilter, sort []RunSort, start, limit int) (ListExperimentRunsResponse, error) {
	payload := map[string]any{}

	if filter != nil {
		payload["filter"] = filter
	}

	if len(sort) > 0 {
		payload["sort"] = sort
	}

	if limit > 0 {
		payload["page"] = PageRef{Start: start, Limit: limit}
	}

	var resp ListExperimentRunsResponse

	path := fmt.Sprintf("/project/%s/run/query", projectID)

	if err := c.api.Post(ctx, path, payload, &resp); err != nil {
		return ListExperimentRunsResponse{}, fmt.Errorf("querying runs in project %s: %w", projectID, err)
	}

	return resp, nil
}

// ListRuns returns runs of the given experiments (all experiments when
// none are named), optionally restricted to one lifecycle stage.
func (c *ExperimentClient) ListRuns(ctx context.Context, projectID uuid.UUID, experimentIDs []int, stage LifecycleStage, start, limit int) (ListExperimentRunsResponse, error) {
	var conditions []RunFilter

	if len(experimentIDs) > 0 {
		ids := make([]RunFilter, 0, len(experimentIDs))

		for _, id := range experimentIDs {
			ids = append(ids, Condition{By: FilterByExperimentID, Operator: OpEqual, Value: id})
		}

		conditions = append(conditions, Or(ids...))
	}

	if stage != "" {
		conditions = append(conditions, Condition{
			By:       FilterByDeletedAt,
			Operator: OpDefined,
			Value:    stage == LifecycleDeleted,
		})
	}

	var filter RunFilter

	switch len(conditions) {
	case 0:
	case 1:
		filter = conditions[0]
	default:
		filter = And(conditions...)
	}

	return c.QueryRuns(ctx, projectID, filter, nil, start, limit)
}

// LogRunData records metrics, params and tags on a run. Metrics append,
// params are write-once, tags upsert. A param key conflict rejects the
// whole call with ErrParamConflict.
func (c *ExperimentClient) LogRunData(ctx context.Context, projectID, runID uuid.UUID, metrics []Metric, params []Param, tags []Tag) error {
	if len(metrics) == 0 && len(params) == 0 && len(tags) == 0 {
		return nil
	}

	payload := map[string]any{}

	if len(metrics) > 0 {
		payload["metrics"] = metrics
	}

	if len(params) > 0 {
		payload["params"] = params
	}

	if len(tags) > 0 {
		payload["tags"] = tags
	}

	path := fmt.Sprintf("/project/%s/run/%s/data", projectID, runID)

	if err := c.api.Patch(ctx, path, payload, nil); err != nil {
		if api.ErrorCode(err) == "conflicting_params" {
			return fmt.Errorf("%w: run %s", ErrParamConflict, runID)
		}

		return fmt.Errorf("logging data on run %s: %w", runID, err)
	}

	return nil
}

// UpdateRunInfo sets a run's status and end time, returning the updated
// run.
func (c *ExperimentClient) UpdateRunInfo(ctx context.Context, projectID, runID uuid.UUID, status ExperimentRunStatus, endedAt *time.Time) (ExperimentRun, error) {
	payload := map[string]any{"status": status}

	if endedAt != nil {
		payload["endedAt"] = *endedAt
	}

	var run ExperimentRun

	path := fmt.Sprintf("/project/%s/run/%s/info", projectID, runID)

	if err := c.api.Patch(ctx, path, payload, &run); err != nil {
		return ExperimentRun{}, fmt.Errorf("updating run %s: %w", runID, err)
	}

	return run, nil
}

// GetMetricHistory returns every logged value of one metric on a run,
// ordered by timestamp.
func (c *ExperimentClient) GetMetricHistory(ctx context.Context, projectID, runID uuid.UUID, key string) (MetricHistory, error) {
	var history MetricHistory

	path := fmt.Sprintf("/project/%s/run/%s/metric/%s/history", projectID, runID, url.PathEscape(key))

	if err := c.api.Get(ctx, path, nil, &history); err != nil {
		return MetricHistory{}, fmt.Errorf("fetching history of metric %q on run %s: %w", key, runID, err)
	}

	return history, nil
}

// DeleteRuns soft-deletes runs by ID, or every run in the project when
// none are named.
func (c *ExperimentClient) DeleteRuns(ctx context.Context, projectID uuid.UUID, runIDs []uuid.UUID) (RunIDsResponse, error) {
	var resp struct {
		DeletedRunIDs    []uuid.UUID `json:"deletedRunIds"`
		ConflictedRunIDs []uuid.UUID `json:"conflictedRunIds"`
	}

	path := fmt.Sprintf("/project/%s/run/delete/query", projectID)

	if err := c.api.Post(ctx, path, runIDQuery(runIDs), &resp); err != nil {
		return RunIDsResponse{}, fmt.Errorf("deleting runs in project %s: %w", projectID, err)
	}

	return RunIDsResponse{ChangedRunIDs: resp.DeletedRunIDs, ConflictedRunIDs: resp.ConflictedRunIDs}, nil
}

// RestoreRuns restores soft-deleted runs by ID, or every run in the
// project when none are named.
func (c *ExperimentClient) RestoreRuns(ctx context.Context, projectID uuid.UUID, runIDs []uuid.UUID) (RunIDsResponse, error) {
	var resp struct {
		RestoredRunIDs   []uuid.UUID `json:"restoredRunIds"`
		ConflictedRunIDs []uuid.UUID `json:"conflictedRunIds"`
	}

	path := fmt.Sprintf("/project/%s/run/restore/query", projectID)

	if err := c.api.Post(ctx, path, runIDQuery(runIDs), &resp); err != nil {
		return RunIDsResponse{}, fmt.Errorf("restoring runs in project %s: %w", projectID, err)
	}

	return RunIDsResponse{ChangedRunIDs: resp.RestoredRunIDs, ConflictedRunIDs: resp.ConflictedRunIDs}, nil
}

func runIDQuery(runIDs []uuid.UUID) map[string]any {
	if len(runIDs) == 0 {
		// No filter targets every run.
		return map[string]any{}
	}

	conditions := make([]RunFilter, 0, len(runIDs))

	for _, id := range runIDs {
		conditions = append(conditions, Condition{By: FilterByRunID, Operator: OpEqual, Value: id})
	}

	return map[string]any{"filter": Or(conditions...)}
}

func experimentPath(projectID uuid.UUID) string {
	return "/project/" + projectID.String() + "/experiment"
}

// orNil maps the empty string to JSON null, which the experiment service
// reads as "leave unchanged" or "use the default".
func orNil(s string) any {
	if s == "" {
		return nil
	}

	return s
}
