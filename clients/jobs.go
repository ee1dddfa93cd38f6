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

// JobService is the platform service name for batch jobs.
const JobService = "steve"

// RunState is the lifecycle state of a job run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
	RunError     RunState = "error"
)

// SubrunState is the lifecycle state of a single subrun within a run.
type SubrunState string

const (
	SubrunQueued                        SubrunState = "queued"
	SubrunStarting                      SubrunState = "starting"
	SubrunEnvironmentApplicationStarted SubrunState = "environment-application-started"
	SubrunCommandStarted                SubrunState = "command-started"
	SubrunCommandSucceeded              SubrunState = "command-succeeded"
	SubrunCommandFailed                 SubrunState = "command-failed"
	SubrunEnvironmentApplicationFailed  SubrunState = "environment-application-failed"
	SubrunError                         SubrunState = "error"
	SubrunCancelled                     SubrunState = "cancelled"
	SubrunTimedOut                      SubrunState = "timed-out"
)

// JobParameterType constrains the values a job parameter accepts.
type JobParameterType string

const (
	JobParameterText   JobParameterType = "text"
	JobParameterNumber JobParameterType = "number"
)

// JobMetadata is the descriptive half of a job.
type JobMetadata struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	AuthorID      uuid.UUID `json:"authorId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// JobParameter is one templated input to a job command.
type JobParameter struct {
	Name     string           `json:"name"`
	Type     JobParameterType `json:"type"`
	Default  string           `json:"default,omitempty"`
	Required bool             `json:"required"`
}

// JobCommand is the command a job runs, with its parameters.
type JobCommand struct {
	Name       string         `json:"name"`
	Parameters []JobParameter `json:"parameters"`
}

// InstanceSize is the per-subrun compute allocation for custom-sized
// jobs.
type InstanceSize struct {
	MilliCPUs int `json:"milliCpus"`
	MemoryMB  int `json:"memoryMb"`
}

// JobDefinition is the executable half of a job.
type JobDefinition struct {
	WorkingDir        string        `json:"workingDir"`
	Command           JobCommand    `json:"command"`
	ImageType         string        `json:"imageType"`
	EnvironmentIDs    []uuid.UUID   `json:"environmentIds"`
	InstanceSizeType  string        `json:"instanceSizeType"`
	InstanceSize      *InstanceSize `json:"instanceSize,omitempty"`
	MaxRuntimeSeconds int           `json:"maxRuntimeSeconds"`
}

// JobSummary is the listing view of a job.
type JobSummary struct {
	ID       uuid.UUID   `json:"jobId"`
	Metadata JobMetadata `json:"meta"`
}

// Job is a full job: metadata plus definition.
type Job struct {
	ID         uuid.UUID     `json:"jobId"`
	Metadata   JobMetadata   `json:"meta"`
	Definition JobDefinition `json:"definition"`
}

// SubrunSummary is the listing view of a subrun.
type SubrunSummary struct {
	ID           uuid.UUID   `json:"subrunId"`
	SubrunNumber int         `json:"subrunNumber"`
	State        SubrunState `json:"state"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
}

// Subrun is one parameter set's execution within a run.
type Subrun struct {
	ID                        uuid.UUID                  `json:"subrunId"`
	SubrunNumber              int                        `json:"subrunNumber"`
	State                     SubrunState                `json:"state"`
	StartedAt                 *time.Time                 `json:"startedAt,omitempty"`
	EndedAt                   *time.Time                 `json:"endedAt,omitempty"`
	EnvironmentStepExecutions []EnvironmentStepExecution `json:"environmentStepExecutions"`
}

// EnvironmentStepExecution is one environment step applied during a
// subrun's startup.
type EnvironmentStepExecution struct {
	EnvironmentID     uuid.UUID  `json:"environmentId"`
	EnvironmentStepID uuid.UUID  `json:"environmentStepId"`
	EnvironmentName   string     `json:"environmentName"`
	Command           string     `json:"command"`
	State             string     `json:"state"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	ID          uuid.UUID  `json:"runId"`
	RunNumber   int        `json:"runNumber"`
	State       RunState   `json:"state"`
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Run is a full run with its subruns.
type Run struct {
	ID          uuid.UUID       `json:"runId"`
	RunNumber   int             `json:"runNumber"`
	State       RunState        `json:"state"`
	SubmittedAt time.Time       `json:"submittedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	Subruns     []SubrunSummary `json:"subruns"`
}

// PageRef points at a page boundary in a paginated listing.
type PageRef struct {
	Start int `json:"start"`
	Limit int `json:"limit"`
}

// Pagination describes the window a listing response covers.
type Pagination struct {
	Start    int      `json:"start"`
	Size     int      `json:"size"`
	Previous *PageRef `json:"previous,omitempty"`
	Next     *PageRef `json:"next,omitempty"`
}

// ListRunsResponse is one page of a run listing.
type ListRunsResponse struct {
	Runs       []RunSummary `json:"runs"`
	Pagination Pagination   `json:"pagination"`
}

// JobClient accesses the job service.
type JobClient struct {
	api *api.Client
}

// NewJobClient creates a job client over an api.Client rooted at the job
// service URL.
func NewJobClient(apiClient *api.Client) *JobClient {
	return &JobClient{api: apiClient}
}

// List returns the jobs in a project.
func (c *JobClient) List(ctx context.Context, projectID uuid.UUID) ([]JobSummary, error) {
	var jobs []JobSummary

	if err := c.api.Get(ctx, jobPath(projectID), nil, &jobs); err != nil {
		return nil, fmt.Errorf("listing jobs in project %s: %w", projectID, err)
	}

	return jobs, nil
}

// Create makes a new job, returning its ID.
func (c *JobClient) Create(ctx context.Context, projectID uuid.UUID, name, description string, definition JobDefinition) (uuid.UUID, error) {
	payload := map[string]any{
		"meta": map[string]string{
			"name":        name,
			"description": description,
		},
		"definition": definition,
	}

	var resp struct {
		JobID uuid.UUID `json:"jobId"`
	}

	if err := c.api.Post(ctx, jobPath(projectID), payload, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("creating job %q: %w", name, err)
	}

	return resp.JobID, nil
}

// Get returns a job with its full definition.
func (c *JobClient) Get(ctx context.Context, projectID, jobID uuid.UUID) (Job, error) {
	var job Job

	if err := c.api.Get(ctx, jobPath(projectID, jobID.String()), nil, &job); err != nil {
		return Job{}, fmt.Errorf("fetching job %s: %w", jobID, err)
	}

	return job, nil
}

// UpdateMetadata replaces a job's name and description.
func (c *JobClient) UpdateMetadata(ctx context.Context, projectID, jobID uuid.UUID, name, description string) error {
	payload := map[string]string{
		"name":        name,
		"description": description,
	}

	err := c.api.DoJSON(ctx, api.Request{
		Method:     "PUT",
		Path:       jobPath(projectID, jobID.String(), "meta"),
		Body:       payload,
		Idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("updating job %s metadata: %w", jobID, err)
	}

	return nil
}

// UpdateDefinition replaces a job's definition.
func (c *JobClient) UpdateDefinition(ctx context.Context, projectID, jobID uuid.UUID, definition JobDefinition) error {
	err := c.api.DoJSON(ctx, api.Request{
		Method:     "PUT",
		Path:       jobPath(projectID, jobID.String(), "definition"),
		Body:       definition,
		Idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("updating job %s definition: %w", jobID, err)
	}

	return nil
}

// CreateRun triggers a run of a job. Each entry of parameterValueSets
// starts one subrun with those parameter values; passing none runs a
// single subrun with defaults. Returns the run ID.
func (c *JobClient) CreateRun(ctx context.Context, projectID, jobID uuid.UUID, parameterValueSets ...map[string]string) (uuid.UUID, error) {
	if len(parameterValueSets) == 0 {
		parameterValueSets = []map[string]string{{}}
	}

	payload := map[string]any{"parameterValues": parameterValueSets}

	var resp struct {
		RunID uuid.UUID `json:"runId"`
	}

	if err := c.api.Post(ctx, jobPath(projectID, jobID.String(), "run"), payload, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("creating run of job %s: %w", jobID, err)
	}

	return resp.RunID, nil
}

// ListRuns returns a page of a job's runs. Zero start/limit take the
// server defaults.
func (c *JobClient) ListRuns(ctx context.Context, projectID, jobID uuid.UUID, start, limit int) (ListRunsResponse, error) {
	query := url.Values{}

	if start > 0 {
		query.Set("start", strconv.Itoa(start))
	}

	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp ListRunsResponse

	if err := c.api.Get(ctx, jobPath(projectID, jobID.String(), "run"), query, &resp); err != nil {
		return ListRunsResponse{}, fmt.Errorf("listing runs of job %s: %w", jobID, err)
	}

	return resp, nil
}

// GetRun returns a run by ID or run number.
func (c *JobClient) GetRun(ctx context.Context, projectID, jobID uuid.UUID, runIdentifier string) (Run, error) {
	var run Run

	if err := c.api.Get(ctx, jobPath(projectID, jobID.String(), "run", runIdentifier), nil, &run); err != nil {
		return Run{}, fmt.Errorf("fetching run %s of job %s: %w", runIdentifier, jobID, err)
	}

	return run, nil
}

// GetSubrun returns a subrun by ID or subrun number.
func (c *JobClient) GetSubrun(ctx context.Context, projectID, jobID uuid.UUID, runIdentifier, subrunIdentifier string) (Subrun, error) {
	var subrun Subrun

	path := jobPath(projectID, jobID.String(), "run", runIdentifier, "subrun", subrunIdentifier)

	if err := c.api.Get(ctx, path, nil, &subrun); err != nil {
		return Subrun{}, fmt.Errorf("fetching subrun %s of run %s: %w", subrunIdentifier, runIdentifier, err)
	}

	return subrun, nil
}

// CancelRun stops a queued or running run.
func (c *JobClient) CancelRun(ctx context.Context, projectID, jobID uuid.UUID, runIdentifier string) error {
	if err := c.api.Delete(ctx, jobPath(projectID, jobID.String(), "run", runIdentifier), nil, nil); err != nil {
		return fmt.Errorf("cancelling run %s of job %s: %w", runIdentifier, jobID, err)
	}

	return nil
}

func jobPath(projectID uuid.UUID, parts ...string) string {
	path := "/project/" + projectID.String() + "/job"

	for _, part := range parts {
		path += "/" + url.PathEscape(part)
	}

	return path
}
