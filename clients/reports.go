package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ReportService is the platform service name for published reports.
const ReportService = "tavern"

// ReportVersion is one published version of a report. The report service
// uses snake_case keys on the wire.
type ReportVersion struct {
	ID           uuid.UUID `json:"version_id"`
	CreatedAt    time.Time `json:"created_at"`
	AuthorID     uuid.UUID `json:"author_id"`
	ReportPath   string    `json:"report_path"`
	NotebookPath string    `json:"notebook_path"`
}

// Report is a published report with its active version.
type Report struct {
	ID            uuid.UUID     `json:"report_id"`
	Name          string        `json:"report_name"`
	Description   string        `json:"description"`
	CreatedAt     time.Time     `json:"created_at"`
	ActiveVersion ReportVersion `json:"active_version"`
}

// ReportWithVersions is a report together with its full version history.
type ReportWithVersions struct {
	ID              uuid.UUID       `json:"report_id"`
	Name            string          `json:"report_name"`
	Description     string          `json:"description"`
	CreatedAt       time.Time       `json:"created_at"`
	ActiveVersionID uuid.UUID       `json:"active_version_id"`
	Versions        []ReportVersion `json:"versions"`
}

// ReportClient accesses the report service.
type ReportClient struct {
	api *api.Client
}

// NewReportClient creates a report client over an api.Client rooted at
// the report service URL.
func NewReportClient(apiClient *api.Client) *ReportClient {
	return &ReportClient{api: apiClient}
}

// List returns the reports in a project.
func (c *ReportClient) List(ctx context.Context, projectID uuid.UUID) ([]Report, error) {
	var reports []Report

	if err := c.api.Get(ctx, "/project/"+projectID.String(), nil, &reports); err != nil {
		return nil, fmt.Errorf("listing reports in project %s: %w", projectID, err)
	}

	return reports, nil
}

// Get returns a report with its active version.
func (c *ReportClient) Get(ctx context.Context, reportID uuid.UUID) (Report, error) {
	var report Report

	if err := c.api.Get(ctx, "/report/"+reportID.String()+"/active", nil, &report); err != nil {
		return Report{}, fmt.Errorf("fetching report %s: %w", reportID, err)
	}

	return report, nil
}

// GetWithVersions returns a report with all of its versions.
func (c *ReportClient) GetWithVersions(ctx context.Context, reportID uuid.UUID) (ReportWithVersions, error) {
	var report ReportWithVersions

	if err := c.api.Get(ctx, "/report/"+reportID.String()+"/versions", nil, &report); err != nil {
		return ReportWithVersions{}, fmt.Errorf("fetching report %s versions: %w", reportID, err)
	}

	return report, nil
}

// Create publishes a notebook as a new report. notebookPath is relative
// to the project root.
func (c *ReportClient) Create(ctx context.Context, projectID uuid.UUID, name, notebookPath string, authorID uuid.UUID, description string, showCode bool) (Report, error) {
	payload := map[string]any{
		"report_name":      name,
		"author_id":        authorID,
		"notebook_path":    notebookPath,
		"description":      description,
		"show_input_cells": showCode,
	}

	var report Report

	if err := c.api.Post(ctx, "/project/"+projectID.String(), payload, &report); err != nil {
		return Report{}, fmt.Errorf("creating report %q: %w", name, err)
	}

	return report, nil
}

// CreateVersion publishes a new version of an existing report.
func (c *ReportClient) CreateVersion(ctx context.Context, reportID uuid.UUID, notebookPath string, authorID uuid.UUID, showCode bool) (ReportVersion, error) {
	payload := map[string]any{
		"notebook_path":    notebookPath,
		"author_id":        authorID,
		"show_input_cells": showCode,
		"draft":            false,
	}

	var version ReportVersion

	if err := c.api.Post(ctx, "/report/"+reportID.String()+"/version", payload, &version); err != nil {
		return ReportVersion{}, fmt.Errorf("creating version of report %s: %w", reportID, err)
	}

	return version, nil
}
