// Package objects is the typed client for the Faculty object storage
// service. It covers object metadata, listing, namespace operations, and
// the presigned-URL contracts the transfer engine builds on: multipart
// initiation, per-part presigning, and finalization.
package objects

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/api"
)

// ServiceName is the platform service this client talks to.
const ServiceName = "hoard"

// Provider identifies the cloud storage backend behind the object store.
// The upload contract differs per provider: S3 requires multipart with
// presigned part URLs, GCS uses a single resumable upload URL.
type Provider string

const (
	ProviderS3  Provider = "S3"
	ProviderGCS Provider = "GCS"
)

// Errors translated from platform error codes.
var (
	ErrPathNotFound      = errors.New("objects: path not found")
	ErrPathAlreadyExists = errors.New("objects: path already exists")
	ErrSourceIsDirectory = errors.New("objects: source is a directory, copy recursively")
	ErrTargetIsDirectory = errors.New("objects: target is a directory, delete recursively")
)

// Object is the metadata of a single stored object.
type Object struct {
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	ETag           string    `json:"etag"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// ListResponse is one page of a listing. A non-empty NextPageToken means
// more pages remain.
type ListResponse struct {
	Objects       []Object `json:"objects"`
	NextPageToken string   `json:"nextPageToken"`
}

// PresignUpload describes how to upload to a path. For S3 the UploadID
// identifies a multipart upload whose parts are presigned individually;
// for GCS the URL accepts the whole object directly.
type PresignUpload struct {
	Provider Provider `json:"provider"`
	UploadID string   `json:"uploadId"`
	URL      string   `json:"url"`
}

// CompletedPart records one uploaded part for finalization. PartNumber
// starts from 1; ETag comes from the part upload response.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Client is the object storage service client.
type Client struct {
	api *api.Client
}

// NewClient wraps an api.Client rooted at the object storage service URL.
func NewClient(apiClient *api.Client) *Client {
	return &Client{api: apiClient}
}

// Get returns metadata for a single object.
func (c *Client) Get(ctx context.Context, projectID uuid.UUID, path string) (Object, error) {
	var obj Object

	endpoint := fmt.Sprintf("/project/%s/object/%s", projectID, escapePath(path))
	if err := c.api.Get(ctx, endpoint, nil, &obj); err != nil {
		return Object{}, translateError(err, path)
	}

	return obj, nil
}

// List returns one page of objects under prefix. Pass the returned
// NextPageToken to fetch subsequent pages.
func (c *Client) List(ctx context.Context, projectID uuid.UUID, prefix, pageToken string) (ListResponse, error) {
	endpoint := fmt.Sprintf("/project/%s/object-list/%s", projectID, escapePath(prefix))

	params := url.Values{}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var page ListResponse
	if err := c.api.Get(ctx, endpoint, params, &page); err != nil {
		return ListResponse{}, err
	}

	return page, nil
}

// CreateDirectory creates an empty placeholder object marking a directory.
// With parents, missing intermediate directories are created too.
func (c *Client) CreateDirectory(ctx context.Context, projectID uuid.UUID, path string, parents bool) error {
	endpoint := fmt.Sprintf("/project/%s/directory/%s", projectID, escapePath(path))

	err := c.api.DoJSON(ctx, api.Request{
		Method:     http.MethodPut,
		Path:       endpoint,
		Query:      url.Values{"parents": []string{boolFlag(parents)}},
		Idempotent: true,
	}, nil)

	return translateError(err, path)
}

// Copy copies source to destination within a project's datasets.
func (c *Client) Copy(ctx context.Context, projectID uuid.UUID, source, destination string, recursive bool) error {
	endpoint := fmt.Sprintf("/project/%s/object/%s", projectID, escapePath(destination))

	params := url.Values{
		"sourcePath": []string{source},
		"recursive":  []string{boolFlag(recursive)},
	}

	err := c.api.DoJSON(ctx, api.Request{
		Method: http.MethodPut,
		Path:   endpoint,
		Query:  params,
	}, nil)

	return translateError(err, source)
}

// Delete removes objects at path.
func (c *Client) Delete(ctx context.Context, projectID uuid.UUID, path string, recursive bool) error {
	endpoint := fmt.Sprintf("/project/%s/object/%s", projectID, escapePath(path))

	params := url.Values{"recursive": []string{boolFlag(recursive)}}

	return translateError(c.api.Delete(ctx, endpoint, params, nil), path)
}

type presignDownloadRequest struct {
	Path string `json:"path"`
}

type presignResponse struct {
	URL string `json:"url"`
}

// PresignDownload returns a presigned URL from which the object's content
// can be fetched directly, including with Range requests.
func (c *Client) PresignDownload(ctx context.Context, projectID uuid.UUID, path string) (string, error) {
	endpoint := fmt.Sprintf("/project/%s/presign/download", projectID)

	var resp presignResponse

	err := c.api.Post(ctx, endpoint, presignDownloadRequest{Path: path}, &resp)
	if err != nil {
		return "", translateError(err, path)
	}

	return resp.URL, nil
}

// PresignUpload initiates an upload to path. The response's Provider
// determines the follow-up contract (see PresignUpload type).
func (c *Client) PresignUpload(ctx context.Context, projectID uuid.UUID, path string) (PresignUpload, error) {
	endpoint := fmt.Sprintf("/project/%s/presign/upload", projectID)

	var resp PresignUpload

	err := c.api.Post(ctx, endpoint, presignDownloadRequest{Path: path}, &resp)
	if err != nil {
		return PresignUpload{}, translateError(err, path)
	}

	return resp, nil
}

type presignPartRequest struct {
	Path       string `json:"path"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
}

// PresignUploadPart presigns one part of an S3 multipart upload.
// Idempotent: presigning the same part twice is harmless.
func (c *Client) PresignUploadPart(
	ctx context.Context, projectID uuid.UUID, path, uploadID string, partNumber int,
) (string, error) {
	endpoint := fmt.Sprintf("/project/%s/presign/upload/part", projectID)

	var resp presignResponse

	err := c.api.DoJSON(ctx, api.Request{
		Method:     http.MethodPut,
		Path:       endpoint,
		Body:       presignPartRequest{Path: path, UploadID: uploadID, PartNumber: partNumber},
		Idempotent: true,
	}, &resp)
	if err != nil {
		return "", err
	}

	return resp.URL, nil
}

type completeUploadRequest struct {
	Path     string          `json:"path"`
	UploadID string          `json:"uploadId"`
	Parts    []CompletedPart `json:"parts"`
}

// CompleteMultipartUpload finalizes an S3 multipart upload, assembling the
// uploaded parts into the final object. Idempotent per the platform
// contract, so the transfer engine retries it.
func (c *Client) CompleteMultipartUpload(
	ctx context.Context, projectID uuid.UUID, path, uploadID string, parts []CompletedPart,
) error {
	endpoint := fmt.Sprintf("/project/%s/presign/upload/complete", projectID)

	return c.api.DoJSON(ctx, api.Request{
		Method:     http.MethodPut,
		Path:       endpoint,
		Body:       completeUploadRequest{Path: path, UploadID: uploadID, Parts: parts},
		Idempotent: true,
	}, nil)
}

// translateError maps platform error codes to package sentinels, leaving
// other errors untouched.
func translateError(err error, path string) error {
	if err == nil {
		return nil
	}

	switch api.ErrorCode(err) {
	case "object_not_found", "source_path_not_found":
		return fmt.Errorf("%w: %s", ErrPathNotFound, path)
	case "object_already_exists":
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, path)
	case "source_is_a_directory":
		return fmt.Errorf("%w: %s", ErrSourceIsDirectory, path)
	case "target_is_a_directory":
		return fmt.Errorf("%w: %s", ErrTargetIsDirectory, path)
	default:
		return err
	}
}

// escapePath URL-encodes an object path, preserving path separators.
func escapePath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
