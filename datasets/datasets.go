// Package datasets is the high-level API for project datasets: listing,
// globbing, copying files and directories between the local filesystem
// and the platform object store, and in-store copy/move/remove. Bulk
// byte movement goes through the transfer engine; everything else is
// object-service metadata calls.
package datasets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/objects"
	"github.com/facultyai/faculty-go/transfer"
)

var (
	// ErrNotADirectory is returned by RmDir when the path names a file.
	ErrNotADirectory = errors.New("datasets: not a directory")
	// ErrDirectoryNotEmpty is returned by RmDir for non-empty directories.
	ErrDirectoryNotEmpty = errors.New("datasets: directory not empty")
	// ErrIsADirectory is returned when a file operation hits a directory.
	ErrIsADirectory = errors.New("datasets: is a directory")
)

// ObjectAPI is the slice of the object storage client the service needs.
// Satisfied by *objects.Client.
type ObjectAPI interface {
	Get(ctx context.Context, projectID uuid.UUID, path string) (objects.Object, error)
	List(ctx context.Context, projectID uuid.UUID, prefix, pageToken string) (objects.ListResponse, error)
	CreateDirectory(ctx context.Context, projectID uuid.UUID, path string, parents bool) error
	Copy(ctx context.Context, projectID uuid.UUID, source, destination string, recursive bool) error
	Delete(ctx context.Context, projectID uuid.UUID, path string, recursive bool) error
}

// TransferAPI is the slice of the transfer engine the service needs.
// Satisfied by *transfer.Engine.
type TransferAPI interface {
	Upload(ctx context.Context, projectID uuid.UUID, path string, content io.ReaderAt, size int64) error
	Download(ctx context.Context, projectID uuid.UUID, path string, dst io.WriterAt, opts ...transfer.DownloadOption) error
}

// Service operates on one project's datasets.
type Service struct {
	projectID uuid.UUID
	objects   ObjectAPI
	engine    TransferAPI
	logger    *slog.Logger
}

// NewService creates a datasets service for a project.
func NewService(projectID uuid.UUID, objectAPI ObjectAPI, engine TransferAPI, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		projectID: projectID,
		objects:   objectAPI,
		engine:    engine,
		logger:    logger,
	}
}

// ListOptions control List and Glob.
type ListOptions struct {
	// ShowHidden includes paths with a dot-prefixed segment.
	ShowHidden bool
}

// List returns all dataset paths under prefix, following pagination to
// the end. Hidden files (any path segment starting with ".") are
// excluded unless opts.ShowHidden is set.
func (s *Service) List(ctx context.Context, prefix string, opts ListOptions) ([]string, error) {
	var paths []string

	pageToken := ""

	for {
		page, err := s.objects.List(ctx, s.projectID, prefix, pageToken)
		if err != nil {
			return nil, fmt.Errorf("listing datasets under %s: %w", prefix, err)
		}

		for _, obj := range page.Objects {
			if !opts.ShowHidden && isHidden(obj.Path) {
				continue
			}

			paths = append(paths, obj.Path)
		}

		if page.NextPageToken == "" {
			break
		}

		pageToken = page.NextPageToken
	}

	return paths, nil
}

// Glob returns the dataset paths under prefix matching a shell-style
// pattern ("*" and "?" cross directory boundaries).
func (s *Service) Glob(ctx context.Context, pattern, prefix string, opts ListOptions) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	contents, err := s.List(ctx, prefix, opts)
	if err != nil {
		return nil, err
	}

	var matched []string

	for _, p := range contents {
		if re.MatchString(p) {
			matched = append(matched, p)
		}
	}

	return matched, nil
}

// IsDir reports whether the path names a dataset directory. Directories
// carry a trailing slash in the object store.
func (s *Service) IsDir(ctx context.Context, projectPath string) (bool, error) {
	if !strings.HasSuffix(projectPath, "/") {
		projectPath += "/"
	}

	matches, err := s.List(ctx, projectPath, ListOptions{ShowHidden: true})
	if err != nil {
		return false, err
	}

	return len(matches) > 0, nil
}

// IsFile reports whether the path names a dataset file.
func (s *Service) IsFile(ctx context.Context, projectPath string) (bool, error) {
	isDir, err := s.IsDir(ctx, projectPath)
	if err != nil || isDir {
		return false, err
	}

	matches, err := s.List(ctx, projectPath, ListOptions{ShowHidden: true})
	if err != nil {
		return false, err
	}

	want := RationalisePath(projectPath)

	for _, m := range matches {
		if m == want {
			return true, nil
		}
	}

	return false, nil
}

// Put copies a local file or directory tree into the project datasets,
// creating parent directories as needed.
func (s *Service) Put(ctx context.Context, localPath, projectPath string) error {
	if err := s.createParentDirectories(ctx, projectPath); err != nil {
		return err
	}

	return s.putRecursive(ctx, localPath, projectPath)
}

func (s *Service) putRecursive(ctx context.Context, localPath, projectPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", localPath, err)
	}

	if !info.IsDir() {
		return s.putFile(ctx, localPath, projectPath, info.Size())
	}

	if err := s.objects.CreateDirectory(ctx, s.projectID, projectPath, false); err != nil {
		return fmt.Errorf("creating dataset directory %s: %w", projectPath, err)
	}

	entries, err := os.ReadDir(localPath)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", localPath, err)
	}

	for _, entry := range entries {
		err := s.putRecursive(ctx,
			filepath.Join(localPath, entry.Name()),
			path.Join(projectPath, entry.Name()),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) putFile(ctx context.Context, localPath, projectPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	s.logger.Debug("uploading dataset file",
		slog.String("local", localPath),
		slog.String("remote", projectPath),
		slog.Int64("size", size),
	)

	return s.engine.Upload(ctx, s.projectID, RationalisePath(projectPath), f, size)
}

// Get copies a dataset file or directory tree to the local filesystem.
func (s *Service) Get(ctx context.Context, projectPath, localPath string) error {
	isDir, err := s.IsDir(ctx, projectPath)
	if err != nil {
		return err
	}

	if isDir {
		return s.getDirectory(ctx, projectPath, localPath)
	}

	return s.getFile(ctx, projectPath, localPath)
}

func (s *Service) getFile(ctx context.Context, projectPath, localPath string) error {
	if strings.HasSuffix(localPath, string(os.PathSeparator)) || strings.HasSuffix(localPath, "/") {
		return fmt.Errorf(
			"source %s is a file but destination %s indicates a directory", projectPath, localPath,
		)
	}

	// Stage into a partial file beside the destination. It survives a
	// failed attempt so the engine's persisted plan can resume against
	// the chunks already on disk; the destination only appears once the
	// download completes.
	partPath := localPath + ".part"

	var opts []transfer.DownloadOption
	if _, err := os.Stat(partPath); err != nil {
		// No partial from an earlier attempt: a persisted plan's done
		// chunks refer to bytes that no longer exist locally.
		opts = append(opts, transfer.WithoutResume())
	}

	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", partPath, err)
	}

	s.logger.Debug("downloading dataset file",
		slog.String("remote", projectPath),
		slog.String("local", localPath),
	)

	if err := s.engine.Download(ctx, s.projectID, RationalisePath(projectPath), f, opts...); err != nil {
		f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", partPath, err)
	}

	if err := os.Rename(partPath, localPath); err != nil {
		return fmt.Errorf("moving %s into place: %w", partPath, err)
	}

	return nil
}

func (s *Service) getDirectory(ctx context.Context, projectPath, localPath string) error {
	parent := filepath.Dir(localPath)
	if _, err := os.Stat(parent); err != nil {
		return fmt.Errorf("no such directory %s: %w", parent, err)
	}

	contents, err := s.List(ctx, projectPath, ListOptions{ShowHidden: true})
	if err != nil {
		return err
	}

	for _, objectPath := range contents {
		rel, err := RelativePath(projectPath, objectPath)
		if err != nil {
			return err
		}

		dest := filepath.Join(localPath, filepath.FromSlash(rel))

		// A trailing slash marks a directory object.
		if strings.HasSuffix(objectPath, "/") {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dest, err)
			}

			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
		}

		if err := s.getFile(ctx, objectPath, dest); err != nil {
			return err
		}
	}

	return nil
}

// Open downloads a dataset file to a temporary location and returns a
// reader over it. Closing the reader removes the temporary file.
func (s *Service) Open(ctx context.Context, projectPath string) (io.ReadCloser, error) {
	isDir, err := s.IsDir(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	if isDir {
		return nil, fmt.Errorf("opening %s: %w", projectPath, ErrIsADirectory)
	}

	tmpDir, err := os.MkdirTemp("", ".faculty-datasets-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, path.Base(projectPath))

	if err := s.getFile(ctx, projectPath, localPath); err != nil {
		os.RemoveAll(tmpDir)

		return nil, err
	}

	f, err := os.Open(localPath)
	if err != nil {
		os.RemoveAll(tmpDir)

		return nil, fmt.Errorf("opening %s: %w", localPath, err)
	}

	return &tempFileReader{File: f, dir: tmpDir}, nil
}

type tempFileReader struct {
	*os.File
	dir string
}

func (r *tempFileReader) Close() error {
	err := r.File.Close()
	os.RemoveAll(r.dir)

	return err
}

// Cp copies a file or directory within the project datasets. Directories
// require recursive.
func (s *Service) Cp(ctx context.Context, sourcePath, destinationPath string, recursive bool) error {
	if err := s.createParentDirectories(ctx, destinationPath); err != nil {
		return err
	}

	if err := s.objects.Copy(ctx, s.projectID, sourcePath, destinationPath, recursive); err != nil {
		return fmt.Errorf("copying %s to %s: %w", sourcePath, destinationPath, err)
	}

	return nil
}

// Mv moves a file or directory within the project datasets: a recursive
// copy followed by a recursive delete of the source. Moving a path onto
// itself is a no-op.
func (s *Service) Mv(ctx context.Context, sourcePath, destinationPath string) error {
	if sourcePath == destinationPath {
		return nil
	}

	if err := s.Cp(ctx, sourcePath, destinationPath, true); err != nil {
		return err
	}

	return s.Rm(ctx, sourcePath, true)
}

// Rm removes a file or directory from the project datasets. Directories
// require recursive.
func (s *Service) Rm(ctx context.Context, projectPath string, recursive bool) error {
	if err := s.objects.Delete(ctx, s.projectID, projectPath, recursive); err != nil {
		return fmt.Errorf("removing %s: %w", projectPath, err)
	}

	return nil
}

// RmDir removes an empty dataset directory. It refuses files, missing
// paths, and non-empty directories.
func (s *Service) RmDir(ctx context.Context, projectPath string) error {
	contents, err := s.List(ctx, projectPath, ListOptions{ShowHidden: true})
	if err != nil {
		return err
	}

	asFile := strings.TrimRight(RationalisePath(projectPath), "/")
	asDir := asFile + "/"

	switch {
	case len(contents) == 1 && contents[0] == asDir:
		return s.Rm(ctx, asDir, true)
	case len(contents) == 1 && contents[0] == asFile:
		return fmt.Errorf("%w: %s", ErrNotADirectory, projectPath)
	case !containsPath(contents, asDir):
		return fmt.Errorf("removing %s: %w", projectPath, objects.ErrPathNotFound)
	default:
		return fmt.Errorf("%w: %s", ErrDirectoryNotEmpty, projectPath)
	}
}

// Etag returns the current version identifier of a dataset file.
func (s *Service) Etag(ctx context.Context, projectPath string) (string, error) {
	obj, err := s.objects.Get(ctx, s.projectID, projectPath)
	if err != nil {
		return "", fmt.Errorf("describing %s: %w", projectPath, err)
	}

	return obj.ETag, nil
}

func (s *Service) createParentDirectories(ctx context.Context, projectPath string) error {
	parent := path.Dir(RationalisePath(projectPath))

	if err := s.objects.CreateDirectory(ctx, s.projectID, parent, true); err != nil {
		return fmt.Errorf("creating parent directories of %s: %w", projectPath, err)
	}

	return nil
}

func isHidden(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}

	return false
}

func containsPath(paths []string, want string) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}

	return false
}
