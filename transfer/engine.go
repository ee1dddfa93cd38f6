package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 part checksums are MD5 by contract
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/facultyai/faculty-go/objects"
)

// Engine defaults.
const (
	defaultWorkers       = 4
	defaultChunkAttempts = 3
	defaultBaseBackoff   = 500 * time.Millisecond
	defaultMaxBackoff    = 20 * time.Second
	backoffFactor        = 2.0
	jitterFraction       = 0.25
)

// ObjectAPI is the slice of the object storage client the engine needs.
// Satisfied by *objects.Client.
type ObjectAPI interface {
	Get(ctx context.Context, projectID uuid.UUID, path string) (objects.Object, error)
	PresignDownload(ctx context.Context, projectID uuid.UUID, path string) (string, error)
	PresignUpload(ctx context.Context, projectID uuid.UUID, path string) (objects.PresignUpload, error)
	PresignUploadPart(ctx context.Context, projectID uuid.UUID, path, uploadID string, partNumber int) (string, error)
	CompleteMultipartUpload(ctx context.Context, projectID uuid.UUID, path, uploadID string, parts []objects.CompletedPart) error
}

// Engine performs chunked object transfers against presigned storage
// URLs. Requests to those URLs carry no bearer token; only the presign
// calls themselves go through the authenticated object client.
type Engine struct {
	objects    ObjectAPI
	httpClient *http.Client
	logger     *slog.Logger
	store      *Store

	workers       int
	chunkSize     int64
	chunkAttempts int
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	// sleepFunc waits between chunk retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for presigned storage requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStore enables plan persistence so interrupted transfers resume
// across processes.
func WithStore(store *Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithWorkers bounds chunk concurrency.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithChunkSize fixes the chunk size instead of deriving it from the
// object size.
func WithChunkSize(size int64) Option {
	return func(e *Engine) { e.chunkSize = size }
}

// WithChunkAttempts sets the per-chunk attempt budget (initial try
// included).
func WithChunkAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkAttempts = n
		}
	}
}

// New creates a transfer engine over the given object storage API.
func New(objectAPI ObjectAPI, opts ...Option) *Engine {
	e := &Engine{
		objects:       objectAPI,
		httpClient:    http.DefaultClient,
		logger:        slog.Default(),
		workers:       defaultWorkers,
		chunkAttempts: defaultChunkAttempts,
		baseBackoff:   defaultBaseBackoff,
		maxBackoff:    defaultMaxBackoff,
		sleepFunc:     sleepContext,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Upload transfers size bytes from content to the object at path. Large
// objects are split into parts uploaded concurrently; a failed part is
// retried alone without re-uploading completed parts. When a Store is
// configured, an interrupted upload of the same object is resumed,
// skipping parts already done. On terminal failure the returned error is
// a *Error carrying the plan.
func (e *Engine) Upload(ctx context.Context, projectID uuid.UUID, path string, content io.ReaderAt, size int64) error {
	plan := e.loadResumable(projectID, path, DirectionUpload, size)
	if plan != nil && !matchesContent(plan, content) {
		// Local content changed in place since the plan was made; the
		// parts already uploaded no longer describe this file.
		e.forget(plan)
		plan = nil
	}

	if plan == nil {
		presign, err := e.objects.PresignUpload(ctx, projectID, path)
		if err != nil {
			return fmt.Errorf("transfer: initiating upload of %s: %w", path, err)
		}

		plan = NewPlan(projectID, path, DirectionUpload, size, e.chunkSize)

		switch presign.Provider {
		case objects.ProviderS3:
			plan.UploadID = presign.UploadID
		case objects.ProviderGCS:
			// GCS takes serial resumable PUTs against one presigned URL;
			// the URL is ephemeral, so these plans are not persisted.
			return e.gcsUpload(ctx, plan, presign.URL, content)
		default:
			return fmt.Errorf("transfer: unsupported storage provider %q", presign.Provider)
		}
	} else {
		e.logger.Info("resuming interrupted upload",
			slog.String("path", path),
			slog.Int("chunks_remaining", len(plan.Pending())),
			slog.Int("chunks_total", len(plan.Chunks)),
		)
	}

	return e.ResumeUpload(ctx, plan, content)
}

// ResumeUpload runs (or re-runs) the multipart upload described by plan,
// transferring only chunks not yet done, then finalizes.
func (e *Engine) ResumeUpload(ctx context.Context, plan *Plan, content io.ReaderAt) error {
	plan.setState(StateTransferring)
	e.persist(plan)

	e.logger.Debug("uploading",
		slog.String("path", plan.Path),
		slog.Int64("size", plan.Size),
		slog.Int64("chunk_size", plan.ChunkSize),
		slog.Int("chunks", len(plan.Chunks)),
	)

	if err := e.runPool(ctx, plan, func(ctx context.Context, index int) error {
		return e.uploadChunk(ctx, plan, content, index)
	}); err != nil {
		return err
	}

	// Finalize. The complete call is idempotent and internally retried
	// by the api client; a terminal failure still leaves the plan
	// resumable because all parts are recorded done.
	if err := e.objects.CompleteMultipartUpload(
		ctx, plan.ProjectID, plan.Path, plan.UploadID, plan.CompletedParts(),
	); err != nil {
		return e.fail(ctx, plan, fmt.Errorf("finalizing upload: %w", err))
	}

	plan.setState(StateCompleted)
	e.forget(plan)

	e.logger.Info("upload complete",
		slog.String("path", plan.Path),
		slog.Int64("size", plan.Size),
	)

	return nil
}

// runPool dispatches pending chunks to a bounded worker pool. The first
// chunk to exhaust its retry budget cancels the rest; completed chunk
// state is persisted as it happens so the plan stays resumable.
func (e *Engine) runPool(ctx context.Context, plan *Plan, transferChunk func(context.Context, int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, index := range plan.Pending() {
		g.Go(func() error {
			if err := transferChunk(gctx, index); err != nil {
				return err
			}

			e.persist(plan)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return e.fail(ctx, plan, err)
	}

	return nil
}

// uploadChunk transfers one part, retrying on its own budget with backoff.
// Succeeded parts elsewhere are unaffected by this chunk's failures.
func (e *Engine) uploadChunk(ctx context.Context, plan *Plan, content io.ReaderAt, index int) error {
	chunk := plan.Chunks[index]

	buf := make([]byte, chunk.Length)
	if chunk.Length > 0 {
		if _, err := content.ReadAt(buf, chunk.Offset); err != nil {
			return fmt.Errorf("reading chunk %d: %w", index, err)
		}
	}

	sum := md5.Sum(buf) //nolint:gosec // S3 Content-MD5 contract
	checksum := hex.EncodeToString(sum[:])

	var lastErr error

	for attempt := range e.chunkAttempts {
		plan.setChunkState(index, ChunkInFlight, "", "")

		etag, err := e.putPart(ctx, plan, index, buf, sum[:])
		if err == nil {
			plan.setChunkState(index, ChunkDone, checksum, etag)

			e.logger.Debug("chunk uploaded",
				slog.String("path", plan.Path),
				slog.Int("chunk", index),
				slog.Int("attempt", attempt+1),
			)

			return nil
		}

		lastErr = err

		plan.setChunkState(index, ChunkFailed, "", "")

		if ctx.Err() != nil {
			return err
		}

		if attempt < e.chunkAttempts-1 {
			backoff := e.calcBackoff(attempt)
			e.logger.Warn("chunk upload failed, retrying",
				slog.String("path", plan.Path),
				slog.Int("chunk", index),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := e.sleepFunc(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
		}
	}

	return fmt.Errorf("chunk %d failed after %d attempts: %w", index, e.chunkAttempts, lastErr)
}

// putPart presigns and PUTs one part, returning the backend's ETag.
func (e *Engine) putPart(ctx context.Context, plan *Plan, index int, body, md5sum []byte) (string, error) {
	partURL, err := e.objects.PresignUploadPart(ctx, plan.ProjectID, plan.Path, plan.UploadID, index+1)
	if err != nil {
		return "", fmt.Errorf("presigning part %d: %w", index+1, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, partURL, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("creating part request: %w", err)
	}

	req.ContentLength = int64(len(body))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5sum))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading part %d: %w", index+1, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", fmt.Errorf("draining part response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("part %d upload returned status %d", index+1, resp.StatusCode)
	}

	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// gcsUpload streams chunks serially to a GCS resumable upload URL using
// Content-Range. The final chunk declares the total size; intermediate
// chunks use "*" so the backend keeps the session open.
func (e *Engine) gcsUpload(ctx context.Context, plan *Plan, uploadURL string, content io.ReaderAt) error {
	plan.setState(StateTransferring)

	for index := range plan.Chunks {
		chunk := plan.Chunks[index]

		buf := make([]byte, chunk.Length)
		if chunk.Length > 0 {
			if _, err := content.ReadAt(buf, chunk.Offset); err != nil {
				return e.fail(ctx, plan, fmt.Errorf("reading chunk %d: %w", index, err))
			}
		}

		last := index == len(plan.Chunks)-1

		if err := e.putGCSChunk(ctx, plan, index, uploadURL, buf, last); err != nil {
			return e.fail(ctx, plan, err)
		}
	}

	plan.setState(StateCompleted)

	e.logger.Info("upload complete",
		slog.String("path", plan.Path),
		slog.Int64("size", plan.Size),
	)

	return nil
}

// putGCSChunk uploads one chunk of a GCS resumable upload with retry.
// GCS answers 308 for accepted intermediate chunks.
func (e *Engine) putGCSChunk(ctx context.Context, plan *Plan, index int, uploadURL string, body []byte, last bool) error {
	chunk := plan.Chunks[index]

	total := "*"
	if last {
		total = fmt.Sprintf("%d", plan.Size)
	}

	var lastErr error

	for attempt := range e.chunkAttempts {
		plan.setChunkState(index, ChunkInFlight, "", "")

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, strings.NewReader(string(body)))
		if err != nil {
			return fmt.Errorf("creating chunk request: %w", err)
		}

		req.ContentLength = int64(len(body))

		// An empty first-and-only chunk sends no Content-Range; GCS
		// rejects "bytes 0--1/0".
		if len(body) > 0 || chunk.Offset > 0 {
			req.Header.Set("Content-Range", fmt.Sprintf(
				"bytes %d-%d/%s", chunk.Offset, chunk.Offset+int64(len(body))-1, total,
			))
		}

		resp, err := e.httpClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain
			resp.Body.Close()

			accepted := resp.StatusCode == http.StatusOK ||
				resp.StatusCode == http.StatusCreated ||
				resp.StatusCode == http.StatusPermanentRedirect // 308 Resume Incomplete

			if accepted {
				sum := md5.Sum(body) //nolint:gosec // content checksum, not security
				plan.setChunkState(index, ChunkDone, hex.EncodeToString(sum[:]), "")

				return nil
			}

			err = fmt.Errorf("chunk %d upload returned status %d", index, resp.StatusCode)
		}

		lastErr = err

		plan.setChunkState(index, ChunkFailed, "", "")

		if ctx.Err() != nil {
			return err
		}

		if attempt < e.chunkAttempts-1 {
			if sleepErr := e.sleepFunc(ctx, e.calcBackoff(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
	}

	return fmt.Errorf("chunk %d failed after %d attempts: %w", index, e.chunkAttempts, lastErr)
}

// fail records the terminal state of a transfer — cancelled when the
// caller's context ended it, failed otherwise — persists the plan for
// resume, and wraps the cause with the plan attached.
func (e *Engine) fail(ctx context.Context, plan *Plan, cause error) error {
	if ctx.Err() != nil {
		plan.setState(StateCancelled)
	} else {
		plan.setState(StateFailed)
	}

	e.persist(plan)

	return &Error{Plan: plan, Err: cause}
}

// loadResumable fetches a persisted plan for the same object, discarding
// it if the object size changed since the plan was made.
func (e *Engine) loadResumable(projectID uuid.UUID, path string, direction Direction, size int64) *Plan {
	if e.store == nil {
		return nil
	}

	plan, err := e.store.Load(projectID, path, direction)
	if err != nil {
		e.logger.Warn("could not load persisted transfer plan",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if plan == nil {
		return nil
	}

	if plan.Size != size {
		// Object changed; the old plan no longer partitions it.
		e.forget(plan)
		return nil
	}

	return plan
}

// matchesContent reports whether every done chunk's recorded checksum
// still matches the local content at its byte range.
func matchesContent(plan *Plan, content io.ReaderAt) bool {
	for i := range plan.Chunks {
		chunk := plan.Chunks[i]
		if chunk.State != ChunkDone || chunk.Checksum == "" {
			continue
		}

		buf := make([]byte, chunk.Length)
		if chunk.Length > 0 {
			if _, err := content.ReadAt(buf, chunk.Offset); err != nil {
				return false
			}
		}

		sum := md5.Sum(buf) //nolint:gosec // content checksum, not security
		if hex.EncodeToString(sum[:]) != chunk.Checksum {
			return false
		}
	}

	return true
}

// persist saves the plan when a store is configured. Persistence failures
// degrade resume, not the transfer itself.
func (e *Engine) persist(plan *Plan) {
	if e.store == nil {
		return
	}

	if err := e.store.Save(plan); err != nil {
		e.logger.Warn("failed to persist transfer plan",
			slog.String("path", plan.Path),
			slog.String("error", err.Error()),
		)
	}
}

// forget drops the persisted plan after completion or invalidation.
func (e *Engine) forget(plan *Plan) {
	if e.store == nil {
		return
	}

	if err := e.store.Delete(plan.ProjectID, plan.Path, plan.Direction); err != nil {
		e.logger.Warn("failed to delete transfer plan",
			slog.String("path", plan.Path),
			slog.String("error", err.Error()),
		)
	}
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (e *Engine) calcBackoff(attempt int) time.Duration {
	backoff := float64(e.baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(e.maxBackoff) {
		backoff = float64(e.maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// sleepContext waits for d or until the context is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
