package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // object checksums are MD5 by contract
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DownloadOption configures a single download.
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	chunkChecksums []string
	noResume       bool
}

// WithExpectedChecksums supplies per-chunk hex MD5 checksums to verify
// each chunk against as it arrives. A chunk that fails verification is
// retried on its own budget without disturbing other chunks.
func WithExpectedChecksums(checksums []string) DownloadOption {
	return func(c *downloadConfig) { c.chunkChecksums = checksums }
}

// WithoutResume discards any persisted plan for the object and starts
// the download from scratch. Callers must use it whenever the partial
// destination from the earlier attempt is gone: resuming a plan whose
// done chunks are no longer on disk would leave holes in dst.
func WithoutResume() DownloadOption {
	return func(c *downloadConfig) { c.noResume = true }
}

// Download transfers the object at path into dst using concurrent ranged
// reads. Chunks may land out of order; dst must support positional
// writes (an *os.File does). When a Store is configured, an interrupted
// download of the same object resumes, skipping chunks already done;
// dst must then still hold those chunks' bytes (see WithoutResume).
func (e *Engine) Download(ctx context.Context, projectID uuid.UUID, path string, dst io.WriterAt, opts ...DownloadOption) error {
	var cfg downloadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	obj, err := e.objects.Get(ctx, projectID, path)
	if err != nil {
		return fmt.Errorf("transfer: describing %s: %w", path, err)
	}

	downloadURL, err := e.objects.PresignDownload(ctx, projectID, path)
	if err != nil {
		return fmt.Errorf("transfer: initiating download of %s: %w", path, err)
	}

	plan := e.loadResumable(projectID, path, DirectionDownload, obj.Size)
	if plan != nil && (cfg.noResume || plan.Checksum != obj.ETag) {
		// Object replaced since the plan was made, or the caller dropped
		// the partial destination the plan's done chunks live in.
		e.forget(plan)
		plan = nil
	}

	if plan == nil {
		plan = NewPlan(projectID, path, DirectionDownload, obj.Size, e.chunkSize)
		plan.Checksum = obj.ETag
	} else {
		e.logger.Info("resuming interrupted download",
			slog.String("path", path),
			slog.Int("chunks_remaining", len(plan.Pending())),
			slog.Int("chunks_total", len(plan.Chunks)),
		)
	}

	plan.setState(StateTransferring)
	e.persist(plan)

	e.logger.Debug("downloading",
		slog.String("path", path),
		slog.Int64("size", plan.Size),
		slog.Int("chunks", len(plan.Chunks)),
	)

	if err := e.runPool(ctx, plan, func(ctx context.Context, index int) error {
		var expected string
		if index < len(cfg.chunkChecksums) {
			expected = cfg.chunkChecksums[index]
		}

		return e.downloadChunk(ctx, plan, downloadURL, dst, index, expected)
	}); err != nil {
		return err
	}

	if err := verifyAssembled(plan); err != nil {
		return e.fail(ctx, plan, err)
	}

	plan.setState(StateCompleted)
	e.forget(plan)

	e.logger.Info("download complete",
		slog.String("path", path),
		slog.Int64("size", plan.Size),
	)

	return nil
}

// downloadChunk fetches one byte range, verifies it, and writes it at its
// offset. Retries stay local to this chunk.
func (e *Engine) downloadChunk(ctx context.Context, plan *Plan, downloadURL string, dst io.WriterAt, index int, expected string) error {
	chunk := plan.Chunks[index]

	var lastErr error

	for attempt := range e.chunkAttempts {
		plan.setChunkState(index, ChunkInFlight, "", "")

		buf, err := e.getRange(ctx, downloadURL, chunk.Offset, chunk.Length)
		if err == nil {
			sum := md5.Sum(buf) //nolint:gosec // content checksum, not security
			checksum := hex.EncodeToString(sum[:])

			if expected != "" && checksum != expected {
				err = fmt.Errorf("%w: chunk %d: got %s, want %s", ErrChecksumMismatch, index, checksum, expected)
			} else if chunk.Length > 0 {
				_, err = dst.WriteAt(buf, chunk.Offset)
				if err != nil {
					err = fmt.Errorf("writing chunk %d: %w", index, err)
				}
			}

			if err == nil {
				plan.setChunkState(index, ChunkDone, checksum, "")

				e.logger.Debug("chunk downloaded",
					slog.String("path", plan.Path),
					slog.Int("chunk", index),
					slog.Int("attempt", attempt+1),
				)

				return nil
			}
		}

		lastErr = err

		plan.setChunkState(index, ChunkFailed, "", "")

		if ctx.Err() != nil {
			return err
		}

		if attempt < e.chunkAttempts-1 {
			backoff := e.calcBackoff(attempt)
			e.logger.Warn("chunk download failed, retrying",
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

// getRange GETs length bytes at offset from a presigned URL.
func (e *Engine) getRange(ctx context.Context, downloadURL string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating range request: %w", err)
	}

	if length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching range at %d: %w", offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain
		return nil, fmt.Errorf("range request returned status %d", resp.StatusCode)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("reading range at %d: %w", offset, err)
	}

	return buf, nil
}

// verifyAssembled checks the whole download against the object's declared
// checksum where the ETag format allows it: a plain MD5 for objects
// uploaded in one piece, or the S3 multipart form "md5OfPartMD5s-N" when
// the part count matches our chunk count. Other formats are skipped.
func verifyAssembled(plan *Plan) error {
	declared := strings.Trim(plan.Checksum, `"`)
	if declared == "" {
		return nil
	}

	if base, countStr, ok := strings.Cut(declared, "-"); ok {
		count, err := strconv.Atoi(countStr)
		if err != nil || count != len(plan.Chunks) {
			return nil
		}

		digests := make([]byte, 0, len(plan.Chunks)*md5.Size)

		for _, chunk := range plan.Chunks {
			raw, err := hex.DecodeString(chunk.Checksum)
			if err != nil {
				return nil
			}

			digests = append(digests, raw...)
		}

		sum := md5.Sum(digests) //nolint:gosec // S3 multipart ETag scheme
		if hex.EncodeToString(sum[:]) != base {
			return fmt.Errorf("%w: assembled object does not match ETag %s", ErrChecksumMismatch, declared)
		}

		return nil
	}

	if len(plan.Chunks) == 1 && len(declared) == md5.Size*2 {
		if plan.Chunks[0].Checksum != declared {
			return fmt.Errorf("%w: object does not match ETag %s", ErrChecksumMismatch, declared)
		}
	}

	return nil
}
