package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // checksums under test are MD5 by contract
	"encoding/hex"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facultyai/faculty-go/objects"
)

// memWriterAt collects positional writes into a fixed-size buffer.
type memWriterAt struct {
	mu  sync.Mutex
	buf []byte
}

func newMemWriterAt(size int64) *memWriterAt {
	return &memWriterAt{buf: make([]byte, size)}
}

func (w *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return copy(w.buf[off:], p), nil
}

// multipartETag builds the S3 multipart ETag for content split into
// chunkSize pieces: md5 of the concatenated part digests, dash, count.
func multipartETag(content []byte, chunkSize int) string {
	var digests []byte

	count := 0

	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}

		sum := md5.Sum(content[off:end]) //nolint:gosec // test checksum
		digests = append(digests, sum[:]...)
		count++
	}

	sum := md5.Sum(digests) //nolint:gosec // test checksum
	return hex.EncodeToString(sum[:]) + "-" + strconv.Itoa(count)
}

func downloadEngine(t *testing.T, content []byte, etag string, opts ...Option) (*Engine, *fakeObjectAPI, *fakeStorage) {
	t.Helper()

	engine, fake, storage := testEngine(t, opts...)

	storage.mu.Lock()
	storage.object = content
	storage.mu.Unlock()

	fake.object = objects.Object{
		Path: "/data/file",
		Size: int64(len(content)),
		ETag: etag,
	}

	return engine, fake, storage
}

func TestDownloadSingleChunk(t *testing.T) {
	content := []byte("abc")

	engine, _, _ := downloadEngine(t, content, md5hex(content))

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(context.Background(), uuid.New(), "/data/file", dst))
	assert.Equal(t, content, dst.buf)
}

func TestDownloadMultiChunk(t *testing.T) {
	content := []byte("abcdefghijklmnopq") // 5 chunks of 4

	engine, _, storage := downloadEngine(t, content, multipartETag(content, 4))

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(context.Background(), uuid.New(), "/data/file", dst))
	assert.Equal(t, content, dst.buf)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Len(t, storage.rangeRequests, 5)
	assert.Contains(t, storage.rangeRequests, "bytes=16-16")
}

func TestDownloadRetriesFailedRange(t *testing.T) {
	content := []byte("abcdefgh")

	engine, _, storage := downloadEngine(t, content, multipartETag(content, 4))
	storage.failNext("range-4", 2)

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(context.Background(), uuid.New(), "/data/file", dst))
	assert.Equal(t, content, dst.buf)
}

func TestDownloadChecksumMismatch(t *testing.T) {
	content := []byte("abcdefgh")

	engine, _, _ := downloadEngine(t, content, multipartETag(content, 4))

	wrong := []string{md5hex(content[:4]), md5hex([]byte("tampered"))}

	dst := newMemWriterAt(int64(len(content)))

	err := engine.Download(context.Background(), uuid.New(), "/data/file", dst, WithExpectedChecksums(wrong))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	var transferErr *Error
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, StateFailed, transferErr.Plan.State)
}

func TestDownloadVerifiesExpectedChecksums(t *testing.T) {
	content := []byte("abcdefgh")

	engine, _, _ := downloadEngine(t, content, multipartETag(content, 4))

	expected := []string{md5hex(content[:4]), md5hex(content[4:])}

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(
		context.Background(), uuid.New(), "/data/file", dst, WithExpectedChecksums(expected),
	))
	assert.Equal(t, content, dst.buf)
}

func TestDownloadResumesPersistedPlan(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	content := []byte("abcdefgh")
	etag := "resume-etag" // opaque: whole-object verification is skipped

	engine, _, storage := downloadEngine(t, content, etag, WithStore(store))

	projectID := uuid.New()

	// A previous process fetched the first chunk and was interrupted.
	plan := NewPlan(projectID, "/data/file", DirectionDownload, int64(len(content)), 4)
	plan.Checksum = etag
	plan.setChunkState(0, ChunkDone, md5hex(content[:4]), "")
	require.NoError(t, store.Save(plan))

	dst := newMemWriterAt(int64(len(content)))
	copy(dst.buf, content[:4]) // already on disk from the earlier attempt

	require.NoError(t, engine.Download(context.Background(), projectID, "/data/file", dst))
	assert.Equal(t, content, dst.buf)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Equal(t, []string{"bytes=4-7"}, storage.rangeRequests, "done chunks are not refetched")
}

func TestDownloadWithoutResumeRefetchesDoneChunks(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	content := []byte("abcdefgh")
	etag := "resume-etag"

	engine, _, storage := downloadEngine(t, content, etag, WithStore(store))

	projectID := uuid.New()

	// A previous attempt fetched the first chunk, but its partial
	// destination is gone; the new dst is all zeroes.
	plan := NewPlan(projectID, "/data/file", DirectionDownload, int64(len(content)), 4)
	plan.Checksum = etag
	plan.setChunkState(0, ChunkDone, md5hex(content[:4]), "")
	require.NoError(t, store.Save(plan))

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(context.Background(), projectID, "/data/file", dst, WithoutResume()))

	// Skipping the "done" chunk here would leave a zero-filled hole.
	assert.Equal(t, content, dst.buf)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Len(t, storage.rangeRequests, 2, "every chunk is fetched into the fresh destination")
}

func TestDownloadDiscardsPlanWhenObjectReplaced(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	content := []byte("abcdefgh")

	engine, _, storage := downloadEngine(t, content, "new-etag", WithStore(store))

	projectID := uuid.New()

	stale := NewPlan(projectID, "/data/file", DirectionDownload, int64(len(content)), 4)
	stale.Checksum = "old-etag"
	stale.setChunkState(0, ChunkDone, md5hex(content[:4]), "")
	require.NoError(t, store.Save(stale))

	dst := newMemWriterAt(int64(len(content)))
	require.NoError(t, engine.Download(context.Background(), projectID, "/data/file", dst))
	assert.Equal(t, content, dst.buf)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Len(t, storage.rangeRequests, 2, "a replaced object is fetched in full")
}

func TestDownloadEmptyObject(t *testing.T) {
	engine, _, _ := downloadEngine(t, nil, "")

	dst := newMemWriterAt(0)
	require.NoError(t, engine.Download(context.Background(), uuid.New(), "/data/empty", dst))
}

func TestVerifyAssembled(t *testing.T) {
	content := []byte("abcdefgh")

	t.Run("single chunk match", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 16)
		plan.Checksum = md5hex(content)
		plan.setChunkState(0, ChunkDone, md5hex(content), "")

		assert.NoError(t, verifyAssembled(plan))
	})

	t.Run("single chunk mismatch", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 16)
		plan.Checksum = md5hex(content)
		plan.setChunkState(0, ChunkDone, md5hex([]byte("other")), "")

		assert.ErrorIs(t, verifyAssembled(plan), ErrChecksumMismatch)
	})

	t.Run("multipart match", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 4)
		plan.Checksum = multipartETag(content, 4)
		plan.setChunkState(0, ChunkDone, md5hex(content[:4]), "")
		plan.setChunkState(1, ChunkDone, md5hex(content[4:]), "")

		assert.NoError(t, verifyAssembled(plan))
	})

	t.Run("multipart mismatch", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 4)
		plan.Checksum = multipartETag(content, 4)
		plan.setChunkState(0, ChunkDone, md5hex(content[:4]), "")
		plan.setChunkState(1, ChunkDone, md5hex([]byte("tampered")), "")

		assert.ErrorIs(t, verifyAssembled(plan), ErrChecksumMismatch)
	})

	t.Run("part count mismatch skipped", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 4)
		plan.Checksum = "deadbeef-7"

		assert.NoError(t, verifyAssembled(plan))
	})

	t.Run("opaque etag skipped", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 4)
		plan.Checksum = "not-an-md5-format"

		assert.NoError(t, verifyAssembled(plan))
	})

	t.Run("no declared checksum", func(t *testing.T) {
		plan := NewPlan(uuid.New(), "/f", DirectionDownload, 8, 4)

		assert.NoError(t, verifyAssembled(plan))
	})
}
