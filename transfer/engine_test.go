package transfer

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // checksums under test are MD5 by contract
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facultyai/faculty-go/objects"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec // test checksum
	return hex.EncodeToString(sum[:])
}

// fakeStorage is an in-memory stand-in for the cloud storage backend
// behind presigned URLs: multipart part PUTs, ranged GETs, and GCS
// resumable PUTs.
type fakeStorage struct {
	server *httptest.Server

	mu            sync.Mutex
	parts         map[int][]byte
	partPuts      map[int]int
	object        []byte
	gcsBuf        []byte
	contentRanges []string
	failures      map[string]int
	rangeRequests []string
}

func newFakeStorage(t *testing.T) *fakeStorage {
	t.Helper()

	s := &fakeStorage{
		parts:    map[int][]byte{},
		partPuts: map[int]int{},
		failures: map[string]int{},
	}

	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)

	return s
}

// failNext makes the next n requests matching key return 500.
func (s *fakeStorage) failNext(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[key] += n
}

func (s *fakeStorage) shouldFail(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures[key] > 0 {
		s.failures[key]--

		return true
	}

	return false
}

func (s *fakeStorage) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/part/"):
		s.handlePart(w, r)
	case r.URL.Path == "/object":
		s.handleRange(w, r)
	case r.URL.Path == "/gcs":
		s.handleGCS(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeStorage) handlePart(w http.ResponseWriter, r *http.Request) {
	partNumber, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/part/"))
	if err != nil || r.Method != http.MethodPut {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	s.partPuts[partNumber]++
	s.mu.Unlock()

	if s.shouldFail(fmt.Sprintf("part-%d", partNumber)) {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	s.mu.Lock()
	s.parts[partNumber] = body
	s.mu.Unlock()

	w.Header().Set("ETag", `"`+md5hex(body)+`"`)
}

func (s *fakeStorage) handleRange(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	object := s.object
	s.mu.Unlock()

	rangeHeader := r.Header.Get("Range")

	s.mu.Lock()
	s.rangeRequests = append(s.rangeRequests, rangeHeader)
	s.mu.Unlock()

	if rangeHeader == "" {
		w.Write(object) //nolint:errcheck // test server
		return
	}

	var start, end int64
	if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if s.shouldFail(fmt.Sprintf("range-%d", start)) {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	if end >= int64(len(object)) {
		end = int64(len(object)) - 1
	}

	w.WriteHeader(http.StatusPartialContent)
	w.Write(object[start : end+1]) //nolint:errcheck // test server
}

func (s *fakeStorage) handleGCS(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	contentRange := r.Header.Get("Content-Range")

	s.mu.Lock()
	s.gcsBuf = append(s.gcsBuf, body...)
	s.contentRanges = append(s.contentRanges, contentRange)
	s.mu.Unlock()

	// The final chunk declares the total size instead of "*".
	if contentRange == "" || !strings.HasSuffix(contentRange, "/*") {
		w.WriteHeader(http.StatusOK)

		return
	}

	w.WriteHeader(http.StatusPermanentRedirect)
}

// assembled joins stored parts in part-number order.
func (s *fakeStorage) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	numbers := make([]int, 0, len(s.parts))
	for n := range s.parts {
		numbers = append(numbers, n)
	}

	sort.Ints(numbers)

	var buf bytes.Buffer
	for _, n := range numbers {
		buf.Write(s.parts[n])
	}

	return buf.Bytes()
}

// fakeObjectAPI implements ObjectAPI against a fakeStorage.
type fakeObjectAPI struct {
	storage  *fakeStorage
	provider objects.Provider
	object   objects.Object
	getErr   error

	completeErr error

	presignUploadCalls atomic.Int64

	mu             sync.Mutex
	completedParts []objects.CompletedPart
	completeCalls  int
}

func (f *fakeObjectAPI) Get(_ context.Context, _ uuid.UUID, _ string) (objects.Object, error) {
	return f.object, f.getErr
}

func (f *fakeObjectAPI) PresignDownload(_ context.Context, _ uuid.UUID, _ string) (string, error) {
	return f.storage.server.URL + "/object", nil
}

func (f *fakeObjectAPI) PresignUpload(_ context.Context, _ uuid.UUID, _ string) (objects.PresignUpload, error) {
	f.presignUploadCalls.Add(1)

	if f.provider == objects.ProviderGCS {
		return objects.PresignUpload{
			Provider: objects.ProviderGCS,
			URL:      f.storage.server.URL + "/gcs",
		}, nil
	}

	return objects.PresignUpload{
		Provider: objects.ProviderS3,
		UploadID: "upload-1",
	}, nil
}

func (f *fakeObjectAPI) PresignUploadPart(
	_ context.Context, _ uuid.UUID, _, _ string, partNumber int,
) (string, error) {
	return fmt.Sprintf("%s/part/%d", f.storage.server.URL, partNumber), nil
}

func (f *fakeObjectAPI) CompleteMultipartUpload(
	_ context.Context, _ uuid.UUID, _, _ string, parts []objects.CompletedPart,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completeCalls++
	f.completedParts = parts

	return f.completeErr
}

func testEngine(t *testing.T, opts ...Option) (*Engine, *fakeObjectAPI, *fakeStorage) {
	t.Helper()

	storage := newFakeStorage(t)
	fake := &fakeObjectAPI{storage: storage, provider: objects.ProviderS3}

	engine := New(fake, append([]Option{
		WithHTTPClient(storage.server.Client()),
		WithChunkSize(4),
		WithWorkers(2),
	}, opts...)...)
	engine.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	return engine, fake, storage
}

func TestUploadMultipart(t *testing.T) {
	engine, fake, storage := testEngine(t)

	content := []byte("abcdefghijklmnopq") // 17 bytes, chunk size 4 -> 5 parts
	err := engine.Upload(context.Background(), uuid.New(), "/data/file", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, content, storage.assembled())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.completeCalls)
	require.Len(t, fake.completedParts, 5)
	assert.Equal(t, 1, fake.completedParts[0].PartNumber)
	assert.Equal(t, md5hex(content[:4]), fake.completedParts[0].ETag)
}

func TestUploadEmptyObject(t *testing.T) {
	engine, fake, storage := testEngine(t)

	err := engine.Upload(context.Background(), uuid.New(), "/data/empty", bytes.NewReader(nil), 0)
	require.NoError(t, err)

	assert.Empty(t, storage.assembled())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.completedParts, 1)
}

func TestUploadRetriesFailedChunk(t *testing.T) {
	engine, _, storage := testEngine(t)

	storage.failNext("part-2", 2) // budget is 3 attempts

	content := []byte("abcdefgh")
	err := engine.Upload(context.Background(), uuid.New(), "/data/file", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, content, storage.assembled())

	// Retries stay local to the failing part.
	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Equal(t, 1, storage.partPuts[1], "healthy part must be uploaded exactly once")
	assert.Equal(t, 3, storage.partPuts[2], "two failures plus the success")
}

func TestUploadChunkBudgetExhausted(t *testing.T) {
	engine, fake, storage := testEngine(t)

	storage.failNext("part-2", 10)

	content := []byte("abcdefgh")
	err := engine.Upload(context.Background(), uuid.New(), "/data/file", bytes.NewReader(content), int64(len(content)))
	require.Error(t, err)

	var transferErr *Error
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "/data/file", transferErr.Plan.Path)
	assert.Equal(t, StateFailed, transferErr.Plan.State)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.completeCalls, "a failed upload must not be finalized")
}

func TestUploadResumesPersistedPlan(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	engine, fake, storage := testEngine(t, WithStore(store))

	projectID := uuid.New()
	content := []byte("abcdefgh") // 2 chunks of 4

	// A previous process uploaded the first part and was interrupted.
	plan := NewPlan(projectID, "/data/file", DirectionUpload, int64(len(content)), 4)
	plan.UploadID = "upload-1"
	plan.setChunkState(0, ChunkDone, md5hex(content[:4]), "etag-part-1")
	plan.setState(StateFailed)
	require.NoError(t, store.Save(plan))

	require.NoError(t, engine.Upload(context.Background(), projectID, "/data/file", bytes.NewReader(content), int64(len(content))))

	// Resume skips presigning a new upload and the already-done part.
	assert.Zero(t, fake.presignUploadCalls.Load())

	storage.mu.Lock()
	_, part1Uploaded := storage.parts[1]
	_, part2Uploaded := storage.parts[2]
	storage.mu.Unlock()
	assert.False(t, part1Uploaded)
	assert.True(t, part2Uploaded)

	fake.mu.Lock()
	require.Len(t, fake.completedParts, 2)
	assert.Equal(t, "etag-part-1", fake.completedParts[0].ETag)
	fake.mu.Unlock()

	// The plan file is removed on completion.
	persisted, err := store.Load(projectID, "/data/file", DirectionUpload)
	require.NoError(t, err)
	assert.Nil(t, persisted)
}

func TestUploadDiscardsPlanOnSizeChange(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	engine, fake, storage := testEngine(t, WithStore(store))

	projectID := uuid.New()

	stale := NewPlan(projectID, "/data/file", DirectionUpload, 100, 4)
	stale.UploadID = "stale-upload"
	require.NoError(t, store.Save(stale))

	content := []byte("abcdefgh")
	require.NoError(t, engine.Upload(context.Background(), projectID, "/data/file", bytes.NewReader(content), int64(len(content))))

	assert.Equal(t, int64(1), fake.presignUploadCalls.Load(), "size change must start a fresh upload")
	assert.Equal(t, content, storage.assembled())
}

func TestUploadDiscardsPlanWhenContentChanged(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	engine, fake, storage := testEngine(t, WithStore(store))

	projectID := uuid.New()
	oldContent := []byte("abcdefgh")
	newContent := []byte("ABCDefgh") // same size, first chunk differs

	// A previous process uploaded the first part of the old file.
	stale := NewPlan(projectID, "/data/file", DirectionUpload, int64(len(oldContent)), 4)
	stale.UploadID = "stale-upload"
	stale.setChunkState(0, ChunkDone, md5hex(oldContent[:4]), "etag-part-1")
	stale.setState(StateFailed)
	require.NoError(t, store.Save(stale))

	require.NoError(t, engine.Upload(
		context.Background(), projectID, "/data/file", bytes.NewReader(newContent), int64(len(newContent)),
	))

	// The stale part no longer describes the file, so the upload starts
	// over instead of finalizing a mix of old and new bytes.
	assert.Equal(t, int64(1), fake.presignUploadCalls.Load(), "changed content must start a fresh upload")
	assert.Equal(t, newContent, storage.assembled())

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Equal(t, 1, storage.partPuts[1])
	assert.Equal(t, 1, storage.partPuts[2])
}

func TestUploadCancellation(t *testing.T) {
	engine, _, storage := testEngine(t, WithWorkers(1))

	storage.failNext("part-1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	engine.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()

		return ctx.Err()
	}

	content := []byte("abcdefgh")
	err := engine.Upload(ctx, uuid.New(), "/data/file", bytes.NewReader(content), int64(len(content)))
	require.Error(t, err)

	var transferErr *Error
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, StateCancelled, transferErr.Plan.State)
}

func TestUploadGCSSerial(t *testing.T) {
	storage := newFakeStorage(t)
	fake := &fakeObjectAPI{storage: storage, provider: objects.ProviderGCS}

	engine := New(fake,
		WithHTTPClient(storage.server.Client()),
		WithChunkSize(4),
	)
	engine.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	content := []byte("abcdefghij") // 3 chunks: 4+4+2
	err := engine.Upload(context.Background(), uuid.New(), "/data/file", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.Equal(t, content, storage.gcsBuf)
	require.Len(t, storage.contentRanges, 3)
	assert.Equal(t, "bytes 0-3/*", storage.contentRanges[0])
	assert.Equal(t, "bytes 4-7/*", storage.contentRanges[1])
	assert.Equal(t, "bytes 8-9/10", storage.contentRanges[2])

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.completeCalls, "GCS uploads have no multipart finalization")
}

func TestUploadCompleteFailureKeepsPlanResumable(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	engine, fake, _ := testEngine(t, WithStore(store))
	fake.completeErr = fmt.Errorf("finalization unavailable")

	projectID := uuid.New()
	content := []byte("abcdefgh")

	uploadErr := engine.Upload(context.Background(), projectID, "/data/file", bytes.NewReader(content), int64(len(content)))
	require.Error(t, uploadErr)

	persisted, err := store.Load(projectID, "/data/file", DirectionUpload)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Empty(t, persisted.Pending(), "all parts are done; only finalization remains")
}
