// Package transfer moves large dataset objects between the caller and
// platform storage in chunks: bounded-concurrency multipart upload and
// ranged download, per-chunk checksums and retry budgets, and resumable
// plans that survive partial failure.
package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/facultyai/faculty-go/objects"
)

// Size constants.
const (
	kilobyte = 1024
	megabyte = 1024 * kilobyte
)

// DefaultChunkSize is the S3 minimum part size. Chunks scale up from it
// when an object would otherwise exceed MaxChunks parts.
const DefaultChunkSize = 5 * megabyte

// MaxChunks is the S3 multipart part-count limit.
const MaxChunks = 10000

// ErrChecksumMismatch is returned when a downloaded chunk's checksum does
// not match the declared metadata. The chunk is retried on its own budget.
var ErrChecksumMismatch = errors.New("transfer: chunk checksum mismatch")

// ChunkState is the lifecycle state of a single chunk.
type ChunkState string

const (
	ChunkPending  ChunkState = "pending"
	ChunkInFlight ChunkState = "in_flight"
	ChunkDone     ChunkState = "done"
	ChunkFailed   ChunkState = "failed"
)

// State is the lifecycle state of a whole transfer.
type State string

const (
	StatePlanning     State = "planning"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Direction distinguishes uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Chunk describes one contiguous byte range of the object, transferred
// independently. Checksum is the hex MD5 of the chunk content once known;
// ETag is the storage backend's receipt for an uploaded part.
type Chunk struct {
	Index    int        `json:"index"` // part numbers are Index+1
	Offset   int64      `json:"offset"`
	Length   int64      `json:"length"`
	State    ChunkState `json:"state"`
	Checksum string     `json:"checksum,omitempty"`
	ETag     string     `json:"etag,omitempty"`
	Attempts int        `json:"attempts"`
}

// Plan tracks one upload or download: the target object, its partition
// into chunks, and per-chunk completion state. A Plan is owned by the
// transfer that created it; the engine's workers synchronize chunk-state
// mutations through the plan's internal lock.
type Plan struct {
	ProjectID uuid.UUID `json:"projectId"`
	Path      string    `json:"path"`
	Direction Direction `json:"direction"`
	Size      int64     `json:"size"`
	ChunkSize int64     `json:"chunkSize"`

	// UploadID identifies the multipart upload on the storage backend
	// (uploads only).
	UploadID string `json:"uploadId,omitempty"`

	// Checksum is the declared whole-object checksum (ETag), when known.
	Checksum string `json:"checksum,omitempty"`

	State  State   `json:"state"`
	Chunks []Chunk `json:"chunks"`

	mu sync.Mutex
}

// NewPlan partitions an object of the given size into chunks. Chunk
// ranges partition the size exactly: no gaps, no overlaps. A zero-size
// object gets a single empty chunk so the multipart contract still holds.
func NewPlan(projectID uuid.UUID, path string, direction Direction, size, chunkSize int64) *Plan {
	if chunkSize <= 0 {
		chunkSize = ChunkSizeFor(size)
	}

	n := int(size / chunkSize)
	if size%chunkSize != 0 || size == 0 {
		n++
	}

	chunks := make([]Chunk, 0, n)

	for i := range n {
		offset := int64(i) * chunkSize

		length := chunkSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}

		chunks = append(chunks, Chunk{
			Index:  i,
			Offset: offset,
			Length: length,
			State:  ChunkPending,
		})
	}

	return &Plan{
		ProjectID: projectID,
		Path:      path,
		Direction: direction,
		Size:      size,
		ChunkSize: chunkSize,
		State:     StatePlanning,
		Chunks:    chunks,
	}
}

// ChunkSizeFor picks a chunk size for an object: the default 5 MiB,
// scaled up so the part count never exceeds MaxChunks.
func ChunkSizeFor(size int64) int64 {
	chunkSize := int64(DefaultChunkSize)

	if minSize := (size + MaxChunks - 1) / MaxChunks; minSize > chunkSize {
		chunkSize = minSize
	}

	return chunkSize
}

// setChunkState transitions one chunk, recording checksum/etag on
// completion and counting attempts on entry to in-flight.
func (p *Plan) setChunkState(index int, state ChunkState, checksum, etag string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := &p.Chunks[index]
	c.State = state

	if state == ChunkInFlight {
		c.Attempts++
	}

	if checksum != "" {
		c.Checksum = checksum
	}

	if etag != "" {
		c.ETag = etag
	}
}

// setState transitions the transfer-level state.
func (p *Plan) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.State = state
}

// Pending returns the indexes of chunks still needing transfer, treating
// earlier failures and interrupted in-flight chunks as pending again.
// This is what makes a persisted plan resumable.
func (p *Plan) Pending() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pending []int

	for i := range p.Chunks {
		if p.Chunks[i].State != ChunkDone {
			pending = append(pending, i)
		}
	}

	return pending
}

// Done reports whether every chunk has completed.
func (p *Plan) Done() bool {
	return len(p.Pending()) == 0
}

// CompletedParts builds the finalization payload from completed chunks,
// ordered by part number.
func (p *Plan) CompletedParts() []objects.CompletedPart {
	p.mu.Lock()
	defer p.mu.Unlock()

	parts := make([]objects.CompletedPart, 0, len(p.Chunks))

	for i := range p.Chunks {
		c := p.Chunks[i]
		if c.State == ChunkDone {
			parts = append(parts, objects.CompletedPart{
				PartNumber: c.Index + 1,
				ETag:       c.ETag,
			})
		}
	}

	return parts
}

// snapshot returns a deep copy of the plan safe to serialize while
// workers are still mutating chunk state.
func (p *Plan) snapshot() *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &Plan{
		ProjectID: p.ProjectID,
		Path:      p.Path,
		Direction: p.Direction,
		Size:      p.Size,
		ChunkSize: p.ChunkSize,
		UploadID:  p.UploadID,
		Checksum:  p.Checksum,
		State:     p.State,
		Chunks:    append([]Chunk(nil), p.Chunks...),
	}
}

// Error is the terminal failure of a transfer. It carries the plan so
// callers can inspect which chunks completed and resume later.
type Error struct {
	Plan *Plan
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer: %s of %s failed: %s", e.Plan.Direction, e.Plan.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
