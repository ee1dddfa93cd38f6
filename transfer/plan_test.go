package transfer

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlanPartitionsExactly(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 21, 5)

	require.Len(t, plan.Chunks, 5)

	var covered int64

	for i, c := range plan.Chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, covered, c.Offset, "chunks must be contiguous")
		assert.Equal(t, ChunkPending, c.State)

		covered += c.Length
	}

	assert.Equal(t, int64(21), covered)
	assert.Equal(t, int64(1), plan.Chunks[4].Length)
}

func TestNewPlanExactMultiple(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 20, 5)

	require.Len(t, plan.Chunks, 4)
	assert.Equal(t, int64(5), plan.Chunks[3].Length)
}

func TestNewPlanZeroSize(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/empty", DirectionUpload, 0, 5)

	require.Len(t, plan.Chunks, 1)
	assert.Equal(t, int64(0), plan.Chunks[0].Length)
	assert.Equal(t, int64(0), plan.Chunks[0].Offset)
}

func TestChunkSizeFor(t *testing.T) {
	assert.Equal(t, int64(DefaultChunkSize), ChunkSizeFor(0))
	assert.Equal(t, int64(DefaultChunkSize), ChunkSizeFor(100*megabyte))

	// Objects that would exceed the part-count limit at the default size
	// get larger chunks.
	huge := int64(60) * 1024 * megabyte
	chunkSize := ChunkSizeFor(huge)
	assert.Greater(t, chunkSize, int64(DefaultChunkSize))
	assert.GreaterOrEqual(t, chunkSize*MaxChunks, huge)
}

func TestPendingTreatsNonDoneAsPending(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 25, 5)

	plan.setChunkState(0, ChunkDone, "sum0", "etag0")
	plan.setChunkState(2, ChunkFailed, "", "")
	plan.setChunkState(3, ChunkInFlight, "", "")

	// Failed and interrupted in-flight chunks need transferring again.
	assert.Equal(t, []int{1, 2, 3, 4}, plan.Pending())
	assert.False(t, plan.Done())
}

func TestDoneWhenAllChunksComplete(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 8, 5)

	for i := range plan.Chunks {
		plan.setChunkState(i, ChunkDone, "sum", "etag")
	}

	assert.True(t, plan.Done())
	assert.Empty(t, plan.Pending())
}

func TestSetChunkStateCountsAttempts(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 5, 5)

	plan.setChunkState(0, ChunkInFlight, "", "")
	plan.setChunkState(0, ChunkFailed, "", "")
	plan.setChunkState(0, ChunkInFlight, "", "")
	plan.setChunkState(0, ChunkDone, "sum", "etag")

	c := plan.Chunks[0]
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, "sum", c.Checksum)
	assert.Equal(t, "etag", c.ETag)
}

func TestCompletedPartsOrderedByPartNumber(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionUpload, 15, 5)

	plan.setChunkState(2, ChunkDone, "", "etag-3")
	plan.setChunkState(0, ChunkDone, "", "etag-1")
	plan.setChunkState(1, ChunkDone, "", "etag-2")

	parts := plan.CompletedParts()
	require.Len(t, parts, 3)

	for i, part := range parts {
		assert.Equal(t, i+1, part.PartNumber, "part numbers are one-based")
	}

	assert.Equal(t, "etag-2", parts[1].ETag)
}

func TestErrorCarriesPlan(t *testing.T) {
	plan := NewPlan(uuid.New(), "/data/file", DirectionDownload, 5, 5)
	cause := errors.New("storage unavailable")

	err := &Error{Plan: plan, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/data/file")
	assert.Contains(t, err.Error(), "download")
}
