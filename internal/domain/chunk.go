package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ChunkStatus represents the upload state of a single chunk.
type ChunkStatus string

const (
	// ChunkStatusPending means no completion has been reported yet.
	ChunkStatusPending ChunkStatus = "PENDING"

	// ChunkStatusCompleted means the client reported a completion token.
	ChunkStatusCompleted ChunkStatus = "COMPLETED"

	// ChunkStatusFailed means the chunk was rejected and must be re-uploaded.
	ChunkStatusFailed ChunkStatus = "FAILED"
)

// ChunkSlot is the per-chunk record of an upload task.
type ChunkSlot struct {
	TaskID uuid.UUID   `json:"task_id"`
	Number int         `json:"chunk_number"`
	Status ChunkStatus `json:"status"`

	// ETag is the completion token returned by object storage for the part.
	ETag string `json:"etag,omitempty"`

	// URLExpiresAt is when the last issued part URL stops working.
	URLExpiresAt time.Time `json:"url_expires_at"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewChunkSlots creates PENDING slots 1..total for a task.
func NewChunkSlots(taskID uuid.UUID, total int, urlExpiresAt time.Time) []*ChunkSlot {
	now := time.Now().UTC()
	slots := make([]*ChunkSlot, total)
	for i := range slots {
		slots[i] = &ChunkSlot{
			TaskID:       taskID,
			Number:       i + 1,
			Status:       ChunkStatusPending,
			URLExpiresAt: urlExpiresAt,
			UpdatedAt:    now,
		}
	}
	return slots
}

// ChunkReport is a client claim that a chunk landed in object storage.
type ChunkReport struct {
	ChunkNumber int    `json:"chunk_number"`
	ETag        string `json:"etag"`
}

// ChunkProgress summarises the slots of one task.
type ChunkProgress struct {
	Total     int
	Completed int
	Missing   []int
	Failed    []int
}

// ProgressOf computes progress from live slots.
// Slots with numbers outside 1..total are ignored.
func ProgressOf(total int, slots []*ChunkSlot) ChunkProgress {
	done := make(map[int]bool, len(slots))
	failed := make(map[int]bool)
	for _, s := range slots {
		if s.Number < 1 || s.Number > total {
			continue
		}
		switch s.Status {
		case ChunkStatusCompleted:
			done[s.Number] = true
		case ChunkStatusFailed:
			failed[s.Number] = true
		}
	}

	p := ChunkProgress{Total: total, Completed: len(done)}
	for n := 1; n <= total; n++ {
		if !done[n] {
			p.Missing = append(p.Missing, n)
		}
		if failed[n] {
			p.Failed = append(p.Failed, n)
		}
	}
	return p
}

// IsComplete returns true once every chunk is COMPLETED.
func (p ChunkProgress) IsComplete() bool {
	return p.Total > 0 && p.Completed == p.Total
}

// Percent returns the integer completion percentage.
func (p ChunkProgress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

// SortSlots orders slots by chunk number in place.
func SortSlots(slots []*ChunkSlot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].Number < slots[j].Number })
}
