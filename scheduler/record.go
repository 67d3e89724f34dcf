package scheduler

import "github.com/gomlx/lms/swapio"

// RecTag collapses swapio.OpGet and swapio.OpCast into a single GetCast tag: the scheduler
// never needs to distinguish a read from a read-write for scheduling purposes, only
// whether the array is about to be dropped (Clear).
type RecTag int

const (
	// GetCast is any read or read/write access.
	GetCast RecTag = iota

	// Clear drops every backing of the array.
	Clear
)

func (t RecTag) String() string {
	if t == Clear {
		return "Clear"
	}
	return "GetCast"
}

// RecType is a single recorded array access. It is immutable after creation except for Weak,
// which handle substitution re-points, and the four scheduling annotations below, which the
// first-iteration executor and the one-shot planner set; traced iterations only read them.
type RecType struct {
	Tag   RecTag
	ID    uint32
	Weak  swapio.WeakHandle
	Size  int
	DType swapio.DType
	Ctx   swapio.Context

	// Preclear marks this as the last GetCast of ID before a Clear: the executor drops
	// the array instead of evicting it.
	Preclear bool

	// SwappedOut is true between the moment the planner schedules this record's eviction
	// and the moment it schedules (or cancels) the matching wait.
	SwappedOut bool

	// NoNeedSwapOut is set when a later prefetch of the same ID cancels the need for this
	// record's host round-trip.
	NoNeedSwapOut bool

	// SwappedOutBytes is the total bytes (across every dtype this ID was seen with in its
	// function block) this record's eviction accounts against usedBytesSwapOut.
	SwappedOutBytes uintptr
}

func (r RecType) bytes() uintptr {
	return uintptr(r.Size) * r.DType.Memory()
}

// wrongOrderRec is the lightweight record kept for accesses that diverged from the traced
// order. It carries just enough to evict these arrays at the end of the iteration.
type wrongOrderRec struct {
	Tag   RecTag
	Weak  swapio.WeakHandle
	DType swapio.DType
	Ctx   swapio.Context
}
