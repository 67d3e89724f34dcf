// Package scheduler implements a trace-driven swap-in/swap-out scheduler: it watches the
// array accesses of a training iteration once, plans a prefetch/evict/wait schedule per
// function boundary that respects a fixed device-memory budget, and replays that plan on
// every following iteration, hiding host<->device transfer latency behind computation.
//
// This file is the lifecycle facade: New, StartScheduling, EndScheduling, Reset, UseDALI
// and the four pre/post hooks a training loop calls.
package scheduler

import (
	"github.com/google/uuid"
	"github.com/gomlx/lms/swapio"
	"k8s.io/klog/v2"
)

// Scheduler is a single-threaded, cooperative observer installed into the array
// subsystem's single callback slot for the duration of one or more training iterations.
// It is not safe for concurrent use: one scheduler instance drives one training loop on
// one goroutine.
type Scheduler struct {
	sessionID uuid.UUID

	hostCtx, deviceCtx swapio.Context
	slot               *swapio.CallbackSlot
	sync               swapio.DeviceSynchronizer

	maxBytesSwapIn  uintptr
	maxBytesSwapOut uintptr

	// order is the full access trace of the first iteration. It can reallocate on append,
	// so every cross-reference into it (funcBlockEnds, the schedules, the id mapper's
	// inverse index) is an index, re-dereferenced at use time, never a stored pointer.
	order         []RecType
	funcBlockEnds []int

	mapper *idMapper

	// Runtime cursors, valid during a single iteration.
	orderIdx int
	funcIdx  int
	tail     int

	usedBytesSwapOut uintptr
	wrongOrdered     []wrongOrderRec
	precleared       map[swapio.Handle]bool

	firstIter bool
	iterCount uint64

	// Plans produced once by schedule, keyed by function index.
	swapInSchedule  map[int][]int
	swapOutSchedule map[int][]int
	waitSchedule    map[int][]int

	// swappedOutIdx[id] is the order index of the record currently authoritative for id's
	// eviction: a back-index, not a pointer, for the same reallocation reason as order.
	swappedOutIdx map[uint32]int
	swappedOut    map[uint32]bool

	dali daliState
}

// New creates a Scheduler. bytes is the total device-memory budget; it is split
// internally so half is reserved as headroom for in-flight evictions:
// maxBytesSwapIn = bytes, maxBytesSwapOut = bytes/2.
func New(hostCtx, deviceCtx swapio.Context, bytes uintptr, slot *swapio.CallbackSlot, sync swapio.DeviceSynchronizer) *Scheduler {
	s := &Scheduler{
		sessionID:       uuid.New(),
		hostCtx:         hostCtx,
		deviceCtx:       deviceCtx,
		slot:            slot,
		sync:            sync,
		maxBytesSwapIn:  bytes,
		maxBytesSwapOut: bytes / 2,
		mapper:          newIDMapper(),
		firstIter:       true,
	}
	return s
}

// SessionID identifies this Scheduler instance in logs; it has no bearing on scheduling.
func (s *Scheduler) SessionID() uuid.UUID { return s.sessionID }

// IterCount returns how many iterations have completed EndScheduling.
func (s *Scheduler) IterCount() uint64 { return s.iterCount }

// StartScheduling opens an iteration: it (re)initializes the per-iteration bookkeeping and
// installs this Scheduler's callback into the single process-wide slot.
func (s *Scheduler) StartScheduling() {
	s.init()
	s.installCallback()
	klog.V(2).Infof("lms[%s]: start_scheduling iter=%d first=%v", s.sessionID, s.iterCount, s.firstIter)
}

// EndScheduling closes the iteration: it uninstalls the callback and runs finalize, which
// drains outstanding evictions, synchronously evicts wrong-order accesses, and, on the
// first iteration only, triggers the one-shot planner.
func (s *Scheduler) EndScheduling() error {
	s.uninstallCallback()
	if err := s.finalize(); err != nil {
		return err
	}
	klog.V(2).Infof("lms[%s]: end_scheduling iter=%d", s.sessionID, s.iterCount-1)
	return nil
}

// Reset discards the recorded trace and every planned schedule and returns the Scheduler to
// record mode. iterCount, the session ID and the double-buffering state are left untouched,
// and, unlike New, Reset installs the record-mode callback into the slot.
func (s *Scheduler) Reset() {
	s.init()
	s.order = nil
	s.funcBlockEnds = nil
	s.swapInSchedule = nil
	s.swapOutSchedule = nil
	s.waitSchedule = nil
	s.mapper.reset()
	s.firstIter = true
	s.installCallback()
}

func (s *Scheduler) init() {
	s.tail = 0
	s.usedBytesSwapOut = 0
	s.orderIdx = 0
	s.funcIdx = 0
	s.wrongOrdered = nil
	s.precleared = make(map[swapio.Handle]bool)
	s.swappedOutIdx = make(map[uint32]int)
	s.swappedOut = make(map[uint32]bool)
}

func (s *Scheduler) installCallback() {
	if s.firstIter {
		s.slot.Set(s.recordCallback)
	} else {
		s.slot.Set(s.traceCallback)
	}
}

func (s *Scheduler) uninstallCallback() {
	s.slot.Unset()
}

// Stats is a read-only snapshot of a Scheduler's bookkeeping, meant for the report
// package and for tests; nothing in the scheduler package itself consumes it.
type Stats struct {
	SessionID        uuid.UUID
	IterCount        uint64
	FirstIter        bool
	NumRecords       int
	NumFunctions     int
	MaxBytesSwapIn   uintptr
	MaxBytesSwapOut  uintptr
	UsedBytesSwapOut uintptr
}

// Stats snapshots the Scheduler's current bookkeeping.
func (s *Scheduler) Stats() Stats {
	return Stats{
		SessionID:        s.sessionID,
		IterCount:        s.iterCount,
		FirstIter:        s.firstIter,
		NumRecords:       len(s.order),
		NumFunctions:     len(s.funcBlockEnds),
		MaxBytesSwapIn:   s.maxBytesSwapIn,
		MaxBytesSwapOut:  s.maxBytesSwapOut,
		UsedBytesSwapOut: s.usedBytesSwapOut,
	}
}

// FunctionStats describes one planned function boundary's prefetch/evict/wait lists, for
// display by the report package.
type FunctionStats struct {
	FuncIdx      int
	NumSwapIn    int
	NumSwapOut   int
	NumWait      int
	SwapInBytes  uintptr
	SwapOutBytes uintptr
}

// FunctionStatsAll reports, for every planned function boundary, how many records are
// scheduled to be prefetched, evicted, and waited on. It returns nil before the first
// iteration's plan has been computed.
func (s *Scheduler) FunctionStatsAll() []FunctionStats {
	if s.swapInSchedule == nil {
		return nil
	}
	n := len(s.funcBlockEnds)
	if n == 0 {
		return nil
	}
	out := make([]FunctionStats, 0, n-1)
	for fid := 0; fid < n-1; fid++ {
		fs := FunctionStats{FuncIdx: fid}
		for _, idx := range s.swapInSchedule[fid] {
			fs.NumSwapIn++
			fs.SwapInBytes += s.order[idx].bytes()
		}
		for _, idx := range s.swapOutSchedule[fid] {
			fs.NumSwapOut++
			fs.SwapOutBytes += s.order[idx].bytes()
		}
		fs.NumWait = len(s.waitSchedule[fid])
		out = append(out, fs)
	}
	return out
}

// rec returns the RecType at idx by value. Callers that need to mutate it use setRec.
func (s *Scheduler) rec(idx int) RecType { return s.order[idx] }

func (s *Scheduler) setRec(idx int, r RecType) { s.order[idx] = r }
