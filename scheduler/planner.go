package scheduler

import "github.com/gomlx/lms/swapio"

// arrayCounts tracks, per (id, dtype), how many remaining uses fall inside the current
// prefetch window.
type arrayCounts map[uint32]map[swapio.DType]int

func (c arrayCounts) total(id uint32) int {
	n := 0
	for _, v := range c[id] {
		n += v
	}
	return n
}

func (c arrayCounts) inc(id uint32, dtype swapio.DType) {
	m := c[id]
	if m == nil {
		m = make(map[swapio.DType]int)
		c[id] = m
	}
	m[dtype]++
}

func (c arrayCounts) dec(id uint32, dtype swapio.DType) {
	c[id][dtype]--
}

// schedule runs the one-shot planner, invoked once at the end of the first iteration after
// the trace is complete.
func (s *Scheduler) schedule() error {
	s.schedulePreclear()

	F := len(s.funcBlockEnds)
	if F < 2 {
		// Nothing to plan: there must be at least two boundaries (two functions, or one
		// function plus the update) to have anything to prefetch/evict across.
		return nil
	}

	s.swapInSchedule = make(map[int][]int, F-1)
	s.swapOutSchedule = make(map[int][]int, F-1)
	s.waitSchedule = make(map[int][]int, F-1)

	head := 0
	var usedBytesSwapIn uintptr
	counts := arrayCounts{}

	lastFunction := F - 1
	for fid := 0; fid < lastFunction; fid++ {
		in, err := s.scheduleSwapIn(&head, &usedBytesSwapIn, counts)
		if err != nil {
			return err
		}
		s.swapInSchedule[fid] = in

		blockEnd := s.funcBlockEnds[fid]
		if head < blockEnd {
			return errOutOfMemory(fid, head, blockEnd, s.maxBytesSwapIn, s.maxBytesSwapOut)
		}

		s.swapOutSchedule[fid] = s.scheduleSwapOut(&usedBytesSwapIn, counts, fid)
		s.waitSchedule[fid] = s.scheduleWaitForSwapOut()
	}

	s.waitSchedule[lastFunction-1] = s.scheduleWaitForAllSwapOut()
	return nil
}

// schedulePreclear traverses order in reverse: the last GetCast of an ID before its Clear
// is marked Preclear, so the executor drops the array instead of paying for an eviction
// that will be discarded a moment later anyway.
func (s *Scheduler) schedulePreclear() {
	clearPending := make(map[uint32]bool)
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.order[i]
		if r.Tag == Clear {
			clearPending[r.ID] = true
			continue
		}
		r.Preclear = clearPending[r.ID]
		clearPending[r.ID] = false
		s.order[i] = r
	}
}

// scheduleSwapIn advances head across order, building the prefetch list for one function.
func (s *Scheduler) scheduleSwapIn(head *int, usedBytesSwapIn *uintptr, counts arrayCounts) ([]int, error) {
	// Rebuilt on every call: a host read in function N does not suppress prefetch of the
	// same array in function N+k. Host access is treated as transient per function, by
	// design (see DESIGN.md).
	hostUses := make(map[uint32]bool)

	var schedule []int

	for *head < len(s.order) {
		r := s.order[*head]

		if r.Tag == Clear {
			*head++
			continue
		}

		switch r.Ctx.ArrayClass {
		case s.deviceCtx.ArrayClass:
			bytes := r.bytes()
			if *usedBytesSwapIn+bytes > s.maxBytesSwapIn-s.maxBytesSwapOut {
				return schedule, nil // Out of budget for this function; stop fetching.
			}

			if counts.total2(r.ID, r.DType) == 0 {
				if !hostUses[r.ID] {
					schedule = append(schedule, *head)

					if s.swappedOut[r.ID] {
						srcIdx := s.swappedOutIdx[r.ID]
						src := s.order[srcIdx]
						src.NoNeedSwapOut = true
						src.SwappedOut = false
						s.order[srcIdx] = src
						s.swappedOut[r.ID] = false
					}
				}
				*usedBytesSwapIn += bytes
			}

			counts.inc(r.ID, r.DType)
			*head++

		case s.hostCtx.ArrayClass:
			hostUses[r.ID] = true
			*head++

		default:
			return nil, errUnsupportedDevice(r.Ctx.ArrayClass)
		}
	}

	return schedule, nil
}

// total2 reports the count of exactly this (id, dtype) pair, distinct from arrayCounts.total
// which sums across every dtype for the id. The prefetch decision ("is this the first
// appearance of this exact (id,dtype) in the window") only cares about the former.
func (c arrayCounts) total2(id uint32, dtype swapio.DType) int {
	m := c[id]
	if m == nil {
		return 0
	}
	return m[dtype]
}

// scheduleSwapOut walks the records of function fid, building the eviction list.
func (s *Scheduler) scheduleSwapOut(usedBytesSwapIn *uintptr, counts arrayCounts, fid int) []int {
	start := 0
	if fid > 0 {
		start = s.funcBlockEnds[fid-1]
	}
	end := s.funcBlockEnds[fid]

	var schedule []int

	for i := start; i < end; i++ {
		r := s.order[i]
		if r.Tag == Clear {
			continue
		}

		switch r.Ctx.ArrayClass {
		case s.deviceCtx.ArrayClass:
			if counts.total(r.ID) == 1 {
				schedule = append(schedule, i)

				if !r.Preclear {
					r.SwappedOut = true
					s.swappedOut[r.ID] = true
					s.swappedOutIdx[r.ID] = i

					var total uintptr
					for dt := range counts[r.ID] {
						total += uintptr(r.Size) * dt.Memory()
					}
					r.SwappedOutBytes = total
					s.usedBytesSwapOut += total
					s.order[i] = r
				} else {
					s.order[i] = r
				}

				for dt := range counts[r.ID] {
					*usedBytesSwapIn -= uintptr(r.Size) * dt.Memory()
				}
			}

			counts.dec(r.ID, r.DType)

		case s.hostCtx.ArrayClass:
			// No-op: host accesses never get swapped out.

		default:
			// Unreachable in practice: scheduleSwapIn already validated every device
			// context earlier in the same pass.
		}
	}

	return schedule
}

// scheduleWaitForSwapOut drains evictions, oldest first, until usedBytesSwapOut is back
// within budget.
func (s *Scheduler) scheduleWaitForSwapOut() []int {
	var schedule []int
	for s.usedBytesSwapOut > s.maxBytesSwapOut {
		s.scheduleWaitStep(&schedule)
	}
	return schedule
}

// scheduleWaitForAllSwapOut drains every remaining eviction, used for the final function's
// wait list.
func (s *Scheduler) scheduleWaitForAllSwapOut() []int {
	var schedule []int
	for s.tail < len(s.order) {
		s.scheduleWaitStep(&schedule)
	}
	return schedule
}

func (s *Scheduler) scheduleWaitStep(schedule *[]int) {
	idx := s.tail
	s.tail++
	r := s.order[idx]
	if !r.SwappedOut {
		return
	}
	*schedule = append(*schedule, idx)
	r.SwappedOut = false
	s.usedBytesSwapOut -= r.SwappedOutBytes
	r.SwappedOutBytes = 0
	s.order[idx] = r
	s.swappedOut[r.ID] = false
}
