package scheduler

import (
	"github.com/gomlx/lms/swapio"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PreFunctionCallback is the pre-hook a training loop calls before running each layer
// function. It is equivalent to PreUpdateCallback; both simply call preCallback.
func (s *Scheduler) PreFunctionCallback() error { return s.preCallback() }

// PreUpdateCallback is the pre-hook a training loop calls before running the
// optimizer/solver update step.
func (s *Scheduler) PreUpdateCallback() error { return s.preCallback() }

// PostFunctionCallback is reserved for future use; it is currently a no-op.
func (s *Scheduler) PostFunctionCallback() error { return nil }

// PostUpdateCallback is reserved for future use; it is currently a no-op.
func (s *Scheduler) PostUpdateCallback() error { return nil }

// preCallback uninstalls the recorder so its own array accesses are not themselves
// recorded, closes out the previous function (if any), opens the next one, and reinstalls
// the recorder.
func (s *Scheduler) preCallback() (err error) {
	s.uninstallCallback()
	defer s.installCallback()

	if s.funcIdx > 0 {
		if err = s.swapOutStep(); err != nil {
			return err
		}
	}
	return s.swapInStep()
}

// swapOutStep closes out the function that just finished running.
func (s *Scheduler) swapOutStep() error {
	if s.firstIter {
		s.funcBlockEnds = append(s.funcBlockEnds, s.orderIdx)
	}

	if err := s.swapOut(); err != nil {
		return err
	}

	blockEnd := s.funcBlockEnds[s.funcIdx-1]
	if s.orderIdx < blockEnd {
		// Fewer accesses this iteration than recorded: realign on the next function.
		s.orderIdx = blockEnd
	}
	return nil
}

// swapInStep opens the function about to run.
func (s *Scheduler) swapInStep() error {
	s.funcIdx++
	if s.firstIter {
		return nil
	}
	return s.swapIn()
}

// swapIn issues the prefetches scheduled for the function about to run.
func (s *Scheduler) swapIn() error {
	for _, idx := range s.swapInSchedule[s.funcIdx-1] {
		r := s.order[idx]
		h, ok := r.Weak.Lock()
		if !ok {
			continue
		}
		if err := h.Get(r.DType, r.Ctx, swapio.FlagAsync|swapio.FlagUnsafe); err != nil {
			return errors.Wrap(err, "swap in")
		}
	}
	return nil
}

// swapOut evicts what the previous function used.
func (s *Scheduler) swapOut() error {
	if s.firstIter {
		if err := s.swapOutFirstIter(); err != nil {
			return err
		}
		return s.waitForSwapOutFirstIter()
	}
	if err := s.swapOutScheduled(); err != nil {
		return err
	}
	return s.waitForSwapOutScheduled()
}

// swapOutFirstIter evicts every device-resident, non-cleared array of the just-finished
// function, since there is no plan yet to say which of them will be reused soon.
func (s *Scheduler) swapOutFirstIter() error {
	start := 0
	if s.funcIdx-2 >= 0 {
		start = s.funcBlockEnds[s.funcIdx-2]
	}
	blockEnd := s.funcBlockEnds[s.funcIdx-1]
	for i := start; i < blockEnd; i++ {
		r := s.order[i]
		if r.Tag == Clear {
			continue
		}
		if r.Ctx.ArrayClass != s.deviceCtx.ArrayClass {
			if r.Ctx.ArrayClass != s.hostCtx.ArrayClass {
				return errUnsupportedDevice(r.Ctx.ArrayClass)
			}
			continue
		}

		h, ok := r.Weak.Lock()
		if !ok || h.NumArrays() == 0 {
			continue
		}

		if err := h.Cast(h.DType(), s.hostCtx, false, swapio.FlagAsync|swapio.FlagUnsafe); err != nil {
			return errors.Wrap(err, "swap out (first iteration)")
		}

		bytes := uintptr(h.Size()) * h.DType().Memory()
		s.usedBytesSwapOut += bytes
		r.SwappedOut = true
		r.SwappedOutBytes = bytes
		s.order[i] = r
	}
	return nil
}

func (s *Scheduler) waitForSwapOutFirstIter() error {
	for s.usedBytesSwapOut > s.maxBytesSwapOut {
		if err := s.waitStepFirstIter(); err != nil {
			return err
		}
	}
	return nil
}

// waitForAllSwapOut drains every still-pending eviction, used when ending scheduling.
func (s *Scheduler) waitForAllSwapOut() error {
	for s.tail < len(s.order) {
		if err := s.waitStepFirstIter(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) waitStepFirstIter() error {
	idx := s.tail
	s.tail++
	r := s.order[idx]

	if r.Tag == Clear {
		return nil
	}

	h, ok := r.Weak.Lock()

	if r.SwappedOut {
		if ok && h.HeadArrayClass() == s.hostCtx.ArrayClass && h.NumArrays() > 0 {
			if err := h.Get(h.DType(), s.hostCtx, swapio.FlagUnsafe); err != nil {
				return errors.Wrap(err, "wait for swap out")
			}
		}
		r.SwappedOut = false
		s.usedBytesSwapOut -= r.SwappedOutBytes
		r.SwappedOutBytes = 0
		s.order[idx] = r
	}
	return nil
}

// swapOutScheduled replays swapOutSchedule[funcIdx-1]: clears precleared arrays, evicts
// everything else not marked NoNeedSwapOut.
func (s *Scheduler) swapOutScheduled() error {
	for _, idx := range s.swapOutSchedule[s.funcIdx-1] {
		r := s.order[idx]
		h, ok := r.Weak.Lock()
		if !ok {
			continue
		}

		if r.Preclear {
			if err := h.Clear(); err != nil {
				return errors.Wrap(err, "preclear")
			}
			s.precleared[h] = true
		} else if !r.NoNeedSwapOut {
			if err := h.Cast(h.DType(), s.hostCtx, false, swapio.FlagAsync|swapio.FlagUnsafe); err != nil {
				return errors.Wrap(err, "scheduled swap out")
			}
		}
	}
	return nil
}

// waitForSwapOutScheduled replays waitSchedule[funcIdx-1]: joins the asynchronous eviction
// transfer for every record whose host round-trip is still needed.
func (s *Scheduler) waitForSwapOutScheduled() error {
	for _, idx := range s.waitSchedule[s.funcIdx-1] {
		r := s.order[idx]
		if r.NoNeedSwapOut {
			continue
		}
		h, ok := r.Weak.Lock()
		if !ok {
			continue
		}
		if h.HeadArrayClass() == s.hostCtx.ArrayClass && h.NumArrays() > 0 {
			if err := h.Get(h.DType(), s.hostCtx, swapio.FlagUnsafe); err != nil {
				return errors.Wrap(err, "wait for scheduled swap out")
			}
		}
	}
	return nil
}

// swapOutWrongOrder synchronously evicts every device-side access that diverged from the
// traced schedule and was shunted into wrongOrdered.
func (s *Scheduler) swapOutWrongOrder() error {
	for _, r := range s.wrongOrdered {
		if r.Tag == Clear {
			continue
		}
		if r.Ctx.ArrayClass == s.deviceCtx.ArrayClass {
			h, ok := r.Weak.Lock()
			if !ok || h.NumArrays() == 0 {
				continue
			}
			if err := h.Cast(r.DType, s.hostCtx, false, swapio.FlagNone); err != nil {
				return errors.Wrap(err, "swap out wrong-order access")
			}
		} else if r.Ctx.ArrayClass != s.hostCtx.ArrayClass {
			return errUnsupportedDevice(r.Ctx.ArrayClass)
		}
	}
	return nil
}

// finalize closes out the last function, evicts whatever diverged from the trace, drains
// every pending eviction, and runs the planner once if this was the first iteration.
func (s *Scheduler) finalize() error {
	if s.funcIdx > 0 {
		if err := s.swapOutStep(); err != nil {
			return err
		}
	}

	if err := s.swapOutWrongOrder(); err != nil {
		return err
	}

	if err := s.waitForAllSwapOut(); err != nil {
		return err
	}

	if s.firstIter {
		s.init()
		if err := s.schedule(); err != nil {
			return err
		}
	}

	if s.sync != nil {
		if err := s.sync.Synchronize(s.deviceCtx); err != nil {
			return errors.Wrap(err, "device synchronize at end of iteration")
		}
	}

	s.firstIter = false
	s.iterCount++
	klog.V(3).Infof("lms[%s]: iteration %d complete, %d records, %d functions", s.sessionID, s.iterCount-1, len(s.order), len(s.funcBlockEnds))
	return nil
}
