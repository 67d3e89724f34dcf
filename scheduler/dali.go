package scheduler

import (
	"github.com/gomlx/lms/swapio"
	"github.com/pkg/errors"
)

// DALIBatch is one device's pair of input/target arrays for an iteration, as handed to
// UseDALI: a double-buffering data iterator (modeled on NVIDIA DALI) that alternates
// between two physical buffers for the same logical slot.
type DALIBatch [2]swapio.Handle

// daliBatchWeak is the weak-reference counterpart of DALIBatch. The scheduler must not
// keep a double-buffered data loader's physical buffers alive across iterations, only a
// reference it re-Locks on demand and tolerates the expiry of, like every other reference
// it retains (RecType.Weak, wrongOrderRec.Weak).
type daliBatchWeak [2]swapio.WeakHandle

// daliState holds the double-buffering bookkeeping: the two physical buffers remembered
// per logical slot, as weak references only, and the stable IDs used to find every trace
// record referencing them.
type daliState struct {
	sawptrs [2]daliBatchWeak
	ids     [2]uint32
}

func weakenBatch(batch DALIBatch) daliBatchWeak {
	return daliBatchWeak{batch[0].Weak(), batch[1].Weak()}
}

// UseDALI is the double-buffering hook a training loop calls, once per iteration, before
// StartScheduling/PreFunctionCallback, with the current iteration's input/target batch.
// It rewrites the Weak field of every recorded access of the logical input/target slots
// to point at whichever of the two physical buffers is live this iteration.
func (s *Scheduler) UseDALI(batches []DALIBatch) error {
	if len(batches) == 0 {
		return ErrEmptyDALIBatch
	}
	if len(batches) > 1 {
		return ErrMultiDevice
	}
	batch := batches[0]

	switch {
	case s.iterCount == 0:
		s.dali.sawptrs[0] = weakenBatch(batch)

	case s.iterCount == 1:
		for i := 0; i < 2; i++ {
			id, err := s.lookupDALIID(s.dali.sawptrs[0][i])
			if err != nil {
				return err
			}
			s.dali.ids[i] = id
		}

		s.dali.sawptrs[1] = weakenBatch(batch)

		for i := 0; i < 2; i++ {
			s.rewriteDALIUses(s.dali.ids[i], batch[i])
		}

	default:
		current := s.dali.sawptrs[s.iterCount%2]
		for i := 0; i < 2; i++ {
			h, ok := current[i].Lock()
			if !ok {
				return errors.Wrap(ErrDoubleBufferExpired, "dali physical buffer expired before reuse")
			}
			s.rewriteDALIUses(s.dali.ids[i], h)
		}
	}

	return nil
}

// lookupDALIID resolves target and finds the stable ID the recorder assigned to it during
// iteration 0 by scanning order for a record whose own live handle matches.
func (s *Scheduler) lookupDALIID(target swapio.WeakHandle) (uint32, error) {
	h, ok := target.Lock()
	if !ok {
		return 0, errors.Wrap(ErrDoubleBufferExpired, "dali handle expired before substitution")
	}
	for _, r := range s.order {
		if recHandle, recAlive := r.Weak.Lock(); recAlive && recHandle == h {
			return r.ID, nil
		}
	}
	return 0, errors.Wrap(ErrDoubleBufferExpired, "recorded dali handle not found in trace")
}

func (s *Scheduler) rewriteDALIUses(id uint32, h swapio.Handle) {
	weak := h.Weak()
	for _, idx := range s.mapper.usesOf(id) {
		r := s.order[idx]
		r.Weak = weak
		s.order[idx] = r
	}
}
