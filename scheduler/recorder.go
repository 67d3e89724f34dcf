package scheduler

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/lms/swapio"
	"github.com/pkg/errors"
)

// mapTag collapses swapio.OpGet/OpCast into GetCast and swapio.OpClear into Clear. Any
// other tag is a programmer error in the array subsystem binding.
func mapTag(op swapio.CallbackTag) (RecTag, error) {
	switch op {
	case swapio.OpGet, swapio.OpCast:
		return GetCast, nil
	case swapio.OpClear:
		return Clear, nil
	default:
		return 0, errors.Wrapf(ErrUnknownTag, "callback tag %v", op)
	}
}

func (s *Scheduler) checkContext(ctx swapio.Context) error {
	if ctx.ArrayClass == s.hostCtx.ArrayClass || ctx.ArrayClass == s.deviceCtx.ArrayClass {
		return nil
	}
	return errUnsupportedDevice(ctx.ArrayClass)
}

// recordCallback is installed for the first iteration. It appends every access to order
// exactly as it happens, building the trace that the planner will schedule against.
func (s *Scheduler) recordCallback(h swapio.Handle, op swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) {
	if s.funcIdx == 0 {
		// Pre-forward accesses are not scheduled.
		return
	}

	tag, err := mapTag(op)
	if err != nil {
		exceptions.Throw(err)
	}
	if tag != Clear {
		// A Clear carries no target context; only get/cast accesses are checked.
		if err := s.checkContext(ctx); err != nil {
			exceptions.Throw(err)
		}
	}

	id, err := s.mapper.idFor(h)
	if err != nil {
		exceptions.Throw(errors.Wrap(err, "recording array access"))
	}

	idx := len(s.order)
	s.order = append(s.order, RecType{
		Tag:   tag,
		ID:    id,
		Weak:  h.Weak(),
		Size:  h.Size(),
		DType: dtype,
		Ctx:   ctx,
	})
	s.mapper.noteUse(id, idx)
	s.orderIdx++
}

// traceCallback is installed from the second iteration on. It compares every access
// against order[orderIdx] to confirm the replayed schedule still matches reality.
func (s *Scheduler) traceCallback(h swapio.Handle, op swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) {
	if s.funcIdx == 0 {
		return
	}

	tag, err := mapTag(op)
	if err != nil {
		exceptions.Throw(err)
	}

	if s.precleared[h] {
		if tag == Clear {
			s.precleared[h] = false
		} else {
			exceptions.Throw(errors.Wrap(ErrTraceDivergence, "re-get/cast after preclear"))
		}
	}

	blockEnd := s.funcBlockEnds[s.funcIdx-1]
	withinBlock := s.orderIdx < blockEnd

	if withinBlock {
		rec := s.order[s.orderIdx]
		sameSlot := tag == rec.Tag && dtype == rec.DType && swapio.ArrayKey(ctx) == swapio.ArrayKey(rec.Ctx)
		recHandle, recAlive := rec.Weak.Lock()

		if sameSlot && (!recAlive || recHandle != h) {
			// Handle substitution: a data loader recycled a different physical buffer
			// for the same logical slot. Rewrite every recorded use of this ID.
			for _, i := range s.mapper.usesOf(rec.ID) {
				r := s.order[i]
				r.Weak = h.Weak()
				s.order[i] = r
			}
		} else if !sameSlot {
			s.wrongOrdered = append(s.wrongOrdered, wrongOrderRec{Tag: tag, Weak: h.Weak(), DType: dtype, Ctx: ctx})
		}
	} else {
		s.wrongOrdered = append(s.wrongOrdered, wrongOrderRec{Tag: tag, Weak: h.Weak(), DType: dtype, Ctx: ctx})
	}

	s.orderIdx++
}
