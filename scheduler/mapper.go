package scheduler

import (
	"math"

	"github.com/gomlx/lms/swapio"
)

// idMapper is a bijection between live array identity and stable uint32 IDs, plus the
// inverse index from ID to every position in order that references it.
//
// Identity is the Handle interface value itself: implementations of swapio.Handle are
// expected to be pointer types, so two Handles compare equal iff they refer to the same
// underlying array.
type idMapper struct {
	ids     map[swapio.Handle]uint32
	inverse map[uint32][]int
	next    uint32
}

func newIDMapper() *idMapper {
	return &idMapper{
		ids:     make(map[swapio.Handle]uint32),
		inverse: make(map[uint32][]int),
	}
}

func (m *idMapper) reset() {
	m.ids = make(map[swapio.Handle]uint32)
	m.inverse = make(map[uint32][]int)
	m.next = 0
}

// idFor interns h, assigning the next ID if h has not been seen this iteration.
func (m *idMapper) idFor(h swapio.Handle) (uint32, error) {
	if id, ok := m.ids[h]; ok {
		return id, nil
	}
	if len(m.ids) > math.MaxUint32 {
		return 0, ErrIDOverflow
	}
	id := m.next
	m.ids[h] = id
	m.next++
	return id, nil
}

// noteUse records that order index idx references id, for later O(uses) substitution.
func (m *idMapper) noteUse(id uint32, idx int) {
	m.inverse[id] = append(m.inverse[id], idx)
}

// usesOf returns every order index referencing id.
func (m *idMapper) usesOf(id uint32) []int {
	return m.inverse[id]
}
