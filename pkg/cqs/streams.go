package cqs

import (
	"github.com/Workiva/go-datastructures/bitarray"
)

// streamSet hands out the small integer ids that multiplex requests over
// one connection. It is guarded by the owning connection's lock and is not
// independently thread-safe.
type streamSet struct {
	bits        bitarray.BitArray
	capacity    int
	outstanding int
	cursor      int
}

func newStreamSet(capacity int) *streamSet {
	if capacity <= 0 {
		capacity = defaultStreamsPerConnection
	}
	return &streamSet{
		bits:     bitarray.NewBitArray(uint64(capacity)),
		capacity: capacity,
	}
}

// acquire returns an unused stream id or ErrStreamsExhausted when every id
// is outstanding. The cursor rotates so recently released ids are not
// immediately reissued, which keeps late responses on a dead id from
// colliding with a fresh request.
func (ss *streamSet) acquire() (int16, error) {

	if ss.outstanding >= ss.capacity {
		return 0, ErrStreamsExhausted
	}

	for i := 0; i < ss.capacity; i++ {
		id := (ss.cursor + i) % ss.capacity

		set, err := ss.bits.GetBit(uint64(id))
		if err != nil {
			return 0, err
		}
		if set {
			continue
		}

		if err := ss.bits.SetBit(uint64(id)); err != nil {
			return 0, err
		}
		ss.outstanding++
		ss.cursor = (id + 1) % ss.capacity
		return int16(id), nil
	}

	return 0, ErrStreamsExhausted
}

// release returns an id to the free set. Releasing an id that is not
// outstanding is a caller bug and fails with ErrStreamDoubleRelease.
func (ss *streamSet) release(id int16) error {

	if id < 0 || int(id) >= ss.capacity {
		return ErrStreamDoubleRelease
	}

	set, err := ss.bits.GetBit(uint64(id))
	if err != nil {
		return err
	}
	if !set {
		return ErrStreamDoubleRelease
	}

	if err := ss.bits.ClearBit(uint64(id)); err != nil {
		return err
	}
	ss.outstanding--
	return nil
}

// available reports how many ids are currently free.
func (ss *streamSet) available() int {
	return ss.capacity - ss.outstanding
}
