package tuya

import "sync/atomic"

// SequenceAllocator hands out transaction ids for outgoing frames.
// The zero value is ready to use; the first allocated id is 0.
// One allocator is shared by every device driven through a coordinator.
type SequenceAllocator struct {
	next atomic.Uint32
}

// Next returns *explicit unchanged when supplied (request/response
// correlation chosen by the caller), otherwise the next counter value.
// The counter wraps from 0xFFFF to 0.
func (a *SequenceAllocator) Next(explicit *uint16) uint16 {
	if explicit != nil {
		return *explicit
	}
	// A single atomic add claims the id; the low 16 bits give the wrap.
	return uint16(a.next.Add(1) - 1)
}
