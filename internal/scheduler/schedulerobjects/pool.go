package schedulerobjects

// PoolSlotsInfinite marks a pool with no slot limit.
const PoolSlotsInfinite = -1

// Pool is a named resource with a fixed slot count shared across all task
// instances referencing it by name.
type Pool struct {
	Name  string
	Slots int
	// If true, deferred task instances count against occupancy.
	IncludeDeferred bool
}

func (p *Pool) Infinite() bool {
	return p.Slots == PoolSlotsInfinite
}

// OpenSlots returns the number of slots still available given current occupancy.
// A pool whose slot count was reduced below current occupancy reports zero,
// never a negative value.
func (p *Pool) OpenSlots(occupied int) int {
	if p.Infinite() {
		return int(^uint(0) >> 1)
	}
	open := p.Slots - occupied
	if open < 0 {
		return 0
	}
	return open
}
