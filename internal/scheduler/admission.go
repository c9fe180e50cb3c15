package scheduler

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Admission bounds the number of in-flight attempts with a weighted
// semaphore sized at the hard maximum from config. Lowering the ceiling
// withholds permits from the pool; permits a running attempt already holds
// are reclaimed as it reports, so the new ceiling applies to future
// admissions only.
type Admission struct {
	sem *semaphore.Weighted
	max int64

	mu       sync.Mutex
	ceiling  int64
	withheld int64 // permits held back to enforce a lowered ceiling
	debt     int64 // permits still to withhold once running attempts release them
	inFlight int64
}

// NewAdmission creates a controller with ceiling slots, which is also the
// hard maximum.
func NewAdmission(ceiling int) *Admission {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Admission{
		sem:     semaphore.NewWeighted(int64(ceiling)),
		max:     int64(ceiling),
		ceiling: int64(ceiling),
	}
}

// TryAdmit claims a permit without blocking. The caller must Release the
// permit when the attempt reports.
func (a *Admission) TryAdmit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.inFlight++
	return true
}

// Release returns a permit. A pending withhold debt from a lowered ceiling
// is paid before the permit goes back to the pool.
func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight--
	if a.debt > 0 {
		a.debt--
		a.withheld++
		return
	}
	a.sem.Release(1)
}

// SetCeiling adjusts the admission ceiling, clamped to [1, max]. Lowering
// it never interrupts running attempts: permits the pool cannot supply
// right now are withheld as attempts release them.
func (a *Admission) SetCeiling(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := int64(n)
	if c < 1 {
		c = 1
	}
	if c > a.max {
		c = a.max
	}
	a.ceiling = c

	target := a.max - c
	for a.withheld+a.debt < target {
		if a.sem.TryAcquire(1) {
			a.withheld++
			continue
		}
		a.debt = target - a.withheld
	}
	for a.withheld+a.debt > target {
		if a.debt > 0 {
			a.debt--
			continue
		}
		a.sem.Release(1)
		a.withheld--
	}
}

// InFlight reports the number of claimed permits.
func (a *Admission) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.inFlight)
}

// Ceiling reports the current admission ceiling.
func (a *Admission) Ceiling() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.ceiling)
}
