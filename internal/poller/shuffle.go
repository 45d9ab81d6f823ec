package poller

import (
	"math/rand"
	"sync"
	"syscall"
)

// lockedRand wraps a *rand.Rand with a mutex. Each Poller owns its own
// instance (there is exactly one goroutine calling Run per Poller, so the
// lock only matters if a caller reuses a Poller's rnd from a test), seeded
// independently so that two Pollers don't shuffle in lockstep.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// fisherYatesShuffle permutes evs in place (spec.md §4.7 step 2): epoll
// returns events in FIFO order of fd readiness, so without shuffling the
// same chatty peers would always be serviced first, starving quieter ones
// under load.
func fisherYatesShuffle(evs []syscall.EpollEvent, r *lockedRand) {
	for i := len(evs) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		evs[i], evs[j] = evs[j], evs[i]
	}
}
