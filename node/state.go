package node

import (
	"sync"
	"sync/atomic"
)

// State captures the state of a federation node: Syncing, Partitioned, or
// Shutdown.
type State uint32

const (
	// Syncing is the normal operating state, in which the node periodically
	// opens sync sessions with peer federations and responds to theirs.
	Syncing State = iota

	// Partitioned is entered when fewer than half of the known peers are
	// reachable. The node keeps serving requests but opens outbound sessions
	// at a reduced cadence, and tracks the partition snapshot for later
	// recovery.
	Partitioned

	// Shutdown is the state in which a node stops responding to external
	// events and closes its transport.
	Shutdown
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

// String ...
func (s State) String() string {
	switch s {
	case Syncing:
		return "Syncing"
	case Partitioned:
		return "Partitioned"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// goFunc launches a goroutine for a given function, if there are currently
// less than WGLIMIT running. It increments the waitgroup.
func (b *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
