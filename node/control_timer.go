package node

import (
	"math/rand"
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer paces the sync loop. The node consumes tickCh and pushes the
// next period onto resetCh after each round, so the cadence can change when
// the node moves between the Syncing and Partitioned states.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sync loop ticks
	resetCh      chan time.Duration //re-arms the timer with a new period
	stopCh       chan struct{}      //disarms the timer until the next reset
	shutdownCh   chan struct{}      //exits the Run loop
	set          bool
}

func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

// NewRandomControlTimer returns a ControlTimer whose period is jittered
// between one and two times the requested duration, so federations that
// start together do not tick in lockstep.
func NewRandomControlTimer() *ControlTimer {
	jittered := func(min time.Duration) <-chan time.Time {
		if min == 0 {
			return nil
		}
		extra := (time.Duration(rand.Int63()) % min)
		return time.After(min + extra)
	}
	return NewControlTimer(jittered)
}

// Run arms the timer with the initial period and serves ticks until Shutdown.
func (c *ControlTimer) Run(init time.Duration) {

	setTimer := func(t time.Duration) <-chan time.Time {
		c.set = true
		return c.timerFactory(t)
	}

	timer := setTimer(init)
	for {
		select {
		case <-timer:
			c.tickCh <- struct{}{}
			c.set = false
		case t := <-c.resetCh:
			timer = setTimer(t)
		case <-c.stopCh:
			timer = nil
			c.set = false
		case <-c.shutdownCh:
			c.set = false
			return
		}
	}
}

// Shutdown terminates the Run loop.
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
