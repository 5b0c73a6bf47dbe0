package node

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType enumerates the notifications the node publishes to local
// subscribers.
type EventType uint8

const (
	// BlockAdmitted - a block passed admission and entered the local DAG.
	BlockAdmitted EventType = iota
	// CheckpointBuilt - the local federation signed a new checkpoint with
	// quorum.
	CheckpointBuilt
	// CheckpointValidated - a remote checkpoint passed validation and was
	// appended to the local chain.
	CheckpointValidated
	// ConflictDetected - reconciliation found conflicting entity state.
	ConflictDetected
	// PartitionSuspected - fewer than half of the known peers are reachable.
	PartitionSuspected
	// PartitionHealed - connectivity to a suspected partition returned.
	PartitionHealed
	// PartitionAlert - a suspected partition outlived the healing deadline
	// and needs operator attention.
	PartitionAlert
)

// String ...
func (t EventType) String() string {
	switch t {
	case BlockAdmitted:
		return "BlockAdmitted"
	case CheckpointBuilt:
		return "CheckpointBuilt"
	case CheckpointValidated:
		return "CheckpointValidated"
	case ConflictDetected:
		return "ConflictDetected"
	case PartitionSuspected:
		return "PartitionSuspected"
	case PartitionHealed:
		return "PartitionHealed"
	case PartitionAlert:
		return "PartitionAlert"
	default:
		return "Unknown"
	}
}

// Event is a notification with an optional subject (block ID, checkpoint ID,
// or peer pubkey, depending on the type).
type Event struct {
	Type    EventType
	Subject string
	Epoch   uint64
}

// Emitter fans events out to subscriber channels. Emit never blocks: a
// subscriber that does not drain its channel misses events rather than
// stalling the node.
type Emitter struct {
	mtx    sync.Mutex
	subs   []chan Event
	logger *logrus.Entry
}

// NewEmitter ...
func NewEmitter(logger *logrus.Entry) *Emitter {
	return &Emitter{
		logger: logger.WithField("component", "events"),
	}
}

// Subscribe registers a new subscriber and returns its channel. The buffer
// absorbs bursts; events overflowing it are dropped for that subscriber.
func (e *Emitter) Subscribe(buffer int) <-chan Event {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	ch := make(chan Event, buffer)
	e.subs = append(e.subs, ch)
	return ch
}

// Emit publishes an event to all subscribers.
func (e *Emitter) Emit(ev Event) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.WithFields(logrus.Fields{
				"type":    ev.Type.String(),
				"subject": ev.Subject,
			}).Debug("Dropping event for slow subscriber")
		}
	}
}
