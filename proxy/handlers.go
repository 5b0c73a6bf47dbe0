package proxy

import (
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/reconcile"
)

// ProxyHandler encapsulates callbacks to be called by the InmemProxy. This is
// the true contact surface between the engine and the application. The
// application must implement these handlers to fold admitted blocks into its
// state, key blocks by entity, and arbitrate governance conflicts.
type ProxyHandler interface {
	// FoldHandler is called when the engine folds a batch of admitted blocks
	// into application state, ahead of building a checkpoint.
	FoldHandler(blocks []*dag.Block) (entities map[string][]byte, err error)

	// SummaryHandler is called to retrieve the application's summary blob
	// for an epoch.
	SummaryHandler(epoch uint64) (summary []byte, err error)

	// KeyHandler is called to extract the entity a block affects and its
	// resulting value.
	KeyHandler(block *dag.Block) (entity string, value []byte, err error)

	// ConflictHandler is called when reconciliation hits a Major conflict
	// and the application's governance process must choose a branch.
	ConflictHandler(ancestorID string, ours, theirs reconcile.Delta) (chosenID string, err error)

	// RestoreHandler is called to replace the application state after a
	// fast-forward.
	RestoreHandler(entities map[string][]byte) error
}
