package proxy

import (
	"context"

	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/reconcile"
)

// SubmitRequest is a new record the application wants admitted into the local
// DAG. The engine wraps it into a block, signs it when the type requires a
// signature, and admits it.
type SubmitRequest struct {
	Type    dag.BlockType
	Payload []byte
}

// AppProxy is the interface between the sync engine and the application whose
// state it checkpoints. The application owns payload semantics; the engine
// only ever sees opaque bytes and the entity keys the application derives
// from them.
type AppProxy interface {
	// SubmitCh returns the channel on which the application submits new
	// records.
	SubmitCh() chan SubmitRequest

	// FoldEntities returns the per-entity state bytes after applying the
	// given blocks on top of current state, keyed by entity.
	FoldEntities(blocks []*dag.Block) (map[string][]byte, error)

	// Summary returns the application's opaque summary blob for an epoch.
	Summary(epoch uint64) ([]byte, error)

	// EntityKey extracts the entity a block affects and its resulting value.
	EntityKey(block *dag.Block) (entity string, value []byte, err error)

	// DecideConflict asks the application's governance process to choose
	// between two divergent branches. It returns the checkpoint ID of the
	// chosen branch.
	DecideConflict(ctx context.Context, ancestorID string, ours, theirs reconcile.Delta) (string, error)

	// Restore replaces the application state with the given entity map,
	// typically after a fast-forward.
	Restore(entities map[string][]byte) error
}
