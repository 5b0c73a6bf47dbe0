package reconcile

import (
	"sort"

	"github.com/meshworks/fedsync/dag"
)

// EntityKeyer extracts the entity touched by a block and the block's value
// contribution to it. Entity semantics belong to the economic, governance,
// and identity collaborators; the core only needs a stable key to detect
// clashes on.
type EntityKeyer interface {
	EntityKey(block *dag.Block) (entity string, value []byte, err error)
}

// EntityChange is the final effect of one branch on one entity since the
// common ancestor.
type EntityChange struct {
	Entity string
	Type   dag.BlockType
	Value  []byte
	Blocks []string
}

// Delta summarizes one branch's divergence from a common-ancestor
// checkpoint.
type Delta struct {
	// CheckpointID identifies the branch head.
	CheckpointID string
	// Origin is the public key of the federation the branch was fetched
	// from; empty for the local branch.
	Origin string
	// Epoch is the branch head's epoch.
	Epoch uint64
	// SigWeight is the cumulative count of validator signatures on the
	// branch's checkpoints past the ancestor.
	SigWeight int
	// Signers holds the validators that signed the branch head.
	Signers map[string]bool
	// Entities maps entity key to the branch's final change.
	Entities map[string]EntityChange
	// BlockIDs lists the branch's blocks since the ancestor, sorted.
	BlockIDs []string
}

// DeltaFromBlocks folds a branch's blocks into a Delta. Blocks must be given
// in replay order (dag.TopologicalOrder); later changes to an entity override
// earlier ones, mirroring state replay.
func DeltaFromBlocks(checkpointID string, epoch uint64, sigWeight int, signers map[string]bool, blocks []*dag.Block, keyer EntityKeyer) (Delta, error) {
	delta := Delta{
		CheckpointID: checkpointID,
		Epoch:        epoch,
		SigWeight:    sigWeight,
		Signers:      signers,
		Entities:     map[string]EntityChange{},
	}

	for _, block := range blocks {
		entity, value, err := keyer.EntityKey(block)
		if err != nil {
			return Delta{}, err
		}

		change, ok := delta.Entities[entity]
		if !ok {
			change = EntityChange{Entity: entity, Type: block.Body.Type}
		}
		change.Value = value
		change.Blocks = append(change.Blocks, block.ID())
		delta.Entities[entity] = change

		delta.BlockIDs = append(delta.BlockIDs, block.ID())
	}

	sort.Strings(delta.BlockIDs)

	return delta, nil
}

// BlockIDKeyer is the degenerate keyer that treats every block as its own
// entity. Deltas built with it never clash; it serves tests and deployments
// where all payload semantics are external.
type BlockIDKeyer struct{}

// EntityKey implements EntityKeyer.
func (BlockIDKeyer) EntityKey(block *dag.Block) (string, []byte, error) {
	return block.ID(), block.Body.Payload, nil
}
