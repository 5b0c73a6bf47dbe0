package checkpoint

import (
	"fmt"
	"sync"

	cm "github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/dag"
)

// Chain is the ordered, persisted checkpoint history of a federation. All
// mutation goes through Append, which enforces the previous-checkpoint
// reference, so two checkpoints are never applied out of order. Reads may
// proceed concurrently.
type Chain struct {
	mtx sync.RWMutex

	store dag.Store

	order   []*Checkpoint
	byID    map[string]*Checkpoint
	byEpoch map[uint64]*Checkpoint
	blockID map[string]string // checkpoint ID => wrapper block ID

	// boundary maps a checkpoint ID to the local admission-log position just
	// after its wrapper block. Blocks at positions below the boundary are
	// covered by that checkpoint. The body's own AdmissionIndex is expressed
	// in the builder's log coordinates and is meaningless on other stores, so
	// it is never used locally.
	boundary map[string]int
}

// NewChain creates an empty chain on top of a block store.
func NewChain(store dag.Store) *Chain {
	return &Chain{
		store:    store,
		byID:     make(map[string]*Checkpoint),
		byEpoch:  make(map[uint64]*Checkpoint),
		blockID:  make(map[string]string),
		boundary: make(map[string]int),
	}
}

// LoadChain rebuilds a chain from the store's recorded head, walking the
// wrapper blocks backward. A store with no head yields an empty chain.
func LoadChain(store dag.Store) (*Chain, error) {
	chain := NewChain(store)

	headBlockID, err := store.ChainHead()
	if err != nil {
		if cm.IsStore(err, cm.Empty) {
			return chain, nil
		}
		return nil, err
	}

	reversed := []*Checkpoint{}
	wrapperIDs := []string{}
	blockID := headBlockID
	for blockID != "" {
		block, err := store.Get(blockID)
		if err != nil {
			return nil, fmt.Errorf("chain walk: %v", err)
		}
		cp, err := FromBlock(block)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, cp)
		wrapperIDs = append(wrapperIDs, blockID)

		if len(block.Body.Parents) > 0 {
			blockID = block.Body.Parents[0].ID
		} else {
			blockID = ""
		}
	}

	// Recover the local coverage boundaries by locating each wrapper in the
	// admission log.
	log, err := store.AdmittedSince(0)
	if err != nil {
		return nil, err
	}
	position := make(map[string]int, len(log))
	for i, id := range log {
		position[id] = i
	}

	for i := len(reversed) - 1; i >= 0; i-- {
		cp := reversed[i]
		chain.order = append(chain.order, cp)
		chain.byID[cp.ID()] = cp
		chain.byEpoch[cp.Body.Epoch] = cp
		chain.blockID[cp.ID()] = wrapperIDs[i]

		pos, ok := position[wrapperIDs[i]]
		if !ok {
			return nil, fmt.Errorf("chain walk: wrapper %s missing from admission log", wrapperIDs[i])
		}
		chain.boundary[cp.ID()] = pos + 1
	}

	return chain, nil
}

// Head returns the latest checkpoint, or nil for an empty chain.
func (c *Chain) Head() *Checkpoint {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if len(c.order) == 0 {
		return nil
	}
	return c.order[len(c.order)-1]
}

// HeadEpoch returns the latest epoch, or 0 for an empty chain.
func (c *Chain) HeadEpoch() uint64 {
	head := c.Head()
	if head == nil {
		return 0
	}
	return head.Body.Epoch
}

// AtEpoch returns the checkpoint at the given epoch.
func (c *Chain) AtEpoch(epoch uint64) (*Checkpoint, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	cp, ok := c.byEpoch[epoch]
	if !ok {
		return nil, cm.NewStoreErr("Chain", cm.KeyNotFound, fmt.Sprintf("epoch %d", epoch))
	}
	return cp, nil
}

// GetByID returns a checkpoint by identifier.
func (c *Chain) GetByID(id string) (*Checkpoint, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	cp, ok := c.byID[id]
	if !ok {
		return nil, cm.NewStoreErr("Chain", cm.KeyNotFound, id)
	}
	return cp, nil
}

// Contains reports whether a checkpoint ID is part of local history.
func (c *Chain) Contains(id string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	_, ok := c.byID[id]
	return ok
}

// Len returns the chain length.
func (c *Chain) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.order)
}

// Headers returns headers for epochs in [from, to], bounded to the chain.
func (c *Chain) Headers(from, to uint64) []Header {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	res := []Header{}
	for _, cp := range c.order {
		if cp.Body.Epoch >= from && cp.Body.Epoch <= to {
			res = append(res, cp.Header())
		}
	}
	return res
}

// Append validates the linkage of a checkpoint and persists it at the head of
// the chain: the wrapper block is admitted and the durable chain-head pointer
// is moved, in that order, so a crash between the two re-applies cleanly on
// reload.
func (c *Chain) Append(cp *Checkpoint) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	prevID := ""
	prevBlockID := ""
	var nextEpoch uint64 = 1
	if len(c.order) > 0 {
		head := c.order[len(c.order)-1]
		prevID = head.ID()
		prevBlockID = c.blockID[prevID]
		nextEpoch = head.Body.Epoch + 1
	}

	if cp.Body.PrevCheckpoint != prevID {
		return NewValidationErr(ChainMismatch, cp.ID(),
			fmt.Sprintf("prev reference %s, chain head %s", cp.Body.PrevCheckpoint, prevID))
	}
	if cp.Body.Epoch != nextEpoch {
		return NewValidationErr(ChainMismatch, cp.ID(),
			fmt.Sprintf("epoch %d, expected %d", cp.Body.Epoch, nextEpoch))
	}

	block, err := cp.AsBlock(prevBlockID)
	if err != nil {
		return err
	}
	if err := c.store.Admit(block); err != nil {
		return err
	}
	if err := c.store.SetChainHead(block.ID()); err != nil {
		return err
	}

	c.order = append(c.order, cp)
	c.byID[cp.ID()] = cp
	c.byEpoch[cp.Body.Epoch] = cp
	c.blockID[cp.ID()] = block.ID()
	c.boundary[cp.ID()] = c.store.AdmissionIndex()

	return nil
}

// TruncateTo drops every checkpoint above the given one and moves the
// durable chain-head pointer back to it. Wrapper blocks of dropped
// checkpoints stay in the DAG; they are ignored by epoch collection. This is
// only used when adopting the winning branch after a partition heals.
func (c *Chain) TruncateTo(id string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	cut := -1
	for i, cp := range c.order {
		if cp.ID() == id {
			cut = i
			break
		}
	}
	if cut < 0 {
		return cm.NewStoreErr("Chain", cm.KeyNotFound, id)
	}

	if err := c.store.SetChainHead(c.blockID[id]); err != nil {
		return err
	}

	for _, cp := range c.order[cut+1:] {
		delete(c.byID, cp.ID())
		delete(c.byEpoch, cp.Body.Epoch)
		delete(c.blockID, cp.ID())
		delete(c.boundary, cp.ID())
	}
	c.order = c.order[:cut+1]

	return nil
}

// Boundary returns the local admission-log position just after the given
// checkpoint's wrapper block.
func (c *Chain) Boundary(id string) (int, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	b, ok := c.boundary[id]
	if !ok {
		return 0, cm.NewStoreErr("Chain", cm.KeyNotFound, id)
	}
	return b, nil
}

// HeadBoundary returns the boundary of the chain head, 0 for an empty chain.
func (c *Chain) HeadBoundary() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if len(c.order) == 0 {
		return 0
	}
	return c.boundary[c.order[len(c.order)-1].ID()]
}
