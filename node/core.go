package node

import (
	"context"
	"fmt"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/proxy"
	"github.com/meshworks/fedsync/reconcile"
	"github.com/sirupsen/logrus"
)

// Core wraps the storage, checkpoint, and reconciliation machinery behind the
// node. It is not thread safe; the node guards it with coreLock.
type Core struct {
	validator *Validator

	federationID string

	// validators is the validator set of the local federation, used for
	// checkpoint quorum.
	validators *peers.PeerSet

	// registry and trust track the other federations we sync with.
	registry *peers.Registry
	trust    *peers.TrustLedger

	store dag.Store
	chain *checkpoint.Chain

	builder     *checkpoint.Builder
	cpValidator *checkpoint.Validator
	reconciler  *reconcile.Reconciler

	proxy   proxy.AppProxy
	emitter *Emitter

	// frontier is the ID of the last locally-created block, used as the
	// parent of the next one.
	frontier string

	logger *logrus.Entry
}

// NewCore ...
func NewCore(
	validator *Validator,
	federationID string,
	validators *peers.PeerSet,
	store dag.Store,
	chain *checkpoint.Chain,
	appProxy proxy.AppProxy,
	requester checkpoint.SignatureRequester,
	quorumTimeout time.Duration,
	emitter *Emitter,
	logger *logrus.Entry,
) *Core {

	registry := peers.NewRegistry()
	trust := peers.NewTrustLedger(registry, logger)

	core := &Core{
		validator:    validator,
		federationID: federationID,
		validators:   validators,
		registry:     registry,
		trust:        trust,
		store:        store,
		chain:        chain,
		proxy:        appProxy,
		emitter:      emitter,
		logger:       logger.WithField("component", "core"),
	}

	core.builder = checkpoint.NewBuilder(
		federationID,
		validator.Key,
		store,
		chain,
		appProxy,
		requester,
		core,
		quorumTimeout,
		logger,
	)

	core.cpValidator = checkpoint.NewValidator(trust, logger)

	core.reconciler = reconcile.NewReconciler(appProxy, trust, logger)

	return core
}

// ValidatorSet implements checkpoint.ValidatorSetSource.
func (c *Core) ValidatorSet() *peers.PeerSet {
	return c.validators
}

// Bootstrap loads the frontier from the store after a restart.
func (c *Core) Bootstrap() error {
	index := c.store.AdmissionIndex()
	if index == 0 {
		return nil
	}

	ids, err := c.store.AdmittedSince(index - 1)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		c.frontier = ids[0]
	}

	c.logger.WithFields(logrus.Fields{
		"admitted":   index,
		"head_epoch": c.chain.HeadEpoch(),
	}).Debug("Bootstrap")

	return nil
}

// AddRecord wraps an application record into a block, signs it when the type
// requires it, and admits it into the local DAG.
func (c *Core) AddRecord(req proxy.SubmitRequest) (*dag.Block, error) {
	var parents []dag.ParentLink
	if c.frontier != "" {
		prev, err := c.store.Get(c.frontier)
		if err != nil {
			return nil, err
		}
		parents = append(parents, dag.ParentLink{
			Name: "prev",
			ID:   prev.ID(),
			Size: uint64(len(prev.Body.Payload)),
		})
	}

	block := dag.NewBlock(req.Type, "record", req.Payload, parents, time.Now().UnixNano())

	if block.Body.Type.RequiresSignature() {
		if err := block.Sign(c.validator.Key); err != nil {
			return nil, err
		}
	}

	if err := c.store.Admit(block); err != nil {
		return nil, err
	}

	c.frontier = block.ID()

	c.emitter.Emit(Event{Type: BlockAdmitted, Subject: block.ID()})

	return block, nil
}

// AdmitForeign admits a batch of blocks received from a peer, in topological
// order. Blocks already admitted are skipped. A block whose parents are
// missing from both the batch and the store fails admission and aborts the
// batch.
func (c *Core) AdmitForeign(blocks []*dag.Block) (int, error) {
	ordered, err := dag.TopologicalOrder(blocks)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, block := range ordered {
		if c.store.Admitted(block.ID()) {
			continue
		}
		if err := c.store.Admit(block); err != nil {
			return admitted, err
		}
		admitted++
		c.emitter.Emit(Event{Type: BlockAdmitted, Subject: block.ID()})
	}

	return admitted, nil
}

// BuildCheckpoint builds, quorum-signs, and appends the checkpoint for the
// next epoch.
func (c *Core) BuildCheckpoint(ctx context.Context) (*checkpoint.Checkpoint, error) {
	epoch := c.chain.HeadEpoch() + 1

	cp, err := c.builder.Build(ctx, epoch)
	if err != nil {
		return nil, err
	}

	if err := c.chain.Append(cp); err != nil {
		return nil, err
	}

	c.emitter.Emit(Event{Type: CheckpointBuilt, Subject: cp.ID(), Epoch: epoch})

	return cp, nil
}

// ApplyCheckpoint validates a received checkpoint against the local chain
// head and appends it. The existing head is never overwritten: a checkpoint
// that does not extend it fails with ChainMismatch.
func (c *Core) ApplyCheckpoint(cp *checkpoint.Checkpoint) error {
	prevID := ""
	if head := c.chain.Head(); head != nil {
		prevID = head.ID()
	}

	if err := c.cpValidator.Validate(cp, prevID, c.validators); err != nil {
		return err
	}

	if err := c.chain.Append(cp); err != nil {
		return err
	}

	c.emitter.Emit(Event{Type: CheckpointValidated, Subject: cp.ID(), Epoch: cp.Body.Epoch})

	return nil
}

// SignCheckpoint serves a SignatureRequest from a co-validator: it signs the
// proposed checkpoint if it extends our chain head at the next epoch.
func (c *Core) SignCheckpoint(cp *checkpoint.Checkpoint) (string, error) {
	prevID := ""
	if head := c.chain.Head(); head != nil {
		prevID = head.ID()
	}

	if cp.Body.PrevCheckpoint != prevID {
		return "", checkpoint.NewValidationErr(checkpoint.ChainMismatch, cp.ID(),
			fmt.Sprintf("prev %s, local head %s", cp.Body.PrevCheckpoint, prevID))
	}
	if expected := c.chain.HeadEpoch() + 1; cp.Body.Epoch != expected {
		return "", checkpoint.NewValidationErr(checkpoint.InvalidCheckpoint, cp.ID(),
			fmt.Sprintf("epoch %d, expected %d", cp.Body.Epoch, expected))
	}

	if err := cp.Sign(c.validator.Key); err != nil {
		return "", err
	}

	return cp.Signatures[c.validator.PublicKeyHex()], nil
}

// BranchDelta summarizes the local branch since the checkpoint at the given
// admission index, for reconciliation against a diverged peer.
func (c *Core) BranchDelta(ancestorIndex int) (reconcile.Delta, error) {
	head := c.chain.Head()
	if head == nil {
		return reconcile.Delta{}, fmt.Errorf("no local checkpoint to reconcile from")
	}

	ids, err := c.store.AdmittedSince(ancestorIndex)
	if err != nil {
		return reconcile.Delta{}, err
	}

	blocks := []*dag.Block{}
	for _, id := range ids {
		block, err := c.store.Get(id)
		if err != nil {
			return reconcile.Delta{}, err
		}
		if block.Body.Type == dag.Checkpoint {
			continue
		}
		blocks = append(blocks, block)
	}

	signers := make(map[string]bool, len(head.Signatures))
	for pub := range head.Signatures {
		signers[pub] = true
	}

	return reconcile.DeltaFromBlocks(head.ID(), head.Body.Epoch, len(head.Signatures), signers, blocks, c.proxy)
}

// Reconcile runs the reconciler over the local and remote branch deltas.
func (c *Core) Reconcile(ctx context.Context, ancestorID string, ours, theirs reconcile.Delta) (*reconcile.ResolvedState, error) {
	res, err := c.reconciler.Reconcile(ctx, ancestorID, ours, theirs)
	if err != nil {
		return nil, err
	}

	if len(res.Conflicts) > 0 {
		c.emitter.Emit(Event{Type: ConflictDetected, Subject: ancestorID})
	}

	return res, nil
}

// GetBlocks serves a block fetch, omitting unknown IDs.
func (c *Core) GetBlocks(ids []string, limit int) []*dag.Block {
	blocks := []*dag.Block{}
	for _, id := range ids {
		if limit > 0 && len(blocks) >= limit {
			break
		}
		block, err := c.store.Get(id)
		if err != nil {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// EpochBlockIDs returns the IDs of the non-checkpoint blocks covered by the
// given local checkpoint, in admission order.
func (c *Core) EpochBlockIDs(cp *checkpoint.Checkpoint) ([]string, error) {
	start := 0
	if cp.Body.PrevCheckpoint != "" {
		b, err := c.chain.Boundary(cp.Body.PrevCheckpoint)
		if err != nil {
			return nil, err
		}
		start = b
	}

	end, err := c.chain.Boundary(cp.ID())
	if err != nil {
		return nil, err
	}

	ids, err := c.store.AdmittedSince(start)
	if err != nil {
		return nil, err
	}
	if span := end - start; span < len(ids) {
		ids = ids[:span]
	}

	out := []string{}
	for _, id := range ids {
		block, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		if block.Body.Type == dag.Checkpoint {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// FoldAll folds every non-checkpoint block in the local admission log through
// the application and returns the resulting entity map.
func (c *Core) FoldAll() (map[string][]byte, error) {
	ids, err := c.store.AdmittedSince(0)
	if err != nil {
		return nil, err
	}

	blocks := []*dag.Block{}
	for _, id := range ids {
		block, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		if block.Body.Type == dag.Checkpoint {
			continue
		}
		blocks = append(blocks, block)
	}

	return c.proxy.FoldEntities(blocks)
}

// PendingCount returns the number of admitted blocks not yet covered by the
// chain head.
func (c *Core) PendingCount() int {
	return c.store.AdmissionIndex() - c.chain.HeadBoundary()
}

// Headers returns local checkpoint headers inside the epoch window.
func (c *Core) Headers(from, to uint64) []checkpoint.Header {
	return c.chain.Headers(from, to)
}

// HeadEpoch returns the epoch of the local chain head, 0 when empty.
func (c *Core) HeadEpoch() uint64 {
	return c.chain.HeadEpoch()
}

// Head returns the local chain head, nil when empty.
func (c *Core) Head() *checkpoint.Checkpoint {
	return c.chain.Head()
}
