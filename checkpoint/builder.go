package checkpoint

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/merkle"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

// StateFolder is the capability through which the economic and governance
// collaborators fold entity state. The fold must be deterministic; the
// builder canonicalizes by sorting entity keys before hashing, so two
// conforming nodes compute byte-identical state roots.
type StateFolder interface {
	// FoldEntities returns the per-entity state bytes after applying the
	// given blocks on top of current state, keyed by entity.
	FoldEntities(blocks []*dag.Block) (map[string][]byte, error)
	// Summary returns the opaque summary blob for the epoch.
	Summary(epoch uint64) ([]byte, error)
}

// SignatureRequester solicits a checkpoint signature from a validator. This
// is an out-of-process call and must respect the context deadline.
type SignatureRequester interface {
	RequestSignature(ctx context.Context, validator *peers.Peer, cp *Checkpoint) (string, error)
}

// ValidatorSetSource is the identity subsystem's validator-set query.
type ValidatorSetSource interface {
	ValidatorSet() *peers.PeerSet
}

// Builder assembles and gets signatures on one checkpoint per epoch. Only one
// checkpoint may be under construction at a time for a given federation, to
// avoid duplicate-epoch races.
type Builder struct {
	mtx sync.Mutex

	federationID string
	key          *ecdsa.PrivateKey
	store        dag.Store
	chain        *Chain
	folder       StateFolder
	requester    SignatureRequester
	validators   ValidatorSetSource
	deadline     time.Duration
	logger       *logrus.Entry
}

// NewBuilder ...
func NewBuilder(
	federationID string,
	key *ecdsa.PrivateKey,
	store dag.Store,
	chain *Chain,
	folder StateFolder,
	requester SignatureRequester,
	validators ValidatorSetSource,
	deadline time.Duration,
	logger *logrus.Entry,
) *Builder {
	return &Builder{
		federationID: federationID,
		key:          key,
		store:        store,
		chain:        chain,
		folder:       folder,
		requester:    requester,
		validators:   validators,
		deadline:     deadline,
		logger:       logger.WithField("component", "builder"),
	}
}

// Build assembles the checkpoint for the given epoch from all blocks admitted
// since the previous checkpoint, solicits validator signatures before the
// deadline, and returns the signed checkpoint. It fails with QuorumNotReached
// if fewer than the super-majority sign in time; the caller may retry the
// epoch with an extended deadline. Build does not append to the chain.
func (b *Builder) Build(ctx context.Context, epoch uint64) (*Checkpoint, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	head := b.chain.Head()
	prevID := ""
	admissionStart := 0
	var txTotal uint64
	if head != nil {
		prevID = head.ID()
		admissionStart = b.chain.HeadBoundary()
		txTotal = head.Body.TxTotal
	}
	if expected := b.chain.HeadEpoch() + 1; epoch != expected {
		return nil, NewValidationErr(InvalidCheckpoint, "",
			fmt.Sprintf("building epoch %d, chain expects %d", epoch, expected))
	}

	blockIDs, blocks, admissionIndex, err := b.collectBlocks(admissionStart)
	if err != nil {
		return nil, err
	}

	blockRoot, blockProof := rootAndAnchor(idLeaves(blockIDs))

	entities, err := b.folder.FoldEntities(blocks)
	if err != nil {
		return nil, err
	}
	stateRoot, stateProof := rootAndAnchor(entityLeaves(entities))

	summary, err := b.folder.Summary(epoch)
	if err != nil {
		return nil, err
	}

	validatorSet := b.validators.ValidatorSet()
	setHash, err := validatorSet.Hash()
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		Body: Body{
			FederationID:     b.federationID,
			Epoch:            epoch,
			StateRoot:        stateRoot,
			PrevCheckpoint:   prevID,
			BlockRoot:        blockRoot,
			BlockCount:       len(blockIDs),
			TxTotal:          txTotal + uint64(len(blockIDs)),
			AdmissionIndex:   admissionIndex,
			ValidatorSetHash: setHash,
			Summary:          summary,
			Timestamp:        time.Now().UnixNano(),
		},
		Signatures: map[string]string{},
		BlockProof: blockProof,
		StateProof: stateProof,
	}

	if err := cp.Sign(b.key); err != nil {
		return nil, err
	}

	if err := b.solicitSignatures(ctx, cp, validatorSet); err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"epoch":      epoch,
		"blocks":     len(blockIDs),
		"signatures": len(cp.Signatures),
	}).Debug("checkpoint built")

	return cp, nil
}

// collectBlocks gathers the non-checkpoint blocks admitted since start, in
// admission order, along with the final log position.
func (b *Builder) collectBlocks(start int) ([]string, []*dag.Block, int, error) {
	admissionIndex := b.store.AdmissionIndex()
	ids, err := b.store.AdmittedSince(start)
	if err != nil {
		return nil, nil, 0, err
	}

	blockIDs := []string{}
	blocks := []*dag.Block{}
	for _, id := range ids {
		block, err := b.store.Get(id)
		if err != nil {
			return nil, nil, 0, err
		}
		if block.Body.Type == dag.Checkpoint {
			continue
		}
		blockIDs = append(blockIDs, id)
		blocks = append(blocks, block)
	}

	return blockIDs, blocks, admissionIndex, nil
}

// solicitSignatures fans out to every other validator and embeds every
// signature that arrives and verifies before the deadline.
func (b *Builder) solicitSignatures(ctx context.Context, cp *Checkpoint, validatorSet *peers.PeerSet) error {
	ctx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	ownPubHex := keys.PublicKeyHex(&b.key.PublicKey)

	type signed struct {
		pubKeyHex string
		sig       string
	}
	sigCh := make(chan signed, validatorSet.Len())

	var wg sync.WaitGroup
	for _, validator := range validatorSet.Peers {
		if validator.PubKeyHex == ownPubHex {
			continue
		}
		wg.Add(1)
		go func(v *peers.Peer) {
			defer wg.Done()
			sig, err := b.requester.RequestSignature(ctx, v, cp)
			if err != nil {
				b.logger.WithFields(logrus.Fields{
					"validator": v.Moniker,
					"error":     err,
				}).Debug("signature request failed")
				return
			}
			sigCh <- signed{pubKeyHex: v.PubKeyHex, sig: sig}
		}(validator)
	}

	wg.Wait()
	close(sigCh)

	for s := range sigCh {
		cp.SetSignature(s.pubKeyHex, s.sig)
		if ok, err := cp.Verify(s.pubKeyHex); err != nil || !ok {
			b.logger.WithField("validator", s.pubKeyHex).Warn("discarding invalid signature")
			delete(cp.Signatures, s.pubKeyHex)
		}
	}

	if len(cp.Signatures) < validatorSet.SuperMajority() {
		return NewValidationErr(QuorumNotReached, cp.ID(),
			fmt.Sprintf("%d of %d required signatures", len(cp.Signatures), validatorSet.SuperMajority()))
	}

	return nil
}

// idLeaves returns block IDs as Merkle leaves in canonical (lexicographic)
// order.
func idLeaves(blockIDs []string) [][]byte {
	sorted := make([]string, len(blockIDs))
	copy(sorted, blockIDs)
	sort.Strings(sorted)

	leaves := make([][]byte, len(sorted))
	for i, id := range sorted {
		leaves[i] = []byte(id)
	}
	return leaves
}

// entityLeaves returns entity states as Merkle leaves, sorted by entity key.
// The sort is the canonical fold order: any two conforming nodes produce
// byte-identical state roots from the same entity map.
func entityLeaves(entities map[string][]byte) [][]byte {
	entityKeys := make([]string, 0, len(entities))
	for k := range entities {
		entityKeys = append(entityKeys, k)
	}
	sort.Strings(entityKeys)

	leaves := make([][]byte, len(entityKeys))
	for i, k := range entityKeys {
		leaf := append([]byte(k), '=')
		leaf = append(leaf, entities[k]...)
		leaves[i] = leaf
	}
	return leaves
}

// rootAndAnchor computes a Merkle root and the anchor proof of its first
// leaf. Empty leaf sets yield the canonical empty root and no anchor.
func rootAndAnchor(leaves [][]byte) ([]byte, *AnchorProof) {
	root := merkle.RootHash(leaves)
	if len(leaves) == 0 {
		return root, nil
	}
	proof, err := merkle.ProveLeaf(leaves, 0)
	if err != nil {
		return root, nil
	}
	return root, &AnchorProof{Leaf: leaves[0], Proof: proof}
}
