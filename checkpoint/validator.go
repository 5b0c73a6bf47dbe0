package checkpoint

import (
	"bytes"
	"fmt"

	"github.com/meshworks/fedsync/merkle"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

// QuorumExcluder reports validators whose signatures must not count towards
// quorums. The trust ledger implements it; a nil excluder excludes nobody.
type QuorumExcluder interface {
	Excluded(pubKeyHex string) bool
}

// Validator verifies received checkpoints. Validation is deterministic and
// side-effect free: running it twice on the same inputs yields the same
// result.
type Validator struct {
	excluder QuorumExcluder
	logger   *logrus.Entry
}

// NewValidator ...
func NewValidator(excluder QuorumExcluder, logger *logrus.Entry) *Validator {
	return &Validator{
		excluder: excluder,
		logger:   logger.WithField("component", "validator"),
	}
}

// Validate checks a checkpoint against the previous checkpoint ID in local
// history and the validator set snapshotted at the checkpoint's epoch. A nil
// return means the checkpoint may be applied. Failures are typed: a
// ChainMismatch routes to the reconciler, QuorumNotReached and InvalidProof
// discard the checkpoint.
func (v *Validator) Validate(cp *Checkpoint, prevID string, validatorSet *peers.PeerSet) error {
	if cp.ID() == "" {
		return NewValidationErr(InvalidCheckpoint, "", "identifier not computable")
	}
	if cp.Body.Epoch == 0 {
		return NewValidationErr(InvalidCheckpoint, cp.ID(), "epoch 0 is the genesis sentinel")
	}

	if cp.Body.PrevCheckpoint != prevID {
		return NewValidationErr(ChainMismatch, cp.ID(),
			fmt.Sprintf("prev reference %s, local head %s", cp.Body.PrevCheckpoint, prevID))
	}

	setHash, err := validatorSet.Hash()
	if err != nil {
		return err
	}
	if string(setHash) != string(cp.Body.ValidatorSetHash) {
		return NewValidationErr(InvalidCheckpoint, cp.ID(), "validator-set hash mismatch")
	}

	count := v.countSignatures(cp, validatorSet)
	if count < validatorSet.SuperMajority() {
		return NewValidationErr(QuorumNotReached, cp.ID(),
			fmt.Sprintf("%d of %d required signatures", count, validatorSet.SuperMajority()))
	}

	if cp.Body.BlockCount > 0 {
		if cp.BlockProof == nil || !cp.BlockProof.Verify(cp.Body.BlockRoot) {
			return NewValidationErr(InvalidProof, cp.ID(), "block root anchor")
		}
	}
	if cp.StateProof != nil && !cp.StateProof.Verify(cp.Body.StateRoot) {
		return NewValidationErr(InvalidProof, cp.ID(), "state root anchor")
	}

	return nil
}

// VerifyCoverage recomputes the block Merkle root from the block IDs a peer
// claims the checkpoint covers, and rejects any set that does not reproduce
// the signed root. The anchor proof only binds the first leaf; without this
// check a peer could slip extra blocks into the batch it serves.
func (v *Validator) VerifyCoverage(cp *Checkpoint, blockIDs []string) error {
	if len(blockIDs) != cp.Body.BlockCount {
		return NewValidationErr(InvalidProof, cp.ID(),
			fmt.Sprintf("%d block IDs served, body covers %d", len(blockIDs), cp.Body.BlockCount))
	}

	root := merkle.RootHash(idLeaves(blockIDs))
	if !bytes.Equal(root, cp.Body.BlockRoot) {
		return NewValidationErr(InvalidProof, cp.ID(), "served block IDs do not recompute the block root")
	}

	return nil
}

// countSignatures counts attached signatures that verify against members of
// the validator set, skipping excluded validators. Signatures from keys
// outside the set are ignored, not errors: federations may attach extra
// observer signatures.
func (v *Validator) countSignatures(cp *Checkpoint, validatorSet *peers.PeerSet) int {
	count := 0
	for pubKeyHex := range cp.Signatures {
		if _, ok := validatorSet.ByPubKey[pubKeyHex]; !ok {
			continue
		}
		if v.excluder != nil && v.excluder.Excluded(pubKeyHex) {
			v.logger.WithField("validator", pubKeyHex).Debug("signature from excluded validator ignored")
			continue
		}
		ok, err := cp.Verify(pubKeyHex)
		if err != nil || !ok {
			continue
		}
		count++
	}
	return count
}
