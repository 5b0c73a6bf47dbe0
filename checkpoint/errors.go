package checkpoint

import "fmt"

// ValidationErrType enumerates checkpoint validation failures. Quorum and
// signature failures may be transient (late signatures, partial network
// failure) and are retryable with backoff; repeated occurrence from the same
// peer is an adversarial signal for the trust ledger.
type ValidationErrType uint32

const (
	// ChainMismatch - the previous-checkpoint reference does not match local
	// history; either a missed checkpoint or a fork. Routed to the
	// reconciler, never silently accepted.
	ChainMismatch ValidationErrType = iota
	// QuorumNotReached - fewer than ceil((2n+1)/3) valid signatures.
	QuorumNotReached
	// InvalidProof - a Merkle proof does not verify against the checkpoint's
	// own roots.
	InvalidProof
	// InvalidCheckpoint - the checkpoint is structurally unusable (bad
	// identifier, bad epoch, undecodable).
	InvalidCheckpoint
)

// ValidationErr is a typed checkpoint validation error.
type ValidationErr struct {
	errType      ValidationErrType
	checkpointID string
	detail       string
}

// NewValidationErr ...
func NewValidationErr(errType ValidationErrType, checkpointID, detail string) ValidationErr {
	return ValidationErr{
		errType:      errType,
		checkpointID: checkpointID,
		detail:       detail,
	}
}

// Error implements the error interface.
func (e ValidationErr) Error() string {
	m := ""
	switch e.errType {
	case ChainMismatch:
		m = "Chain Mismatch"
	case QuorumNotReached:
		m = "Quorum Not Reached"
	case InvalidProof:
		m = "Invalid Proof"
	case InvalidCheckpoint:
		m = "Invalid Checkpoint"
	}
	if e.detail != "" {
		return fmt.Sprintf("%s, %s: %s", m, e.checkpointID, e.detail)
	}
	return fmt.Sprintf("%s, %s", m, e.checkpointID)
}

// IsValidation checks that an error is a ValidationErr with the given code.
func IsValidation(err error, t ValidationErrType) bool {
	valErr, ok := err.(ValidationErr)
	return ok && valErr.errType == t
}
