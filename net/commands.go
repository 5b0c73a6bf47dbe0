package net

import (
	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/peers"
)

// CheckpointHeaderRequest opens a sync session: it asks a peer for the
// checkpoint headers it holds inside a bounded epoch window. The window is
// centered around the requester's current epoch and covers the case where
// the peer is ahead.
type CheckpointHeaderRequest struct {
	From      string // requester federation pubkey hex
	EpochFrom uint64
	EpochTo   uint64
}

// CheckpointHeaderResponse returns the responder's headers inside the window,
// in epoch order, along with its current head epoch.
type CheckpointHeaderResponse struct {
	From      string
	HeadEpoch uint64
	Headers   []checkpoint.Header
}

// CheckpointRequest fetches one full checkpoint, proofs included, by
// identifier.
type CheckpointRequest struct {
	From string
	ID   string
}

// CheckpointResponse carries the checkpoint plus the IDs of the blocks its
// epoch covers, so the requester can fetch them without knowing the
// responder's admission log.
type CheckpointResponse struct {
	From       string
	Checkpoint *checkpoint.Checkpoint
	BlockIDs   []string
}

// BlockRequest fetches a batch of blocks by identifier. Requesters bound the
// batch size; responders serve what they have and omit the rest.
type BlockRequest struct {
	From string
	IDs  []string
}

// BlockResponse ...
type BlockResponse struct {
	From   string
	Blocks []*dag.Block
}

// GossipRequest asks a peer for its known-peer list.
type GossipRequest struct {
	From string
}

// GossipResponse ...
type GossipResponse struct {
	From  string
	Peers []*peers.Peer
}

// AnnounceRequest introduces a federation to a peer. Proof is a signature by
// the announcing federation's key over its own public key bytes; receivers
// verify it before adding the peer to their directory.
type AnnounceRequest struct {
	Peer  *peers.Peer
	Proof string
}

// AnnounceResponse ...
type AnnounceResponse struct {
	From     string
	Accepted bool
}

// SignatureRequest solicits a checkpoint signature from a validator during
// checkpoint building.
type SignatureRequest struct {
	From       string
	Checkpoint *checkpoint.Checkpoint
}

// SignatureResponse carries the validator's signature over the checkpoint
// body, or Signed=false if it refused.
type SignatureResponse struct {
	From      string
	Signed    bool
	Signature string
}
