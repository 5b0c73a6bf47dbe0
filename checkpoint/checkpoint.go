package checkpoint

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/crypto"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/merkle"
	"github.com/ugorji/go/codec"
)

// Body groups the checkpoint fields covered by the identifier and by
// validator signatures.
type Body struct {
	// FederationID is the id of the federation that built the checkpoint.
	FederationID string
	// Epoch is the monotonically increasing checkpoint counter; epoch 0 is
	// the genesis sentinel, real checkpoints start at 1.
	Epoch uint64
	// StateRoot is the Merkle root over all entity state as of this epoch,
	// folded in canonical entity-key order.
	StateRoot []byte
	// PrevCheckpoint is the identifier of the previous checkpoint, or ""
	// for the first one.
	PrevCheckpoint string
	// BlockRoot is the Merkle root over the IDs of blocks admitted since
	// the previous checkpoint, sorted lexicographically.
	BlockRoot []byte
	// BlockCount is the number of blocks under BlockRoot.
	BlockCount int
	// TxTotal is the cumulative number of blocks recorded by the chain up
	// to and including this epoch.
	TxTotal uint64
	// AdmissionIndex is the position of the local admission log at build
	// time; the next epoch collects blocks from here.
	AdmissionIndex int
	// ValidatorSetHash identifies the validator set in force at this epoch.
	// Historical checkpoints are validated against the snapshotted set,
	// never against a mutable current set.
	ValidatorSetHash []byte
	// Summary is an opaque, versioned byte blob owned by the economic and
	// governance collaborators.
	Summary []byte
	// Timestamp is the build time in Unix nanoseconds.
	Timestamp int64
}

// Marshal produces the canonical encoding of the body, over which the
// identifier and all signatures are computed.
func (b *Body) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(buf, jh).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA256 hash of the canonical body encoding.
func (b *Body) Hash() ([]byte, error) {
	data, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

// AnchorProof carries a sample leaf and its Merkle inclusion proof against
// one of the checkpoint's roots. Receivers re-verify both anchors to check
// that the announced roots are self-consistent.
type AnchorProof struct {
	Leaf  []byte
	Proof *merkle.Proof
}

// Verify checks the anchor against a root.
func (a *AnchorProof) Verify(root []byte) bool {
	if a == nil || a.Proof == nil {
		return false
	}
	return a.Proof.Verify(root, a.Leaf)
}

// Checkpoint is a multi-signed snapshot of the federation ledger at an epoch
// boundary. It is a distinguished block type: applied checkpoints are wrapped
// into dag blocks for persistence and audit.
type Checkpoint struct {
	Body       Body
	Signatures map[string]string // validator pubkey hex => signature

	// BlockProof anchors the first included block ID under BlockRoot; nil
	// for empty epochs.
	BlockProof *AnchorProof
	// StateProof anchors the first entity-state leaf under StateRoot; nil
	// when no entity state exists yet.
	StateProof *AnchorProof

	hash []byte
	hex  string
}

// Hash returns, and caches, the hash of the checkpoint body.
func (c *Checkpoint) Hash() ([]byte, error) {
	if c.hash == nil {
		hash, err := c.Body.Hash()
		if err != nil {
			return nil, err
		}
		c.hash = hash
	}
	return c.hash, nil
}

// ID returns the checkpoint identifier: the hex form of the body hash.
func (c *Checkpoint) ID() string {
	if c.hex == "" {
		hash, err := c.Hash()
		if err != nil {
			return ""
		}
		c.hex = common.EncodeToString(hash)
	}
	return c.hex
}

// Sign adds the validator's signature over the body hash.
func (c *Checkpoint) Sign(priv *ecdsa.PrivateKey) error {
	signBytes, err := c.Hash()
	if err != nil {
		return err
	}
	r, s, err := keys.Sign(priv, signBytes)
	if err != nil {
		return err
	}
	if c.Signatures == nil {
		c.Signatures = map[string]string{}
	}
	c.Signatures[keys.PublicKeyHex(&priv.PublicKey)] = keys.EncodeSignature(r, s)
	return nil
}

// SetSignature records a signature produced out of process by the given
// validator.
func (c *Checkpoint) SetSignature(pubKeyHex, sig string) {
	if c.Signatures == nil {
		c.Signatures = map[string]string{}
	}
	c.Signatures[pubKeyHex] = sig
}

// Verify checks the signature attached for the given validator public key.
func (c *Checkpoint) Verify(pubKeyHex string) (bool, error) {
	sig, ok := c.Signatures[pubKeyHex]
	if !ok {
		return false, fmt.Errorf("no signature from validator %s", pubKeyHex)
	}

	pubBytes, err := common.DecodeFromString(pubKeyHex)
	if err != nil {
		return false, err
	}
	pubKey := keys.ToPublicKey(pubBytes)
	if pubKey == nil {
		return false, fmt.Errorf("validator key %s is not a curve point", pubKeyHex)
	}

	signBytes, err := c.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(sig)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Marshal encodes the whole checkpoint, signatures and proofs included.
func (c *Checkpoint) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(buf, jh).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal ...
func (c *Checkpoint) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return codec.NewDecoder(buf, jh).Decode(c)
}

// AsBlock wraps the checkpoint in a dag block for persistence. The wrapper's
// single parent is the previous checkpoint's wrapper block, which makes the
// chain walkable through the block store.
func (c *Checkpoint) AsBlock(prevBlockID string) (*dag.Block, error) {
	payload, err := c.Marshal()
	if err != nil {
		return nil, err
	}

	parents := []dag.ParentLink{}
	if prevBlockID != "" {
		parents = append(parents, dag.ParentLink{Name: "prev", ID: prevBlockID})
	}

	return dag.NewBlock(dag.Checkpoint, "checkpoint", payload, parents, c.Body.Timestamp), nil
}

// FromBlock unwraps a checkpoint from its wrapper block.
func FromBlock(block *dag.Block) (*Checkpoint, error) {
	if block.Body.Type != dag.Checkpoint {
		return nil, fmt.Errorf("block %s is not a checkpoint wrapper", block.ID())
	}
	cp := new(Checkpoint)
	if err := cp.Unmarshal(block.Body.Payload); err != nil {
		return nil, err
	}
	return cp, nil
}

// Header is the light-weight form of a checkpoint exchanged during header
// negotiation: the body plus the signature count, without proofs.
type Header struct {
	ID             string
	FederationID   string
	Epoch          uint64
	PrevCheckpoint string
	SignatureCount int
	TxTotal        uint64
	Timestamp      int64
}

// Header returns the checkpoint's header.
func (c *Checkpoint) Header() Header {
	return Header{
		ID:             c.ID(),
		FederationID:   c.Body.FederationID,
		Epoch:          c.Body.Epoch,
		PrevCheckpoint: c.Body.PrevCheckpoint,
		SignatureCount: len(c.Signatures),
		TxTotal:        c.Body.TxTotal,
		Timestamp:      c.Body.Timestamp,
	}
}
