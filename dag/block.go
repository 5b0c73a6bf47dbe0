package dag

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/crypto"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/ugorji/go/codec"
)

// BlockType tags the subsystem a block's payload belongs to.
type BlockType uint8

const (
	// Economic blocks carry mana/metering payloads.
	Economic BlockType = iota
	// Governance blocks carry proposals and votes.
	Governance
	// Identity blocks carry credential updates.
	Identity
	// Execution blocks carry contract-runtime outputs.
	Execution
	// Federation blocks carry peer-membership payloads.
	Federation
	// Checkpoint blocks carry multi-signed epoch snapshots.
	Checkpoint
	// Emergency blocks carry operator interventions.
	Emergency
)

// String ...
func (t BlockType) String() string {
	switch t {
	case Economic:
		return "Economic"
	case Governance:
		return "Governance"
	case Identity:
		return "Identity"
	case Execution:
		return "Execution"
	case Federation:
		return "Federation"
	case Checkpoint:
		return "Checkpoint"
	case Emergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// RequiresSignature reports whether a block of this type is inadmissible
// without at least one valid validator signature. Execution and Federation
// payloads carry their own inner signatures, which are opaque to this core,
// and Checkpoint payloads embed their quorum signatures over the checkpoint
// body rather than over the wrapper block.
func (t BlockType) RequiresSignature() bool {
	switch t {
	case Execution, Federation, Checkpoint:
		return false
	default:
		return true
	}
}

// ParentLink is a named reference to a parent block. Size is an optional hint
// for transfer planning and may be zero.
type ParentLink struct {
	Name string
	ID   string
	Size uint64
}

// BlockBody groups the fields that are covered by the content identifier.
type BlockBody struct {
	Encoding  string
	Payload   []byte
	Parents   []ParentLink
	Type      BlockType
	Timestamp int64
}

// Marshal produces the canonical encoding of the body. Canonical JSON is used
// so that two nodes always derive the same bytes, and the same identifier,
// for the same logical content.
func (bb *BlockBody) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(bb); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal ...
func (bb *BlockBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)
	return dec.Decode(bb)
}

// Hash returns the SHA256 hash of the canonical body encoding.
func (bb *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

// Block is the immutable unit of the federation ledger. Its ID is the hash of
// the canonical body encoding; Signatures maps a validator's public key, in
// hex, to an encoded signature over the body hash.
type Block struct {
	Body       BlockBody
	Signatures map[string]string

	hash []byte
	hex  string
}

// NewBlock creates a block from its content fields.
func NewBlock(blockType BlockType, encoding string, payload []byte, parents []ParentLink, timestamp int64) *Block {
	return &Block{
		Body: BlockBody{
			Encoding:  encoding,
			Payload:   payload,
			Parents:   parents,
			Type:      blockType,
			Timestamp: timestamp,
		},
		Signatures: map[string]string{},
	}
}

// Hash returns, and caches, the hash of the block body.
func (b *Block) Hash() ([]byte, error) {
	if b.hash == nil {
		hash, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.hash = hash
	}
	return b.hash, nil
}

// ID returns the block's content identifier: the hex form of the body hash.
func (b *Block) ID() string {
	if b.hex == "" {
		hash, err := b.Hash()
		if err != nil {
			return ""
		}
		b.hex = common.EncodeToString(hash)
	}
	return b.hex
}

// Sign produces a signature over the body hash and appends it to the block.
func (b *Block) Sign(priv *ecdsa.PrivateKey) error {
	signBytes, err := b.Hash()
	if err != nil {
		return err
	}
	r, s, err := keys.Sign(priv, signBytes)
	if err != nil {
		return err
	}
	if b.Signatures == nil {
		b.Signatures = map[string]string{}
	}
	b.Signatures[keys.PublicKeyHex(&priv.PublicKey)] = keys.EncodeSignature(r, s)
	return nil
}

// Verify checks the signature attached for the given validator public key.
func (b *Block) Verify(pubKeyHex string) (bool, error) {
	sig, ok := b.Signatures[pubKeyHex]
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

	signBytes, err := b.Hash()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(sig)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, signBytes, r, s), nil
}

// Marshal encodes the whole block, signatures included, for storage and wire
// transfer.
func (b *Block) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return codec.NewDecoder(bf, jh).Decode(b)
}

// ParentIDs returns the IDs of the block's parents, in link order.
func (b *Block) ParentIDs() []string {
	ids := make([]string, len(b.Body.Parents))
	for i, p := range b.Body.Parents {
		ids[i] = p.ID
	}
	return ids
}
