package merkle

import (
	"bytes"
	"fmt"

	"github.com/meshworks/fedsync/crypto"
)

/*
Deterministic binary Merkle tree over a list of leaves. The tree shape is a
function of the leaf count only: the left subtree always holds the largest
power of two strictly smaller than the number of leaves. Two nodes computing
a root over the same leaf sequence therefore always obtain the same bytes,
which checkpoint validation depends on.
*/

// RootHash computes the Merkle root of the given leaves. The root of an empty
// list is the hash of the empty string; a single leaf is hashed on its own so
// that a leaf can never be confused with an inner node.
func RootHash(leaves [][]byte) []byte {
	switch len(leaves) {
	case 0:
		return crypto.SHA256([]byte{})
	case 1:
		return crypto.SHA256(leaves[0])
	default:
		k := splitPoint(len(leaves))
		left := RootHash(leaves[:k])
		right := RootHash(leaves[k:])
		return crypto.SimpleHashFromTwoHashes(left, right)
	}
}

// Proof is an inclusion proof for the leaf at Index among Total leaves. Aunts
// contains the sibling hashes on the path from the leaf to the root, ordered
// from the leaf upward.
type Proof struct {
	Index int
	Total int
	Aunts [][]byte
}

// ProveLeaf builds the inclusion proof for leaves[index]. It returns an error
// if the index is out of range.
func ProveLeaf(leaves [][]byte, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: index %d out of range for %d leaves", index, len(leaves))
	}
	aunts := buildAunts(leaves, index)
	return &Proof{
		Index: index,
		Total: len(leaves),
		Aunts: aunts,
	}, nil
}

// Verify checks the proof against an expected root and leaf value.
func (p *Proof) Verify(root, leaf []byte) bool {
	if p.Total <= 0 || p.Index < 0 || p.Index >= p.Total {
		return false
	}
	computed := computeRootFromAunts(p.Index, p.Total, crypto.SHA256(leaf), p.Aunts)
	if computed == nil {
		return false
	}
	return bytes.Equal(computed, root)
}

func buildAunts(leaves [][]byte, index int) [][]byte {
	if len(leaves) == 1 {
		return nil
	}
	k := splitPoint(len(leaves))
	if index < k {
		aunts := buildAunts(leaves[:k], index)
		return append(aunts, RootHash(leaves[k:]))
	}
	aunts := buildAunts(leaves[k:], index-k)
	return append(aunts, RootHash(leaves[:k]))
}

func computeRootFromAunts(index, total int, leafHash []byte, aunts [][]byte) []byte {
	if total == 1 {
		if len(aunts) != 0 {
			return nil
		}
		return leafHash
	}
	if len(aunts) == 0 {
		return nil
	}
	k := splitPoint(total)
	if index < k {
		left := computeRootFromAunts(index, k, leafHash, aunts[:len(aunts)-1])
		if left == nil {
			return nil
		}
		return crypto.SimpleHashFromTwoHashes(left, aunts[len(aunts)-1])
	}
	right := computeRootFromAunts(index-k, total-k, leafHash, aunts[:len(aunts)-1])
	if right == nil {
		return nil
	}
	return crypto.SimpleHashFromTwoHashes(aunts[len(aunts)-1], right)
}

// splitPoint returns the largest power of two strictly smaller than n, for
// n > 1.
func splitPoint(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}
