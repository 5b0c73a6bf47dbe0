package merkle

import (
	"bytes"
	"fmt"
	"testing"
)

func makeLeaves(n int) [][]byte {
	leaves := [][]byte{}
	for i := 0; i < n; i++ {
		leaves = append(leaves, []byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestRootHashDeterministic(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 7, 8, 33} {
		leaves := makeLeaves(n)
		r1 := RootHash(leaves)
		r2 := RootHash(makeLeaves(n))
		if !bytes.Equal(r1, r2) {
			t.Fatalf("root for %d leaves not deterministic", n)
		}
		if len(r1) != 32 {
			t.Fatalf("expected 32 byte root, got %d", len(r1))
		}
	}
}

func TestRootHashSensitiveToLeaves(t *testing.T) {
	leaves := makeLeaves(5)
	root := RootHash(leaves)

	leaves[2] = []byte("tampered")
	if bytes.Equal(root, RootHash(leaves)) {
		t.Fatal("root did not change when a leaf changed")
	}
}

func TestProveAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := makeLeaves(n)
		root := RootHash(leaves)

		for i := 0; i < n; i++ {
			proof, err := ProveLeaf(leaves, i)
			if err != nil {
				t.Fatal(err)
			}
			if !proof.Verify(root, leaves[i]) {
				t.Fatalf("proof for leaf %d of %d did not verify", i, n)
			}
			if proof.Verify(root, []byte("not the leaf")) {
				t.Fatalf("proof for leaf %d of %d verified a wrong leaf", i, n)
			}
		}
	}
}

func TestProveLeafOutOfRange(t *testing.T) {
	leaves := makeLeaves(3)
	if _, err := ProveLeaf(leaves, 3); err == nil {
		t.Fatal("expected error for out of range index")
	}
	if _, err := ProveLeaf(leaves, -1); err == nil {
		t.Fatal("expected error for negative index")
	}
}

func TestVerifyWrongRoot(t *testing.T) {
	leaves := makeLeaves(4)
	proof, err := ProveLeaf(leaves, 1)
	if err != nil {
		t.Fatal(err)
	}
	otherRoot := RootHash(makeLeaves(5))
	if proof.Verify(otherRoot, leaves[1]) {
		t.Fatal("proof verified against wrong root")
	}
}
