package dag

import (
	"testing"

	"github.com/meshworks/fedsync/crypto/keys"
)

func createTestBlock(t *testing.T, blockType BlockType, payload string, parents []ParentLink, timestamp int64) *Block {
	t.Helper()
	return NewBlock(blockType, "raw", []byte(payload), parents, timestamp)
}

func TestBlockID(t *testing.T) {
	block := createTestBlock(t, Execution, "payload", nil, 100)

	id := block.ID()
	if id == "" {
		t.Fatal("empty block ID")
	}
	if id != block.ID() {
		t.Fatal("block ID not stable")
	}

	other := createTestBlock(t, Execution, "other payload", nil, 100)
	if other.ID() == id {
		t.Fatal("different payloads produced the same ID")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t, Governance, "proposal", []ParentLink{
		{Name: "prev", ID: "0XAB", Size: 12},
	}, 42)
	if err := block.Sign(key); err != nil {
		t.Fatal(err)
	}

	data, err := block.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(Block)
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if decoded.ID() != block.ID() {
		t.Fatalf("round-trip changed ID: %s != %s", decoded.ID(), block.ID())
	}
	if len(decoded.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(decoded.Signatures))
	}
}

func TestSignAndVerifyBlock(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t, Identity, "credential", nil, 7)
	if err := block.Sign(key); err != nil {
		t.Fatal(err)
	}

	pubHex := keys.PublicKeyHex(&key.PublicKey)
	ok, err := block.Verify(pubHex)
	if err != nil {
		t.Fatalf("error verifying signature: %v", err)
	}
	if !ok {
		t.Fatal("Verify returned false")
	}

	otherKey, _ := keys.GenerateECDSAKey()
	if _, err := block.Verify(keys.PublicKeyHex(&otherKey.PublicKey)); err == nil {
		t.Fatal("expected error for missing signature")
	}
}

func TestVerifyTamperedBlock(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	block := createTestBlock(t, Economic, "balance update", nil, 9)
	if err := block.Sign(key); err != nil {
		t.Fatal(err)
	}

	// re-create the block with a different payload but the old signature
	tampered := createTestBlock(t, Economic, "bigger balance update", nil, 9)
	tampered.Signatures = block.Signatures

	pubHex := keys.PublicKeyHex(&key.PublicKey)
	ok, err := tampered.Verify(pubHex)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature verified over tampered content")
	}
}
