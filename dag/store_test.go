package dag

import (
	"reflect"
	"testing"

	cm "github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/crypto/keys"
)

func TestInmemStorePutGet(t *testing.T) {
	store := NewInmemStore()

	block := createTestBlock(t, Execution, "tx1", nil, 1)
	id, err := store.Put(block)
	if err != nil {
		t.Fatal(err)
	}
	if id != block.ID() {
		t.Fatalf("Put returned %s, want %s", id, block.ID())
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Body, block.Body) {
		t.Fatal("retrieved block body differs")
	}

	if _, err := store.Get("0XDEAD"); !IsAdmission(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPutMalformedBlock(t *testing.T) {
	store := NewInmemStore()

	block := createTestBlock(t, Execution, "tx1", nil, 1)
	block.ID() // cache the ID
	block.Body.Payload = []byte("mutated after hashing")

	if _, err := store.Put(block); !IsAdmission(err, MalformedBlock) {
		t.Fatalf("expected MalformedBlock, got %v", err)
	}
}

func TestPutUnsignedGovernanceBlock(t *testing.T) {
	store := NewInmemStore()

	block := createTestBlock(t, Governance, "vote", nil, 1)
	if _, err := store.Put(block); !IsAdmission(err, SignatureInvalid) {
		t.Fatalf("expected SignatureInvalid, got %v", err)
	}

	key, _ := keys.GenerateECDSAKey()
	if err := block.Sign(key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(block); err != nil {
		t.Fatalf("signed block rejected: %v", err)
	}
}

func TestAdmitRequiresParents(t *testing.T) {
	store := NewInmemStore()

	parent := createTestBlock(t, Execution, "parent", nil, 1)
	child := createTestBlock(t, Execution, "child", []ParentLink{
		{Name: "p0", ID: parent.ID()},
	}, 2)

	if err := store.Admit(child); !IsAdmission(err, MissingParent) {
		t.Fatalf("expected MissingParent, got %v", err)
	}

	if err := store.Admit(parent); err != nil {
		t.Fatal(err)
	}
	if err := store.Admit(child); err != nil {
		t.Fatal(err)
	}

	if !store.Admitted(child.ID()) {
		t.Fatal("child not admitted")
	}
}

func TestAdmitIdempotent(t *testing.T) {
	store := NewInmemStore()

	block := createTestBlock(t, Execution, "tx", nil, 1)
	if err := store.Admit(block); err != nil {
		t.Fatal(err)
	}
	if err := store.Admit(block); err != nil {
		t.Fatal(err)
	}

	if store.AdmissionIndex() != 1 {
		t.Fatalf("expected admission index 1, got %d", store.AdmissionIndex())
	}
}

func TestAdmittedSince(t *testing.T) {
	store := NewInmemStore()

	ids := []string{}
	for i := 0; i < 5; i++ {
		block := createTestBlock(t, Execution, string(rune('a'+i)), nil, int64(i))
		if err := store.Admit(block); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, block.ID())
	}

	since, err := store.AdmittedSince(2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(since, ids[2:]) {
		t.Fatalf("AdmittedSince(2) = %v, want %v", since, ids[2:])
	}

	if _, err := store.AdmittedSince(99); !cm.IsStore(err, cm.PassedEpoch) {
		t.Fatalf("expected PassedEpoch store error, got %v", err)
	}
}

func TestChainHead(t *testing.T) {
	store := NewInmemStore()

	if _, err := store.ChainHead(); !cm.IsStore(err, cm.Empty) {
		t.Fatalf("expected Empty store error, got %v", err)
	}

	if err := store.SetChainHead("0XABCD"); err != nil {
		t.Fatal(err)
	}
	head, err := store.ChainHead()
	if err != nil {
		t.Fatal(err)
	}
	if head != "0XABCD" {
		t.Fatalf("head = %s", head)
	}
}
