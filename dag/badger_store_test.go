package dag

import (
	"testing"
)

func TestBadgerStoreReload(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	parent := createTestBlock(t, Execution, "parent", nil, 1)
	child := createTestBlock(t, Execution, "child", []ParentLink{
		{Name: "p0", ID: parent.ID()},
	}, 2)

	if err := store.Admit(parent); err != nil {
		t.Fatal(err)
	}
	if err := store.Admit(child); err != nil {
		t.Fatal(err)
	}
	if err := store.SetChainHead(child.ID()); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if !reloaded.Admitted(parent.ID()) || !reloaded.Admitted(child.ID()) {
		t.Fatal("admitted blocks lost across reload")
	}

	log, err := reloaded.AdmittedSince(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0] != parent.ID() || log[1] != child.ID() {
		t.Fatalf("admission log corrupted: %v", log)
	}

	head, err := reloaded.ChainHead()
	if err != nil {
		t.Fatal(err)
	}
	if head != child.ID() {
		t.Fatalf("chain head lost: %s", head)
	}

	got, err := reloaded.Get(child.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != child.ID() {
		t.Fatal("block content changed across reload")
	}
}

func TestLoadOrCreateBadgerStore(t *testing.T) {
	dir := t.TempDir() + "/fresh"

	store, err := LoadOrCreateBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if store.StorePath() != dir {
		t.Fatalf("unexpected store path %s", store.StorePath())
	}
	store.Close()
}
