package checkpoint

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

/*
Test fixtures: an n-validator federation with in-memory everything. The
signature requester signs locally with the other validators' keys, standing
in for the out-of-process signing call.
*/

type testFederation struct {
	keys       []*ecdsa.PrivateKey
	peerSet    *peers.PeerSet
	store      *dag.InmemStore
	chain      *Chain
	builder    *Builder
	validators *Validator
}

type mapFolder struct {
	entities map[string][]byte
}

func (f *mapFolder) FoldEntities(blocks []*dag.Block) (map[string][]byte, error) {
	for _, b := range blocks {
		f.entities[b.ID()] = b.Body.Payload
	}
	res := make(map[string][]byte, len(f.entities))
	for k, v := range f.entities {
		res[k] = v
	}
	return res, nil
}

func (f *mapFolder) Summary(epoch uint64) ([]byte, error) {
	return []byte(fmt.Sprintf("summary-%d", epoch)), nil
}

type localSigner struct {
	keysByPubHex map[string]*ecdsa.PrivateKey
	refuse       map[string]bool
}

func (l *localSigner) RequestSignature(ctx context.Context, validator *peers.Peer, cp *Checkpoint) (string, error) {
	if l.refuse[validator.PubKeyHex] {
		return "", fmt.Errorf("validator %s unavailable", validator.Moniker)
	}
	key := l.keysByPubHex[validator.PubKeyHex]
	signBytes, err := cp.Hash()
	if err != nil {
		return "", err
	}
	r, s, err := keys.Sign(key, signBytes)
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, s), nil
}

type fixedSet struct {
	set *peers.PeerSet
}

func (f *fixedSet) ValidatorSet() *peers.PeerSet { return f.set }

func newTestFederation(t *testing.T, n int, refuse map[string]bool) *testFederation {
	t.Helper()

	logger := logrus.NewEntry(common.NewTestLogger(t, logrus.DebugLevel))

	privKeys := []*ecdsa.PrivateKey{}
	peerList := []*peers.Peer{}
	signerKeys := map[string]*ecdsa.PrivateKey{}
	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		pubHex := keys.PublicKeyHex(&key.PublicKey)
		privKeys = append(privKeys, key)
		peerList = append(peerList, peers.NewPeer(pubHex, "127.0.0.1:0", fmt.Sprintf("v%d", i)))
		signerKeys[pubHex] = key
	}
	peerSet := peers.NewPeerSet(peerList)

	store := dag.NewInmemStore()
	chain := NewChain(store)

	builder := NewBuilder(
		"fed-A",
		privKeys[0],
		store,
		chain,
		&mapFolder{entities: map[string][]byte{}},
		&localSigner{keysByPubHex: signerKeys, refuse: refuse},
		&fixedSet{set: peerSet},
		time.Second,
		logger,
	)

	return &testFederation{
		keys:       privKeys,
		peerSet:    peerSet,
		store:      store,
		chain:      chain,
		builder:    builder,
		validators: NewValidator(nil, logger),
	}
}

func admitTestBlocks(t *testing.T, store dag.Store, n int, tag string) []*dag.Block {
	t.Helper()
	blocks := []*dag.Block{}
	for i := 0; i < n; i++ {
		b := dag.NewBlock(dag.Execution, "raw", []byte(fmt.Sprintf("%s-%d", tag, i)), nil, int64(i))
		if err := store.Admit(b); err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func TestCheckpointRoundTrip(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	admitTestBlocks(t, fed.store, 3, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	data, err := cp.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded := new(Checkpoint)
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if decoded.ID() != cp.ID() {
		t.Fatalf("round-trip changed ID: %s != %s", decoded.ID(), cp.ID())
	}
}

func TestBuildAndValidateCheckpoint(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	admitTestBlocks(t, fed.store, 5, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Body.BlockCount != 5 {
		t.Fatalf("block count = %d, want 5", cp.Body.BlockCount)
	}
	if len(cp.Signatures) != 4 {
		t.Fatalf("signatures = %d, want 4", len(cp.Signatures))
	}

	if err := fed.validators.Validate(cp, "", fed.peerSet); err != nil {
		t.Fatalf("valid checkpoint rejected: %v", err)
	}

	// validation is idempotent
	if err := fed.validators.Validate(cp, "", fed.peerSet); err != nil {
		t.Fatalf("second validation differed: %v", err)
	}
}

func TestBuildQuorumNotReached(t *testing.T) {
	// 4 validators, quorum 3: refusing 2 leaves only 2 signatures
	refuse := map[string]bool{}
	fed := newTestFederation(t, 4, refuse)
	for _, p := range fed.peerSet.Peers[2:] {
		refuse[p.PubKeyHex] = true
	}
	admitTestBlocks(t, fed.store, 2, "x")

	_, err := fed.builder.Build(context.Background(), 1)
	if !IsValidation(err, QuorumNotReached) {
		t.Fatalf("expected QuorumNotReached, got %v", err)
	}
}

func TestQuorumBoundary(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	admitTestBlocks(t, fed.store, 1, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	quorum := fed.peerSet.SuperMajority() // 3 of 4

	// exactly quorum-1 valid signatures must fail
	pruned := *cp
	pruned.Signatures = map[string]string{}
	kept := 0
	for pubHex, sig := range cp.Signatures {
		if kept == quorum-1 {
			break
		}
		pruned.Signatures[pubHex] = sig
		kept++
	}
	if err := fed.validators.Validate(&pruned, "", fed.peerSet); !IsValidation(err, QuorumNotReached) {
		t.Fatalf("expected QuorumNotReached at %d signatures, got %v", quorum-1, err)
	}

	// exactly quorum valid signatures must succeed
	for pubHex, sig := range cp.Signatures {
		if kept == quorum {
			break
		}
		if _, ok := pruned.Signatures[pubHex]; !ok {
			pruned.Signatures[pubHex] = sig
			kept++
		}
	}
	if err := fed.validators.Validate(&pruned, "", fed.peerSet); err != nil {
		t.Fatalf("checkpoint with exactly quorum signatures rejected: %v", err)
	}
}

func TestValidateChainMismatch(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	admitTestBlocks(t, fed.store, 1, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	err = fed.validators.Validate(cp, "0XSOMEOTHERHEAD", fed.peerSet)
	if !IsValidation(err, ChainMismatch) {
		t.Fatalf("expected ChainMismatch, got %v", err)
	}
}

func TestVerifyCoverage(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	blocks := admitTestBlocks(t, fed.store, 3, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	ids := []string{}
	for _, b := range blocks {
		ids = append(ids, b.ID())
	}

	if err := fed.validators.VerifyCoverage(cp, ids); err != nil {
		t.Fatalf("covered ID set rejected: %v", err)
	}

	// an ID smuggled in on top of the covered set
	extra := dag.NewBlock(dag.Execution, "raw", []byte("uncovered"), nil, 99)
	padded := append(append([]string{}, ids...), extra.ID())
	if err := fed.validators.VerifyCoverage(cp, padded); !IsValidation(err, InvalidProof) {
		t.Fatalf("padded ID set should fail with InvalidProof, got %v", err)
	}

	// right count, wrong member
	swapped := append([]string{}, ids...)
	swapped[0] = extra.ID()
	if err := fed.validators.VerifyCoverage(cp, swapped); !IsValidation(err, InvalidProof) {
		t.Fatalf("substituted ID set should fail with InvalidProof, got %v", err)
	}
}

func TestChainAppendAndReload(t *testing.T) {
	fed := newTestFederation(t, 4, nil)

	var prev *Checkpoint
	for epoch := uint64(1); epoch <= 3; epoch++ {
		admitTestBlocks(t, fed.store, 2, fmt.Sprintf("e%d", epoch))
		cp, err := fed.builder.Build(context.Background(), epoch)
		if err != nil {
			t.Fatal(err)
		}
		if err := fed.chain.Append(cp); err != nil {
			t.Fatal(err)
		}
		prev = cp
	}

	if fed.chain.HeadEpoch() != 3 {
		t.Fatalf("head epoch = %d", fed.chain.HeadEpoch())
	}
	if fed.chain.Head().ID() != prev.ID() {
		t.Fatal("head is not the last appended checkpoint")
	}

	// the chain is reconstructible from the store alone
	reloaded, err := LoadChain(fed.store)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 3 {
		t.Fatalf("reloaded chain has %d checkpoints", reloaded.Len())
	}
	if reloaded.Head().ID() != prev.ID() {
		t.Fatal("reloaded head differs")
	}
}

func TestChainAppendOutOfOrder(t *testing.T) {
	fed := newTestFederation(t, 4, nil)
	admitTestBlocks(t, fed.store, 1, "x")

	cp, err := fed.builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := fed.chain.Append(cp); err != nil {
		t.Fatal(err)
	}

	// re-appending the same checkpoint violates the prev reference
	if err := fed.chain.Append(cp); !IsValidation(err, ChainMismatch) {
		t.Fatalf("expected ChainMismatch, got %v", err)
	}
}

func TestChainHeaders(t *testing.T) {
	fed := newTestFederation(t, 4, nil)

	for epoch := uint64(1); epoch <= 5; epoch++ {
		admitTestBlocks(t, fed.store, 1, fmt.Sprintf("e%d", epoch))
		cp, err := fed.builder.Build(context.Background(), epoch)
		if err != nil {
			t.Fatal(err)
		}
		if err := fed.chain.Append(cp); err != nil {
			t.Fatal(err)
		}
	}

	headers := fed.chain.Headers(2, 4)
	if len(headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(headers))
	}
	for i, h := range headers {
		if h.Epoch != uint64(i+2) {
			t.Fatalf("header %d has epoch %d", i, h.Epoch)
		}
	}
}
