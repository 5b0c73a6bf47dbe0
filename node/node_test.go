package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/config"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/net"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/proxy"
	"github.com/meshworks/fedsync/proxy/dummy"
	"github.com/meshworks/fedsync/proxy/inmem"
	"github.com/sirupsen/logrus"
)

type testNode struct {
	node  *Node
	peer  *peers.Peer
	key   *ecdsa.PrivateKey
	trans *net.InmemTransport
	state *dummy.State
}

// initNodes starts n nodes sharing one validator set, wired together over
// in-memory transports. The nodes process RPCs but do not open outbound
// sessions on their own.
func initNodes(t *testing.T, n int) []*testNode {
	t.Helper()
	return runNodes(t, n, false, nil)
}

// runNodes is initNodes with control over the sync loop and the node
// configuration. With gossip true the nodes open outbound sessions on
// their own timers.
func runNodes(t *testing.T, n int, gossip bool, tweak func(*config.Config)) []*testNode {
	t.Helper()

	privs := []*ecdsa.PrivateKey{}
	transports := []*net.InmemTransport{}
	pirs := []*peers.Peer{}

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		privs = append(privs, key)

		addr, trans := net.NewInmemTransport("")
		transports = append(transports, trans)

		pirs = append(pirs, peers.NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			addr,
			fmt.Sprintf("node%d", i),
		))
	}

	for i, ti := range transports {
		for j, tj := range transports {
			if i != j {
				ti.Connect(pirs[j].NetAddr, tj)
			}
		}
	}

	peerSet := peers.NewPeerSet(pirs)

	nodes := []*testNode{}
	for i := 0; i < n; i++ {
		conf := config.NewTestConfig(t, logrus.DebugLevel)
		conf.FederationID = "fed-main"
		conf.Moniker = pirs[i].Moniker
		if tweak != nil {
			tweak(conf)
		}

		logger := conf.Logger().Logger

		state := dummy.NewState(logger)
		appProxy := inmem.NewInmemProxy(state, logger)

		store := dag.NewInmemStore()
		chain := checkpoint.NewChain(store)

		node := NewNode(conf,
			NewValidator(privs[i], pirs[i].Moniker),
			peerSet,
			pirs,
			store,
			chain,
			transports[i],
			appProxy)

		if err := node.Init(); err != nil {
			t.Fatal(err)
		}
		node.RunAsync(gossip)

		nodes = append(nodes, &testNode{
			node:  node,
			peer:  pirs[i],
			key:   privs[i],
			trans: transports[i],
			state: state,
		})
	}

	t.Cleanup(func() {
		for _, tn := range nodes {
			tn.node.Shutdown()
		}
	})

	return nodes
}

func peerStateOf(t *testing.T, from, target *testNode) peers.PeerState {
	t.Helper()
	ps, err := from.node.core.registry.Get(target.peer.PubKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	return ps
}

func TestSubmitAndBuildCheckpoint(t *testing.T) {
	nodes := initNodes(t, 2)

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})
	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("bob=5")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp, err := nodes[0].node.BuildCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if cp.Body.Epoch != 1 {
		t.Fatalf("first checkpoint should be epoch 1, not %d", cp.Body.Epoch)
	}
	if len(cp.Signatures) != 2 {
		t.Fatalf("checkpoint should carry 2 signatures, not %d", len(cp.Signatures))
	}
	if cp.Body.BlockCount != 2 {
		t.Fatalf("checkpoint should cover 2 blocks, not %d", cp.Body.BlockCount)
	}
	if nodes[0].node.HeadEpoch() != 1 {
		t.Fatalf("head epoch should be 1, not %d", nodes[0].node.HeadEpoch())
	}
}

func TestPeriodicCheckpointing(t *testing.T) {
	// With the sync loop running, submitted records must get sealed into a
	// checkpoint on the node's own cadence, without anyone calling
	// BuildCheckpoint, and propagate to the peer.
	nodes := runNodes(t, 2, true, func(c *config.Config) {
		c.SyncInterval = 20 * time.Millisecond
		c.CheckpointInterval = 50 * time.Millisecond
	})

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})

	deadline := time.Now().Add(10 * time.Second)
	for nodes[0].node.HeadEpoch() < 1 || nodes[1].node.HeadEpoch() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("epochs did not advance: node0=%d node1=%d",
				nodes[0].node.HeadEpoch(), nodes[1].node.HeadEpoch())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v, ok := nodes[1].state.Get("alice"); !ok || string(v) != "10" {
		t.Fatalf("node1 should hold alice=10 after gossip, got %s", v)
	}
}

func TestFastForwardSync(t *testing.T) {
	nodes := initNodes(t, 2)

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := nodes[0].node.BuildCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	// node1 pulls from node0 and should fast-forward to epoch 1.
	if err := nodes[1].node.syncWith(peerStateOf(t, nodes[1], nodes[0])); err != nil {
		t.Fatal(err)
	}

	if got := nodes[1].node.HeadEpoch(); got != 1 {
		t.Fatalf("node1 head epoch should be 1, not %d", got)
	}

	head0 := nodes[0].node.core.Head()
	head1 := nodes[1].node.core.Head()
	if head0.ID() != head1.ID() {
		t.Fatalf("heads should converge: %s vs %s", head0.ID(), head1.ID())
	}

	// The application state followed the blocks.
	if v, ok := nodes[1].state.Get("alice"); !ok || string(v) != "10" {
		t.Fatalf("node1 should hold alice=10 after fast-forward, got %s", v)
	}

	// A second session with identical heads is a no-op.
	if err := nodes[1].node.syncWith(peerStateOf(t, nodes[1], nodes[0])); err != nil {
		t.Fatal(err)
	}
	if got := nodes[1].node.HeadEpoch(); got != 1 {
		t.Fatalf("in-sync session should not move the head, got epoch %d", got)
	}
}

func TestReconcileDivergentBranches(t *testing.T) {
	nodes := initNodes(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shared history: epoch 1 covers x=1 on both nodes.
	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("x=1")})
	cp1, err := nodes[0].node.BuildCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := nodes[1].node.syncWith(peerStateOf(t, nodes[1], nodes[0])); err != nil {
		t.Fatal(err)
	}

	// node0 extends the shared history with a quorum-signed epoch 2.
	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("y=2")})
	cp2, err := nodes[0].node.BuildCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// node1 extends it differently: its own block under an epoch-2 checkpoint
	// signed by a key outside the validator set.
	nodes[1].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("z=3")})

	rogueKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	forked := &checkpoint.Checkpoint{Body: checkpoint.Body{
		FederationID:   "fed-main",
		Epoch:          2,
		PrevCheckpoint: cp1.ID(),
		Timestamp:      time.Now().UnixNano(),
	}}
	if err := forked.Sign(rogueKey); err != nil {
		t.Fatal(err)
	}
	nodes[1].node.coreLock.Lock()
	err = nodes[1].node.core.chain.Append(forked)
	nodes[1].node.coreLock.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	// The session sees two epoch-2 heads above the shared epoch 1, abandons
	// the weaker branch's checkpoint, and merges both sides' blocks.
	if err := nodes[1].node.syncWith(peerStateOf(t, nodes[1], nodes[0])); err != nil {
		t.Fatal(err)
	}

	nodes[1].node.coreLock.Lock()
	head := nodes[1].node.core.Head()
	dropped := nodes[1].node.core.chain.Contains(forked.ID())
	nodes[1].node.coreLock.Unlock()

	if head.ID() != cp2.ID() {
		t.Fatalf("node1 should adopt the better-signed head %s, got %s", cp2.ID(), head.ID())
	}
	if dropped {
		t.Fatal("the abandoned checkpoint should leave the chain")
	}
	for entity, want := range map[string]string{"x": "1", "y": "2", "z": "3"} {
		v, ok := nodes[1].state.Get(entity)
		if !ok || string(v) != want {
			t.Fatalf("merged state should hold %s=%s, got %s", entity, want, v)
		}
	}
}

func TestApplyCheckpointDoesNotOverwriteHead(t *testing.T) {
	nodes := initNodes(t, 2)

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := nodes[0].node.BuildCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("bob=5")})

	cp2, err := nodes[0].node.BuildCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Applying epoch 2 onto node1's empty chain must fail and leave the
	// chain untouched.
	nodes[1].node.coreLock.Lock()
	err = nodes[1].node.core.ApplyCheckpoint(cp2)
	nodes[1].node.coreLock.Unlock()

	if !checkpoint.IsValidation(err, checkpoint.ChainMismatch) {
		t.Fatalf("applying a non-extending checkpoint should fail with ChainMismatch, got %v", err)
	}
	if got := nodes[1].node.HeadEpoch(); got != 0 {
		t.Fatalf("head should be untouched, got epoch %d", got)
	}
}

func TestSignCheckpointRefusesWrongEpoch(t *testing.T) {
	nodes := initNodes(t, 2)

	nodes[0].node.Submit(proxy.SubmitRequest{Type: dag.Execution, Payload: []byte("alice=10")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp1, err := nodes[0].node.BuildCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// node1's head is still empty: asking it to co-sign something that does
	// not extend its head must fail.
	bad := &checkpoint.Checkpoint{Body: checkpoint.Body{
		FederationID:   "fed-main",
		Epoch:          3,
		PrevCheckpoint: cp1.ID(),
		Timestamp:      time.Now().UnixNano(),
	}}

	nodes[1].node.coreLock.Lock()
	_, err = nodes[1].node.core.SignCheckpoint(bad)
	nodes[1].node.coreLock.Unlock()

	if err == nil {
		t.Fatal("co-signing a checkpoint that skips epochs should fail")
	}
}

func TestSyncRate(t *testing.T) {
	nodes := initNodes(t, 1)
	n := nodes[0].node

	if got := n.SyncRate(); got != 1 {
		t.Fatalf("rate with no sessions = %f, want 1", got)
	}

	atomic.AddInt64(&n.syncRequests, 4)
	atomic.AddInt64(&n.syncErrors, 1)

	if got := n.SyncRate(); got != 0.75 {
		t.Fatalf("rate = %f, want 0.75", got)
	}
}

func TestAnnounceProof(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(key, "node0")

	proof, err := announceProof(v)
	if err != nil {
		t.Fatal(err)
	}

	peer := peers.NewPeer(v.PublicKeyHex(), "127.0.0.1:1337", "fed-one")
	if !verifyAnnounceProof(peer, proof) {
		t.Fatal("valid announce proof should verify")
	}

	// A proof signed by someone else must not verify.
	otherKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	badProof, err := announceProof(NewValidator(otherKey, "evil"))
	if err != nil {
		t.Fatal(err)
	}
	if verifyAnnounceProof(peer, badProof) {
		t.Fatal("announce proof from the wrong key should not verify")
	}
}
