package node

import (
	"testing"

	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/peers"
)

func TestDiscoverToleratesUnreachablePeer(t *testing.T) {
	nodes := initNodes(t, 3)
	n := nodes[0].node

	// A directory entry nobody answers for.
	bogus := peers.NewPeer("0XBOGUS", "inmem-void", "fed-void")
	n.core.registry.Upsert(bogus)

	// A federation only node1 knows about.
	strayKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	stray := peers.NewPeer(keys.PublicKeyHex(&strayKey.PublicKey), "inmem-stray", "fed-stray")
	nodes[1].node.core.registry.Upsert(stray)

	n.discover()

	// The dead entry cost one failed call, not the round: the stray peer
	// still arrived through node1's gossip.
	if _, err := n.core.registry.Get(stray.PubKeyHex); err != nil {
		t.Fatal("gossip should have delivered the stray peer")
	}
	if got := n.core.trust.Trust(bogus.PubKeyHex); got >= 0.5 {
		t.Fatalf("failed gossip should lower trust, got %f", got)
	}
}
