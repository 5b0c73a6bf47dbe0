package node

import (
	"sync"

	"github.com/meshworks/fedsync/crypto"
	"github.com/meshworks/fedsync/crypto/keys"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

// announceProof signs the local federation's public key bytes, binding the
// announce to the holder of the private key.
func announceProof(v *Validator) (string, error) {
	r, s, err := keys.Sign(v.Key, crypto.SHA256(v.PublicKeyBytes()))
	if err != nil {
		return "", err
	}
	return keys.EncodeSignature(r, s), nil
}

// verifyAnnounceProof checks that the announce was produced by the announced
// key. It keeps spoofed directory entries out; reachability and usefulness
// are judged later by the trust ledger.
func verifyAnnounceProof(peer *peers.Peer, proof string) bool {
	pubBytes, err := peer.PubKeyBytes()
	if err != nil {
		return false
	}

	r, s, err := keys.DecodeSignature(proof)
	if err != nil {
		return false
	}

	return keys.Verify(keys.ToPublicKey(pubBytes), crypto.SHA256(pubBytes), r, s)
}

// discover runs one round of peer discovery: it asks up to GossipFanout
// peers for their peer lists, one goroutine per peer, so an unreachable
// target costs its own transport timeout and nothing more. Previously
// unknown entries are folded into the registry and announced to.
func (n *Node) discover() {
	targets := []peers.PeerState{}
	for _, ps := range n.core.registry.Snapshot() {
		if len(targets) >= n.conf.GossipFanout {
			break
		}
		if ps.Peer.PubKeyHex == n.validator.PublicKeyHex() {
			continue
		}
		targets = append(targets, ps)
	}

	var wg sync.WaitGroup
	for _, ps := range targets {
		wg.Add(1)
		go func(ps peers.PeerState) {
			defer wg.Done()
			n.gossipWith(ps)
		}(ps)
	}
	wg.Wait()
}

// gossipWith asks one peer for its peer list and folds the result into the
// registry.
func (n *Node) gossipWith(ps peers.PeerState) {
	resp, err := n.requestGossip(ps.Peer.NetAddr)
	if err != nil {
		n.logger.WithError(err).WithField("peer", ps.Peer.PubKeyHex).Debug("requestGossip()")
		n.core.trust.RecordFailure(ps.Peer.PubKeyHex)
		return
	}

	for _, p := range resp.Peers {
		if p.PubKeyHex == n.validator.PublicKeyHex() {
			continue
		}
		if _, err := n.core.registry.Get(p.PubKeyHex); err == nil {
			continue
		}

		n.core.registry.Upsert(p)
		n.logger.WithFields(logrus.Fields{
			"peer": p.PubKeyHex,
			"addr": p.NetAddr,
			"via":  ps.Peer.PubKeyHex,
		}).Debug("Discovered peer")

		if aresp, err := n.requestAnnounce(p.NetAddr); err != nil || !aresp.Accepted {
			n.logger.WithField("peer", p.PubKeyHex).Debug("Announce not accepted")
		}
	}
}
