package peers

import (
	"bytes"
	"sort"

	"github.com/meshworks/fedsync/common"
	"github.com/meshworks/fedsync/crypto"
	"github.com/ugorji/go/codec"
)

// PeerSet is a set of Peers forming a federation's validator set at a given
// epoch. Checkpoints snapshot the set's hash so that historical checkpoints
// are always validated against the set that was in force when they were
// built.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`

	// cached values
	hash          []byte
	hex           string
	superMajority *int
}

// NewPeerSet creates a new PeerSet from a list of Peers.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range peers {
		peerSet.ByPubKey[peer.PubKeyString()] = peer
		peerSet.ByID[peer.ID()] = peer
	}

	peerSet.Peers = peers

	return peerSet
}

// WithNewPeer returns a new PeerSet that includes the given peer.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := peerSet.Peers

	if _, ok := peerSet.ByID[peer.ID()]; !ok {
		peers = append(peers, peer)
	}

	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet that excludes the given peer.
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.PubKeyHex != peer.PubKeyHex {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

// PubKeys returns the PeerSet's slice of public keys.
func (peerSet *PeerSet) PubKeys() []string {
	res := []string{}
	for _, peer := range peerSet.Peers {
		res = append(res, peer.PubKeyString())
	}
	return res
}

// Len returns the number of peers in the set.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.ByPubKey)
}

// SuperMajority returns the quorum threshold for this set:
// ceil((2n+1)/3) for a set of n validators.
func (peerSet *PeerSet) SuperMajority() int {
	if peerSet.superMajority == nil {
		val := 2*peerSet.Len()/3 + 1
		peerSet.superMajority = &val
	}
	return *peerSet.superMajority
}

// Hash returns, and caches, the hash of the sorted public keys. It identifies
// the validator set independently of peer ordering.
func (peerSet *PeerSet) Hash() ([]byte, error) {
	if len(peerSet.hash) == 0 {
		keys := peerSet.PubKeys()
		sort.Strings(keys)

		b := new(bytes.Buffer)
		jh := new(codec.JsonHandle)
		jh.Canonical = true
		if err := codec.NewEncoder(b, jh).Encode(keys); err != nil {
			return nil, err
		}

		peerSet.hash = crypto.SHA256(b.Bytes())
	}
	return peerSet.hash, nil
}

// Hex returns the hex form of the set's hash.
func (peerSet *PeerSet) Hex() string {
	if len(peerSet.hex) == 0 {
		hash, _ := peerSet.Hash()
		peerSet.hex = common.EncodeToString(hash)
	}
	return peerSet.hex
}

// NetAddrs returns the peers' network addresses.
func (peerSet *PeerSet) NetAddrs() []string {
	res := []string{}
	for _, peer := range peerSet.Peers {
		res = append(res, peer.NetAddr)
	}
	return res
}
