package node

import (
	"context"
	"fmt"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/net"
	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

func (n *Node) requestHeaders(target string, from, to uint64) (net.CheckpointHeaderResponse, error) {
	args := net.CheckpointHeaderRequest{
		From:      n.validator.PublicKeyHex(),
		EpochFrom: from,
		EpochTo:   to,
	}

	var out net.CheckpointHeaderResponse

	err := n.trans.CheckpointHeaders(target, &args, &out)

	return out, err
}

func (n *Node) requestCheckpoint(target string, id string) (net.CheckpointResponse, error) {
	args := net.CheckpointRequest{
		From: n.validator.PublicKeyHex(),
		ID:   id,
	}

	var out net.CheckpointResponse

	err := n.trans.GetCheckpoint(target, &args, &out)

	return out, err
}

func (n *Node) requestBlocks(target string, ids []string) (net.BlockResponse, error) {
	args := net.BlockRequest{
		From: n.validator.PublicKeyHex(),
		IDs:  ids,
	}

	var out net.BlockResponse

	err := n.trans.GetBlocks(target, &args, &out)

	return out, err
}

func (n *Node) requestGossip(target string) (net.GossipResponse, error) {
	args := net.GossipRequest{
		From: n.validator.PublicKeyHex(),
	}

	var out net.GossipResponse

	err := n.trans.Gossip(target, &args, &out)

	return out, err
}

func (n *Node) requestAnnounce(target string) (net.AnnounceResponse, error) {
	self := peers.NewPeer(
		n.validator.PublicKeyHex(),
		n.trans.AdvertiseAddr(),
		n.conf.FederationID)

	proof, err := announceProof(n.validator)
	if err != nil {
		return net.AnnounceResponse{}, err
	}

	args := net.AnnounceRequest{
		Peer:  self,
		Proof: proof,
	}

	var out net.AnnounceResponse

	err = n.trans.Announce(target, &args, &out)

	return out, err
}

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.CheckpointHeaderRequest:
		n.processHeaderRequest(rpc, cmd)
	case *net.CheckpointRequest:
		n.processCheckpointRequest(rpc, cmd)
	case *net.BlockRequest:
		n.processBlockRequest(rpc, cmd)
	case *net.GossipRequest:
		n.processGossipRequest(rpc, cmd)
	case *net.AnnounceRequest:
		n.processAnnounceRequest(rpc, cmd)
	case *net.SignatureRequest:
		n.processSignatureRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processHeaderRequest(rpc net.RPC, cmd *net.CheckpointHeaderRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":       cmd.From,
		"epoch_from": cmd.EpochFrom,
		"epoch_to":   cmd.EpochTo,
	}).Debug("process CheckpointHeaderRequest")

	n.coreLock.Lock()
	resp := &net.CheckpointHeaderResponse{
		From:      n.validator.PublicKeyHex(),
		HeadEpoch: n.core.HeadEpoch(),
		Headers:   n.core.Headers(cmd.EpochFrom, cmd.EpochTo),
	}
	n.coreLock.Unlock()

	rpc.Respond(resp, nil)
}

func (n *Node) processCheckpointRequest(rpc net.RPC, cmd *net.CheckpointRequest) {
	n.logger.WithFields(logrus.Fields{
		"from": cmd.From,
		"id":   cmd.ID,
	}).Debug("process CheckpointRequest")

	resp := &net.CheckpointResponse{
		From: n.validator.PublicKeyHex(),
	}

	var respErr error

	n.coreLock.Lock()
	cp, err := n.core.chain.GetByID(cmd.ID)
	if err == nil {
		resp.Checkpoint = cp
		resp.BlockIDs, respErr = n.core.EpochBlockIDs(cp)
	} else {
		respErr = err
	}
	n.coreLock.Unlock()

	rpc.Respond(resp, respErr)
}

func (n *Node) processBlockRequest(rpc net.RPC, cmd *net.BlockRequest) {
	n.logger.WithFields(logrus.Fields{
		"from": cmd.From,
		"ids":  len(cmd.IDs),
	}).Debug("process BlockRequest")

	n.coreLock.Lock()
	blocks := n.core.GetBlocks(cmd.IDs, n.conf.BlockBatch)
	n.coreLock.Unlock()

	resp := &net.BlockResponse{
		From:   n.validator.PublicKeyHex(),
		Blocks: blocks,
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processGossipRequest(rpc net.RPC, cmd *net.GossipRequest) {
	n.logger.WithField("from", cmd.From).Debug("process GossipRequest")

	known := []*peers.Peer{}
	for _, ps := range n.core.registry.Snapshot() {
		p := ps.Peer
		known = append(known, &p)
	}

	resp := &net.GossipResponse{
		From:  n.validator.PublicKeyHex(),
		Peers: known,
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processAnnounceRequest(rpc net.RPC, cmd *net.AnnounceRequest) {
	n.logger.WithFields(logrus.Fields{
		"peer":  cmd.Peer.PubKeyHex,
		"addr":  cmd.Peer.NetAddr,
		"proof": cmd.Proof,
	}).Debug("process AnnounceRequest")

	resp := &net.AnnounceResponse{
		From: n.validator.PublicKeyHex(),
	}

	if verifyAnnounceProof(cmd.Peer, cmd.Proof) {
		n.core.registry.Upsert(cmd.Peer)
		resp.Accepted = true
	} else {
		n.logger.WithField("peer", cmd.Peer.PubKeyHex).Warn("Rejecting announce with bad proof")
	}

	rpc.Respond(resp, nil)
}

func (n *Node) processSignatureRequest(rpc net.RPC, cmd *net.SignatureRequest) {
	n.logger.WithFields(logrus.Fields{
		"from":  cmd.From,
		"epoch": cmd.Checkpoint.Body.Epoch,
	}).Debug("process SignatureRequest")

	resp := &net.SignatureResponse{
		From: n.validator.PublicKeyHex(),
	}

	n.coreLock.Lock()
	sig, err := n.core.SignCheckpoint(cmd.Checkpoint)
	n.coreLock.Unlock()

	if err != nil {
		n.logger.WithError(err).Debug("Refusing checkpoint signature")
	} else {
		resp.Signed = true
		resp.Signature = sig
	}

	rpc.Respond(resp, nil)
}

// transportRequester adapts the transport to the builder's signature
// solicitation interface.
type transportRequester struct {
	trans net.Transport
	from  string
}

// RequestSignature implements checkpoint.SignatureRequester.
func (t *transportRequester) RequestSignature(ctx context.Context, validator *peers.Peer, cp *checkpoint.Checkpoint) (string, error) {
	args := net.SignatureRequest{
		From:       t.from,
		Checkpoint: cp,
	}

	type result struct {
		resp net.SignatureResponse
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		var out net.SignatureResponse
		err := t.trans.RequestSignature(validator.NetAddr, &args, &out)
		resCh <- result{out, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return "", res.err
		}
		if !res.resp.Signed {
			return "", fmt.Errorf("validator %s refused to sign", validator.PubKeyHex)
		}
		return res.resp.Signature, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
