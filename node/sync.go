package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/peers"
	"github.com/meshworks/fedsync/reconcile"
	"github.com/sirupsen/logrus"
)

// SessionState captures the phase of one sync session with a peer
// federation.
type SessionState uint8

const (
	// SessionHeaderExchange - exchanging checkpoint headers to locate the
	// common ancestor.
	SessionHeaderExchange SessionState = iota
	// SessionFastForward - the peer is strictly ahead; applying its
	// checkpoints in epoch order.
	SessionFastForward
	// SessionShareOurs - we are strictly ahead; nothing to pull, the peer
	// will fast-forward from us on its own schedule.
	SessionShareOurs
	// SessionReconcile - both sides extended past the common ancestor;
	// merging or choosing between the branches.
	SessionReconcile
	// SessionInSync - identical heads.
	SessionInSync
)

// String ...
func (s SessionState) String() string {
	switch s {
	case SessionHeaderExchange:
		return "HeaderExchange"
	case SessionFastForward:
		return "FastForward"
	case SessionShareOurs:
		return "ShareOurs"
	case SessionReconcile:
		return "Reconcile"
	case SessionInSync:
		return "InSync"
	default:
		return "Unknown"
	}
}

// ErrNoCommonHistory is returned when two non-empty checkpoint chains share
// no checkpoint inside the header window. Such peers cannot be merged
// automatically.
var ErrNoCommonHistory = errors.New("no common checkpoint history with peer")

// sessionPlan is the outcome of header classification.
type sessionPlan struct {
	state      SessionState
	ancestorID string
	// toApply holds the peer's headers above the ancestor, in epoch order.
	toApply []checkpoint.Header
	// theirHead is the peer's head header inside the window, when known.
	theirHead *checkpoint.Header
}

// classifySession locates the common ancestor between our headers and the
// peer's, and decides how the session proceeds. Both header slices are in
// epoch order and restricted to the same window.
func classifySession(ours, theirs []checkpoint.Header, ourHeadEpoch, theirHeadEpoch uint64) (sessionPlan, error) {
	plan := sessionPlan{state: SessionHeaderExchange}

	if len(theirs) > 0 {
		h := theirs[len(theirs)-1]
		plan.theirHead = &h
	}

	ourByEpoch := make(map[uint64]checkpoint.Header, len(ours))
	for _, h := range ours {
		ourByEpoch[h.Epoch] = h
	}

	// Highest epoch at which both chains hold the same checkpoint.
	var ancestor *checkpoint.Header
	for i := len(theirs) - 1; i >= 0; i-- {
		if mine, ok := ourByEpoch[theirs[i].Epoch]; ok && mine.ID == theirs[i].ID {
			h := theirs[i]
			ancestor = &h
			break
		}
	}

	switch {
	case ancestor == nil && ourHeadEpoch == 0:
		// Fresh node: everything the peer has is ahead of us.
		plan.state = SessionFastForward
		plan.toApply = theirs
	case ancestor == nil && theirHeadEpoch == 0:
		plan.state = SessionShareOurs
	case ancestor == nil:
		return plan, ErrNoCommonHistory
	case ancestor.Epoch == ourHeadEpoch && ancestor.Epoch == theirHeadEpoch:
		plan.state = SessionInSync
		plan.ancestorID = ancestor.ID
	case ancestor.Epoch == ourHeadEpoch && theirHeadEpoch > ourHeadEpoch:
		plan.state = SessionFastForward
		plan.ancestorID = ancestor.ID
		for _, h := range theirs {
			if h.Epoch > ancestor.Epoch {
				plan.toApply = append(plan.toApply, h)
			}
		}
	case ancestor.Epoch == theirHeadEpoch && ourHeadEpoch > theirHeadEpoch:
		plan.state = SessionShareOurs
		plan.ancestorID = ancestor.ID
	default:
		plan.state = SessionReconcile
		plan.ancestorID = ancestor.ID
	}

	return plan, nil
}

// syncWith runs one sync session with a peer federation, from header exchange
// to completion. At most MaxSyncSessions sessions run concurrently; beyond
// that the session is skipped and retried on a later tick.
func (n *Node) syncWith(peer peers.PeerState) error {
	select {
	case n.sessionSlots <- struct{}{}:
		defer func() { <-n.sessionSlots }()
	default:
		n.logger.WithField("peer", peer.Peer.PubKeyHex).Debug("Session limit reached, skipping")
		return nil
	}

	logger := n.logger.WithField("peer", peer.Peer.PubKeyHex)

	n.coreLock.Lock()
	ourHeadEpoch := n.core.HeadEpoch()
	n.coreLock.Unlock()

	window := n.conf.HeaderWindow
	from := uint64(0)
	if ourHeadEpoch > window {
		from = ourHeadEpoch - window
	}
	to := ourHeadEpoch + window

	start := time.Now()
	resp, err := n.requestHeaders(peer.Peer.NetAddr, from, to)
	rtt := time.Since(start)

	if err != nil {
		logger.WithError(err).Debug("requestHeaders()")
		n.core.registry.SetReachable(peer.Peer.PubKeyHex, false, 0)
		n.core.trust.RecordFailure(peer.Peer.PubKeyHex)
		return err
	}

	n.core.registry.SetReachable(peer.Peer.PubKeyHex, true, rtt)

	n.coreLock.Lock()
	ours := n.core.Headers(from, to)
	n.coreLock.Unlock()

	plan, err := classifySession(ours, resp.Headers, ourHeadEpoch, resp.HeadEpoch)
	if err != nil {
		logger.WithError(err).Warn("Header classification")
		n.core.trust.RecordFailure(peer.Peer.PubKeyHex)
		return err
	}

	logger.WithFields(logrus.Fields{
		"state":      plan.state.String(),
		"ancestor":   plan.ancestorID,
		"our_head":   ourHeadEpoch,
		"their_head": resp.HeadEpoch,
	}).Debug("Session classified")

	switch plan.state {
	case SessionInSync:
		err = nil
	case SessionShareOurs:
		err = nil
	case SessionFastForward:
		err = n.fastForward(&peer.Peer, plan)
	case SessionReconcile:
		err = n.reconcile(&peer.Peer, plan)
	}

	if err != nil {
		n.core.trust.RecordFailure(peer.Peer.PubKeyHex)
		return err
	}

	if plan.theirHead != nil {
		n.core.registry.SetCheckpoint(peer.Peer.PubKeyHex, plan.theirHead.ID, plan.theirHead.Epoch)
	}
	n.core.trust.RecordSuccess(peer.Peer.PubKeyHex)

	return nil
}

// fastForward applies the peer's checkpoints above the common ancestor, in
// strict epoch order. Each epoch's blocks are fetched and admitted before the
// checkpoint itself is validated and appended; a failure at any epoch leaves
// the chain at the last valid head.
func (n *Node) fastForward(peer *peers.Peer, plan sessionPlan) error {
	for _, header := range plan.toApply {
		cpResp, err := n.requestCheckpoint(peer.NetAddr, header.ID)
		if err != nil {
			return err
		}
		if cpResp.Checkpoint == nil {
			return fmt.Errorf("peer %s returned no checkpoint for %s", peer.PubKeyHex, header.ID)
		}

		// The served ID set must recompute the signed block root before
		// anything enters the local DAG.
		if err := n.core.cpValidator.VerifyCoverage(cpResp.Checkpoint, cpResp.BlockIDs); err != nil {
			return err
		}

		blocks, err := n.fetchBlocks(peer, cpResp.BlockIDs)
		if err != nil {
			return err
		}
		if err := checkServedBlocks(cpResp.BlockIDs, blocks); err != nil {
			return err
		}

		n.coreLock.Lock()
		_, err = n.core.AdmitForeign(blocks)
		if err == nil {
			err = n.core.ApplyCheckpoint(cpResp.Checkpoint)
		}
		n.coreLock.Unlock()

		if err != nil {
			return err
		}

		n.logger.WithFields(logrus.Fields{
			"epoch":  header.Epoch,
			"blocks": len(blocks),
		}).Debug("Fast-forwarded epoch")
	}

	// Rebuild application state from the full local history.
	return n.refold()
}

// reconcile merges or chooses between our branch and the peer's branch above
// the common ancestor.
func (n *Node) reconcile(peer *peers.Peer, plan sessionPlan) error {
	if plan.theirHead == nil {
		return fmt.Errorf("reconcile with %s: peer head unknown", peer.PubKeyHex)
	}

	// Fetch their head checkpoint first.
	cpResp, err := n.requestCheckpoint(peer.NetAddr, plan.theirHead.ID)
	if err != nil {
		return err
	}
	theirHead := cpResp.Checkpoint
	if theirHead == nil {
		return fmt.Errorf("peer %s returned no checkpoint for %s", peer.PubKeyHex, plan.theirHead.ID)
	}
	if err := n.core.cpValidator.VerifyCoverage(theirHead, cpResp.BlockIDs); err != nil {
		return err
	}

	// Collect their branch checkpoints and block IDs, walking back from the
	// head to the ancestor through PrevCheckpoint references. Every epoch's
	// ID set must recompute its checkpoint's block root.
	cp := theirHead
	ids := cpResp.BlockIDs
	theirCPs := []*checkpoint.Checkpoint{theirHead}
	for cp.Body.PrevCheckpoint != "" && cp.Body.PrevCheckpoint != plan.ancestorID {
		prevResp, err := n.requestCheckpoint(peer.NetAddr, cp.Body.PrevCheckpoint)
		if err != nil {
			return err
		}
		if prevResp.Checkpoint == nil {
			return fmt.Errorf("peer %s broke its own chain at %s", peer.PubKeyHex, cp.Body.PrevCheckpoint)
		}
		if err := n.core.cpValidator.VerifyCoverage(prevResp.Checkpoint, prevResp.BlockIDs); err != nil {
			return err
		}
		ids = append(prevResp.BlockIDs, ids...)
		cp = prevResp.Checkpoint
		theirCPs = append([]*checkpoint.Checkpoint{cp}, theirCPs...)
	}

	theirBlocks, err := n.fetchBlocks(peer, ids)
	if err != nil {
		return err
	}
	if err := checkServedBlocks(ids, theirBlocks); err != nil {
		return err
	}

	theirSigners := make(map[string]bool, len(theirHead.Signatures))
	for pub := range theirHead.Signatures {
		theirSigners[pub] = true
	}

	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	ancestorBoundary := 0
	if plan.ancestorID != "" {
		ancestorBoundary, err = n.core.chain.Boundary(plan.ancestorID)
		if err != nil {
			return err
		}
	}

	ours, err := n.core.BranchDelta(ancestorBoundary)
	if err != nil {
		return err
	}

	theirs, err := reconcile.DeltaFromBlocks(
		theirHead.ID(),
		theirHead.Body.Epoch,
		len(theirHead.Signatures),
		theirSigners,
		nonCheckpointBlocks(theirBlocks),
		n.core.proxy,
	)
	if err != nil {
		return err
	}
	theirs.Origin = peer.PubKeyHex

	ctx, cancel := context.WithTimeout(context.Background(), n.conf.QuorumTimeout)
	defer cancel()

	res, err := n.core.Reconcile(ctx, plan.ancestorID, ours, theirs)
	if err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"resolution": res.Resolution.String(),
		"severity":   res.Severity.String(),
		"conflicts":  len(res.Conflicts),
		"chosen":     res.ChosenBranch,
	}).Info("Reconciled with peer")

	if res.Resolution == reconcile.PendingExternalDecision {
		// Leave both branches untouched until governance decides.
		return nil
	}

	// Decide which branch's checkpoint chain prevails. The losing side
	// abandons its checkpoints above the ancestor and adopts the winner's;
	// its own blocks stay admitted and are covered by the next checkpoint.
	ancestorEpoch := uint64(0)
	if ancestorCP, err := n.core.chain.GetByID(plan.ancestorID); err == nil {
		ancestorEpoch = ancestorCP.Body.Epoch
	}

	ourHead := n.core.Head()
	ourStat := BranchStat{
		ChainLength: int(ourHead.Body.Epoch - ancestorEpoch),
		SigCount:    len(ourHead.Signatures),
		TxTotal:     ourHead.Body.TxTotal,
		Timestamp:   ourHead.Body.Timestamp,
	}
	theirStat := BranchStat{
		ChainLength: len(theirCPs),
		SigCount:    len(theirHead.Signatures),
		TxTotal:     theirHead.Body.TxTotal,
		Timestamp:   theirHead.Body.Timestamp,
	}

	winner := DetermineWinner(ourStat, theirStat)

	n.logger.WithFields(logrus.Fields{
		"winner":       winner.String(),
		"our_length":   ourStat.ChainLength,
		"their_length": theirStat.ChainLength,
	}).Info("Partition branches compared")

	// Union the peer's branch blocks into our DAG so the next checkpoint
	// covers both histories.
	if _, err := n.core.AdmitForeign(theirBlocks); err != nil {
		return err
	}

	if winner == WinnerTheirs {
		if err := n.core.chain.TruncateTo(plan.ancestorID); err != nil {
			return err
		}
		for _, cp := range theirCPs {
			if err := n.core.ApplyCheckpoint(cp); err != nil {
				return err
			}
		}
	}

	// Rebuild the full application state from local history, then overlay
	// the resolved post-ancestor entities so tie-break outcomes survive the
	// replay.
	entities, err := n.core.FoldAll()
	if err != nil {
		return err
	}
	for k, v := range res.Entities {
		entities[k] = v
	}
	return n.core.proxy.Restore(entities)
}

// fetchBlocks pulls blocks from the peer in bounded batches.
func (n *Node) fetchBlocks(peer *peers.Peer, ids []string) ([]*dag.Block, error) {
	blocks := []*dag.Block{}
	for start := 0; start < len(ids); start += n.conf.BlockBatch {
		end := start + n.conf.BlockBatch
		if end > len(ids) {
			end = len(ids)
		}

		resp, err := n.requestBlocks(peer.NetAddr, ids[start:end])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, resp.Blocks...)
	}
	return blocks, nil
}

// refold replays the whole local DAG through the application to rebuild its
// entity state after a fast-forward.
func (n *Node) refold() error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	entities, err := n.core.FoldAll()
	if err != nil {
		return err
	}

	return n.core.proxy.Restore(entities)
}

// checkServedBlocks verifies that a peer served exactly the requested blocks:
// nothing missing, nothing extra, IDs matching content.
func checkServedBlocks(ids []string, blocks []*dag.Block) error {
	if len(blocks) != len(ids) {
		return fmt.Errorf("peer served %d blocks for %d covered IDs", len(blocks), len(ids))
	}

	covered := make(map[string]bool, len(ids))
	for _, id := range ids {
		covered[id] = true
	}
	for _, b := range blocks {
		if !covered[b.ID()] {
			return fmt.Errorf("peer served uncovered block %s", b.ID())
		}
	}

	return nil
}

func nonCheckpointBlocks(blocks []*dag.Block) []*dag.Block {
	out := []*dag.Block{}
	for _, b := range blocks {
		if b.Body.Type == dag.Checkpoint {
			continue
		}
		out = append(out, b)
	}
	return out
}
