package node

import (
	"time"

	"github.com/meshworks/fedsync/checkpoint"
	"github.com/sirupsen/logrus"
)

// Winner is the outcome of comparing two partition branches.
type Winner uint8

const (
	// WinnerOurs - our branch prevails; the peer fast-forwards from us.
	WinnerOurs Winner = iota
	// WinnerTheirs - the peer's branch prevails; we fast-forward from it.
	WinnerTheirs
	// WinnerMerge - neither branch dominates; the branches are reconciled
	// block by block.
	WinnerMerge
)

// String ...
func (w Winner) String() string {
	switch w {
	case WinnerOurs:
		return "Ours"
	case WinnerTheirs:
		return "Theirs"
	case WinnerMerge:
		return "Merge"
	default:
		return "Unknown"
	}
}

// BranchStat summarizes one partition branch above the common ancestor.
type BranchStat struct {
	// ChainLength is the number of checkpoints sealed above the ancestor.
	ChainLength int
	// SigCount is the number of signatures on the branch head.
	SigCount int
	// TxTotal is the cumulative transaction count at the branch head.
	TxTotal uint64
	// Timestamp is the branch head's build time in Unix nanoseconds.
	Timestamp int64
}

// DetermineWinner decides which side of a healed partition prevails. The
// comparison is deterministic and symmetric: both sides reach the same
// verdict from swapped arguments. Longer chains win, then more heavily
// signed heads, then more transactions, then the earlier head. Full ties
// merge.
func DetermineWinner(ours, theirs BranchStat) Winner {
	switch {
	case ours.ChainLength != theirs.ChainLength:
		if ours.ChainLength > theirs.ChainLength {
			return WinnerOurs
		}
		return WinnerTheirs
	case ours.SigCount != theirs.SigCount:
		if ours.SigCount > theirs.SigCount {
			return WinnerOurs
		}
		return WinnerTheirs
	case ours.TxTotal != theirs.TxTotal:
		if ours.TxTotal > theirs.TxTotal {
			return WinnerOurs
		}
		return WinnerTheirs
	case ours.Timestamp != theirs.Timestamp:
		if ours.Timestamp < theirs.Timestamp {
			return WinnerOurs
		}
		return WinnerTheirs
	default:
		return WinnerMerge
	}
}

// checkPartition compares reachability against the partition threshold and
// moves the node between Syncing and Partitioned. While partitioned, the
// sync timer runs at the reduced cadence and the registry snapshot taken at
// suspicion time is kept for the healing report.
func (n *Node) checkPartition() {
	snapshot := n.core.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	reachable := 0
	for _, ps := range snapshot {
		if ps.Reachable {
			reachable++
		}
	}

	suspected := reachable*2 < len(snapshot)

	switch n.getState() {
	case Syncing:
		if suspected {
			n.partitionSnapshot = snapshot
			n.partitionSince = time.Now()
			n.partitionAlerted = false
			n.setState(Partitioned)
			n.emitter.Emit(Event{Type: PartitionSuspected})
			n.logger.WithFields(logrus.Fields{
				"reachable": reachable,
				"known":     len(snapshot),
			}).Warn("Partition suspected")
			// Seal what we have before the cadence drops, so the healing
			// comparison starts from a signed snapshot of this side.
			n.goFunc(n.buildCheckpoint)
		}
	case Partitioned:
		if !suspected {
			n.setState(Syncing)
			n.emitter.Emit(Event{Type: PartitionHealed})
			n.logger.WithFields(logrus.Fields{
				"reachable": reachable,
				"known":     len(snapshot),
				"isolated":  len(n.partitionSnapshot),
				"duration":  time.Since(n.partitionSince).String(),
			}).Info("Partition healed")
			n.partitionSnapshot = nil
			n.partitionAlerted = false
			break
		}
		if !n.partitionAlerted && time.Since(n.partitionSince) > n.conf.HealingDeadline {
			n.partitionAlerted = true
			n.emitter.Emit(Event{Type: PartitionAlert})
			n.logger.WithFields(logrus.Fields{
				"reachable": reachable,
				"known":     len(snapshot),
				"since":     n.partitionSince,
				"deadline":  n.conf.HealingDeadline,
			}).Error("Partition exceeded healing deadline, operator attention required")
		}
	}
}

// branchStat builds the local BranchStat above the given ancestor epoch.
func (n *Node) branchStat(ancestorEpoch uint64) BranchStat {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	head := n.core.Head()
	if head == nil {
		return BranchStat{}
	}

	return BranchStat{
		ChainLength: int(head.Body.Epoch - ancestorEpoch),
		SigCount:    len(head.Signatures),
		TxTotal:     head.Body.TxTotal,
		Timestamp:   head.Body.Timestamp,
	}
}

// StatFromHeaders builds a BranchStat from a peer's headers above the
// ancestor epoch. The last header is the branch head.
func StatFromHeaders(headers []checkpoint.Header, ancestorEpoch uint64) BranchStat {
	stat := BranchStat{}
	for _, h := range headers {
		if h.Epoch <= ancestorEpoch {
			continue
		}
		stat.ChainLength++
		stat.SigCount = h.SignatureCount
		stat.TxTotal = h.TxTotal
		stat.Timestamp = h.Timestamp
	}
	return stat
}
