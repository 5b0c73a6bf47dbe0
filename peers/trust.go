package peers

import (
	"github.com/sirupsen/logrus"
)

const (
	trustSuccessGain  = 0.05
	trustFailureDrop  = 0.15
	trustFloor        = 0.0
	trustCeiling      = 1.0
	// DefaultTrustThreshold is the score below which a peer's deltas lose
	// reconciliation tie-breaks by default.
	DefaultTrustThreshold = 0.2
)

// TrustLedger maintains per-federation trust scores, fed by synchronization
// outcomes. It is one of the two writers of the Registry.
type TrustLedger struct {
	registry *Registry
	logger   *logrus.Entry
}

// NewTrustLedger ...
func NewTrustLedger(registry *Registry, logger *logrus.Entry) *TrustLedger {
	return &TrustLedger{
		registry: registry,
		logger:   logger.WithField("component", "trust"),
	}
}

// RecordSuccess raises a peer's score after a clean sync outcome.
func (t *TrustLedger) RecordSuccess(pubKeyHex string) {
	t.registry.withPeer(pubKeyHex, func(state *PeerState) {
		state.Trust = clamp(state.Trust + trustSuccessGain*(trustCeiling-state.Trust))
	})
}

// RecordFailure lowers a peer's score after a failed validation or a
// recurring transport failure.
func (t *TrustLedger) RecordFailure(pubKeyHex string) {
	t.registry.withPeer(pubKeyHex, func(state *PeerState) {
		state.Trust = clamp(state.Trust - trustFailureDrop*state.Trust)
		t.logger.WithFields(logrus.Fields{
			"peer":  state.Moniker,
			"trust": state.Trust,
		}).Debug("trust lowered")
	})
}

// RecordEquivocation zeroes a peer's score and excludes its signatures from
// quorum counting. Equivocation is a deliberate fault, not noise, so there is
// no recovery path short of operator intervention.
func (t *TrustLedger) RecordEquivocation(pubKeyHex string) {
	t.registry.withPeer(pubKeyHex, func(state *PeerState) {
		state.Trust = trustFloor
		state.QuorumExcluded = true
		t.logger.WithField("peer", state.Moniker).Warn("equivocation recorded, peer excluded from quorum")
	})
}

// Trust returns a peer's current score, or the neutral 0.5 for unknown peers.
func (t *TrustLedger) Trust(pubKeyHex string) float64 {
	state, err := t.registry.Get(pubKeyHex)
	if err != nil {
		return 0.5
	}
	return state.Trust
}

// Excluded reports whether a peer's signatures are excluded from quorum
// counting.
func (t *TrustLedger) Excluded(pubKeyHex string) bool {
	state, err := t.registry.Get(pubKeyHex)
	if err != nil {
		return false
	}
	return state.QuorumExcluded
}

func clamp(v float64) float64 {
	if v < trustFloor {
		return trustFloor
	}
	if v > trustCeiling {
		return trustCeiling
	}
	return v
}
