package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/meshworks/fedsync/peers"
	"github.com/sirupsen/logrus"
)

// Resolution states how a divergence was, or was not, settled.
type Resolution uint8

const (
	// ResolvedUnion - disjoint deltas, both sides kept.
	ResolvedUnion Resolution = iota
	// ResolvedOurs - our branch won the deterministic tie-break.
	ResolvedOurs
	// ResolvedTheirs - their branch won the deterministic tie-break.
	ResolvedTheirs
	// PendingExternalDecision - a Major conflict is with governance;
	// reconciliation blocks pending that outcome, it is not retried
	// locally.
	PendingExternalDecision
)

// String ...
func (r Resolution) String() string {
	switch r {
	case ResolvedUnion:
		return "ResolvedUnion"
	case ResolvedOurs:
		return "ResolvedOurs"
	case ResolvedTheirs:
		return "ResolvedTheirs"
	case PendingExternalDecision:
		return "PendingExternalDecision"
	default:
		return "Unknown"
	}
}

// ResolvedState is the outcome of reconciling two branches. Given the same
// ancestor and deltas, two nodes produce identical ResolvedStates; eventual
// convergence depends on it.
type ResolvedState struct {
	Resolution Resolution
	Severity   Severity
	// ChosenBranch is the winning checkpoint ID for Minor resolutions and
	// governance decisions; empty for unions.
	ChosenBranch string
	// Entities is the merged per-entity state.
	Entities map[string][]byte
	// BlockIDs is the union of both branches' blocks, sorted.
	BlockIDs []string
	// Conflicts preserves what was detected, for the resolution record.
	Conflicts []Conflict
	// Equivocators lists validators caught signing both branch heads.
	Equivocators []string
}

// GovernanceDecider is the governance collaborator's conflict vote: given
// the two branches it returns the checkpoint ID of the branch to keep.
type GovernanceDecider interface {
	DecideConflict(ctx context.Context, ancestorID string, ours, theirs Delta) (chosenID string, err error)
}

// FaultReporter receives equivocation findings. The trust ledger implements
// it.
type FaultReporter interface {
	RecordEquivocation(pubKeyHex string)
}

// TrustSource is the trust-ledger surface the reconciler consumes: fault
// feedback plus the score used to disqualify low-trust branches from
// tie-breaks.
type TrustSource interface {
	FaultReporter
	Trust(pubKeyHex string) float64
}

// Reconciler merges or chooses between divergent checkpoint histories that
// share a common ancestor. It holds no cross-call state; every Reconcile is
// a pure computation over its inputs plus the external governance call for
// Major conflicts and the trust lookup for tie-breaks.
type Reconciler struct {
	decider   GovernanceDecider
	trust     TrustSource
	threshold float64
	logger    *logrus.Entry
}

// NewReconciler ...
func NewReconciler(decider GovernanceDecider, trust TrustSource, logger *logrus.Entry) *Reconciler {
	return &Reconciler{
		decider:   decider,
		trust:     trust,
		threshold: peers.DefaultTrustThreshold,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// Reconcile computes the resolved state for two branches diverging from
// ancestorID. The system never guesses intent: Major conflicts go to
// governance, Critical ones flag the trust ledger and then resolve like
// Minor ones with the equivocators' branches stripped of their vote.
func (r *Reconciler) Reconcile(ctx context.Context, ancestorID string, ours, theirs Delta) (*ResolvedState, error) {
	conflicts := FindConflicts(ours, theirs)
	severity := Classify(ours, theirs, conflicts)

	r.logger.WithFields(logrus.Fields{
		"ancestor":  ancestorID,
		"ours":      ours.CheckpointID,
		"theirs":    theirs.CheckpointID,
		"conflicts": len(conflicts),
		"severity":  severity.String(),
	}).Debug("reconciling")

	switch severity {
	case None:
		return r.union(ours, theirs, conflicts, severity), nil

	case Minor:
		return r.tieBreak(ours, theirs, conflicts, severity, nil), nil

	case Major:
		chosenID, err := r.decider.DecideConflict(ctx, ancestorID, ours, theirs)
		if err != nil {
			return &ResolvedState{
				Resolution: PendingExternalDecision,
				Severity:   severity,
				Conflicts:  conflicts,
			}, nil
		}
		return r.applyDecision(chosenID, ours, theirs, conflicts, severity)

	case Critical:
		equivocators := Equivocators(ours, theirs)
		for _, pubKeyHex := range equivocators {
			r.trust.RecordEquivocation(pubKeyHex)
		}
		// with the equivocators' signatures struck from both sides, the
		// remaining honest weight decides
		strippedOurs := strikeSigners(ours, equivocators)
		strippedTheirs := strikeSigners(theirs, equivocators)
		return r.tieBreak(strippedOurs, strippedTheirs, conflicts, severity, equivocators), nil
	}

	return nil, fmt.Errorf("unhandled severity %d", severity)
}

// union merges disjoint deltas.
func (r *Reconciler) union(ours, theirs Delta, conflicts []Conflict, severity Severity) *ResolvedState {
	entities := map[string][]byte{}
	for k, change := range ours.Entities {
		entities[k] = change.Value
	}
	for k, change := range theirs.Entities {
		if _, ok := entities[k]; !ok {
			entities[k] = change.Value
		}
	}

	return &ResolvedState{
		Resolution: ResolvedUnion,
		Severity:   severity,
		Entities:   entities,
		BlockIDs:   unionBlockIDs(ours, theirs),
		Conflicts:  conflicts,
	}
}

// tieBreak resolves value clashes with the fixed total order: a branch from
// a federation whose trust score has collapsed below the threshold loses
// outright; otherwise higher cumulative signature weight wins, then the
// lexicographically smaller checkpoint identifier. Non-conflicting entities
// are unioned either way.
func (r *Reconciler) tieBreak(ours, theirs Delta, conflicts []Conflict, severity Severity, equivocators []string) *ResolvedState {
	var oursWins bool
	if ot, tt := r.trustworthy(ours), r.trustworthy(theirs); ot != tt {
		oursWins = ot
	} else {
		oursWins = ours.SigWeight > theirs.SigWeight ||
			(ours.SigWeight == theirs.SigWeight && ours.CheckpointID < theirs.CheckpointID)
	}

	winner, loser := ours, theirs
	resolution := ResolvedOurs
	if !oursWins {
		winner, loser = theirs, ours
		resolution = ResolvedTheirs
	}

	entities := map[string][]byte{}
	for k, change := range loser.Entities {
		entities[k] = change.Value
	}
	// winner overrides on every contested entity
	for k, change := range winner.Entities {
		entities[k] = change.Value
	}

	return &ResolvedState{
		Resolution:   resolution,
		Severity:     severity,
		ChosenBranch: winner.CheckpointID,
		Entities:     entities,
		BlockIDs:     unionBlockIDs(ours, theirs),
		Conflicts:    conflicts,
		Equivocators: equivocators,
	}
}

// applyDecision applies a governance verdict.
func (r *Reconciler) applyDecision(chosenID string, ours, theirs Delta, conflicts []Conflict, severity Severity) (*ResolvedState, error) {
	var winner, loser Delta
	var resolution Resolution
	switch chosenID {
	case ours.CheckpointID:
		winner, loser, resolution = ours, theirs, ResolvedOurs
	case theirs.CheckpointID:
		winner, loser, resolution = theirs, ours, ResolvedTheirs
	default:
		return nil, fmt.Errorf("governance chose unknown branch %s", chosenID)
	}

	entities := map[string][]byte{}
	for k, change := range loser.Entities {
		entities[k] = change.Value
	}
	for k, change := range winner.Entities {
		entities[k] = change.Value
	}

	return &ResolvedState{
		Resolution:   resolution,
		Severity:     severity,
		ChosenBranch: winner.CheckpointID,
		Entities:     entities,
		BlockIDs:     unionBlockIDs(ours, theirs),
		Conflicts:    conflicts,
	}, nil
}

// trustworthy reports whether a branch's origin federation is above the
// trust threshold. The local branch has no origin and is always eligible.
func (r *Reconciler) trustworthy(d Delta) bool {
	if d.Origin == "" {
		return true
	}
	return r.trust.Trust(d.Origin) >= r.threshold
}

// strikeSigners returns the delta with the given signers' weight removed.
func strikeSigners(delta Delta, signers []string) Delta {
	stripped := delta
	stripped.Signers = map[string]bool{}
	for signer := range delta.Signers {
		stripped.Signers[signer] = true
	}
	for _, signer := range signers {
		if stripped.Signers[signer] {
			delete(stripped.Signers, signer)
			stripped.SigWeight--
		}
	}
	return stripped
}

func unionBlockIDs(ours, theirs Delta) []string {
	seen := map[string]bool{}
	res := []string{}
	for _, id := range ours.BlockIDs {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	for _, id := range theirs.BlockIDs {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}
