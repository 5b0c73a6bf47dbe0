package reconcile

import (
	"bytes"
	"sort"

	"github.com/meshworks/fedsync/dag"
)

// ConflictKind classifies what two branches disagree about.
type ConflictKind uint8

const (
	// ValueClash - two sides mutate the same keyed balance or state
	// incompatibly.
	ValueClash ConflictKind = iota
	// OutcomeClash - two sides record different resolutions for the same
	// decision record.
	OutcomeClash
	// IdentityClash - two sides issue incompatible updates to the same
	// identity.
	IdentityClash
)

// String ...
func (k ConflictKind) String() string {
	switch k {
	case ValueClash:
		return "ValueClash"
	case OutcomeClash:
		return "OutcomeClash"
	case IdentityClash:
		return "IdentityClash"
	default:
		return "Unknown"
	}
}

// Severity grades a set of conflicts.
type Severity uint8

const (
	// None - deltas touch disjoint entities.
	None Severity = iota
	// Minor - value clashes only, auto-resolvable by the deterministic
	// tie-break.
	Minor
	// Major - decision or identity records disagree; submitted to
	// governance for an explicit vote.
	Major
	// Critical - the same validator signed both conflicting branch heads
	// (equivocation).
	Critical
)

// String ...
func (s Severity) String() string {
	switch s {
	case None:
		return "None"
	case Minor:
		return "Minor"
	case Major:
		return "Major"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Conflict is a detected divergence on one entity. Conflicts are ephemeral:
// they exist only while reconciliation runs and survive only inside the
// resolution record.
type Conflict struct {
	Kind   ConflictKind
	Entity string
	Ours   EntityChange
	Theirs EntityChange
}

// FindConflicts enumerates the entities that both deltas change
// incompatibly, in deterministic entity order.
func FindConflicts(ours, theirs Delta) []Conflict {
	entityKeys := make([]string, 0, len(ours.Entities))
	for k := range ours.Entities {
		if _, ok := theirs.Entities[k]; ok {
			entityKeys = append(entityKeys, k)
		}
	}
	sort.Strings(entityKeys)

	conflicts := []Conflict{}
	for _, k := range entityKeys {
		ourChange := ours.Entities[k]
		theirChange := theirs.Entities[k]

		if bytes.Equal(ourChange.Value, theirChange.Value) {
			continue
		}

		conflicts = append(conflicts, Conflict{
			Kind:   conflictKind(ourChange.Type),
			Entity: k,
			Ours:   ourChange,
			Theirs: theirChange,
		})
	}

	return conflicts
}

// conflictKind maps the block type that produced a change to the conflict
// variant it raises.
func conflictKind(t dag.BlockType) ConflictKind {
	switch t {
	case dag.Governance:
		return OutcomeClash
	case dag.Identity:
		return IdentityClash
	default:
		return ValueClash
	}
}

// Equivocators returns the validators that signed both branch heads, sorted.
// Two different checkpoints for the same epoch carrying a common signer is
// deliberate misbehavior, not noise.
func Equivocators(ours, theirs Delta) []string {
	if ours.Epoch != theirs.Epoch || ours.CheckpointID == theirs.CheckpointID {
		return nil
	}

	res := []string{}
	for signer := range ours.Signers {
		if theirs.Signers[signer] {
			res = append(res, signer)
		}
	}
	sort.Strings(res)
	return res
}

// Classify grades the conflicts between two deltas.
func Classify(ours, theirs Delta, conflicts []Conflict) Severity {
	if len(Equivocators(ours, theirs)) > 0 {
		return Critical
	}
	if len(conflicts) == 0 {
		return None
	}
	for _, c := range conflicts {
		if c.Kind == OutcomeClash || c.Kind == IdentityClash {
			return Major
		}
	}
	return Minor
}
