package dummy

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/meshworks/fedsync/crypto"
	"github.com/meshworks/fedsync/dag"
	"github.com/meshworks/fedsync/reconcile"
	"github.com/sirupsen/logrus"
)

// State is a minimal key=value application used in tests and demos. Block
// payloads are "entity=value" strings; folding keeps the last write per
// entity in replay order.
type State struct {
	sync.Mutex
	entities map[string][]byte
	logger   *logrus.Logger
}

// NewState returns an empty State.
func NewState(logger *logrus.Logger) *State {
	if logger == nil {
		logger = logrus.New()
		logger.Level = logrus.DebugLevel
	}
	return &State{
		entities: make(map[string][]byte),
		logger:   logger,
	}
}

// FoldHandler applies the blocks in order and returns a copy of the
// resulting entity map.
func (s *State) FoldHandler(blocks []*dag.Block) (map[string][]byte, error) {
	s.Lock()
	defer s.Unlock()

	for _, block := range blocks {
		entity, value, err := parsePayload(block.Body.Payload)
		if err != nil {
			return nil, err
		}
		s.entities[entity] = value
	}

	out := make(map[string][]byte, len(s.entities))
	for k, v := range s.entities {
		c := make([]byte, len(v))
		copy(c, v)
		out[k] = c
	}

	s.logger.WithField("entities", len(out)).Debug("State.FoldHandler")

	return out, nil
}

// SummaryHandler folds the entity map into a single hash, iterating entities
// in sorted order so every node computes the same summary.
func (s *State) SummaryHandler(epoch uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	keys := make([]string, 0, len(s.entities))
	for k := range s.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hash := []byte{}
	for _, k := range keys {
		leaf := append([]byte(k+"="), s.entities[k]...)
		hash = crypto.SimpleHashFromTwoHashes(hash, crypto.SHA256(leaf))
	}

	return hash, nil
}

// KeyHandler parses the block payload into entity and value.
func (s *State) KeyHandler(block *dag.Block) (string, []byte, error) {
	return parsePayload(block.Body.Payload)
}

// ConflictHandler picks the branch with the lexicographically smaller
// checkpoint ID. A real application would put its governance process here.
func (s *State) ConflictHandler(ancestorID string, ours, theirs reconcile.Delta) (string, error) {
	chosen := ours.CheckpointID
	if theirs.CheckpointID < chosen {
		chosen = theirs.CheckpointID
	}

	s.logger.WithFields(logrus.Fields{
		"ancestor": ancestorID,
		"chosen":   chosen,
	}).Debug("State.ConflictHandler")

	return chosen, nil
}

// RestoreHandler replaces the entity map.
func (s *State) RestoreHandler(entities map[string][]byte) error {
	s.Lock()
	defer s.Unlock()

	s.entities = make(map[string][]byte, len(entities))
	for k, v := range entities {
		c := make([]byte, len(v))
		copy(c, v)
		s.entities[k] = c
	}

	return nil
}

// Get returns the current value of an entity.
func (s *State) Get(entity string) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()

	v, ok := s.entities[entity]
	return v, ok
}

func parsePayload(payload []byte) (string, []byte, error) {
	i := bytes.IndexByte(payload, '=')
	if i < 1 {
		return "", nil, fmt.Errorf("payload is not entity=value: %q", payload)
	}
	return string(payload[:i]), payload[i+1:], nil
}
