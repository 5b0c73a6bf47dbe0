package dag

import (
	"sync"

	cm "github.com/meshworks/fedsync/common"
)

// InmemStore implements the Store interface with in-memory maps. It is the
// reference implementation; BadgerStore wraps it with persistence. A single
// writer mutates the store through Put/Admit while readers proceed
// concurrently against the same lock.
type InmemStore struct {
	mtx sync.RWMutex

	blocks       map[string]*Block
	admitted     map[string]bool
	admissionLog []string
	chainHead    string
	hasHead      bool
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		blocks:   make(map[string]*Block),
		admitted: make(map[string]bool),
	}
}

// checkBlock verifies content-address integrity and signatures. It is shared
// by Put and Admit.
func checkBlock(block *Block) (string, error) {
	hash, err := block.Body.Hash()
	if err != nil {
		return "", NewAdmissionErr(MalformedBlock, "", err.Error())
	}
	id := cm.EncodeToString(hash)
	if block.ID() != id {
		return "", NewAdmissionErr(MalformedBlock, block.ID(), "identifier does not match content")
	}

	if block.Body.Type.RequiresSignature() && len(block.Signatures) == 0 {
		return "", NewAdmissionErr(SignatureInvalid, id, "no signature on signed block type")
	}

	for pubKeyHex := range block.Signatures {
		ok, err := block.Verify(pubKeyHex)
		if err != nil {
			return "", NewAdmissionErr(SignatureInvalid, id, err.Error())
		}
		if !ok {
			return "", NewAdmissionErr(SignatureInvalid, id, "signature verification failed for "+pubKeyHex)
		}
	}

	return id, nil
}

// Put implements the Store interface.
func (s *InmemStore) Put(block *Block) (string, error) {
	id, err := checkBlock(block)
	if err != nil {
		return "", err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// duplicate content is idempotent
	if _, ok := s.blocks[id]; !ok {
		s.blocks[id] = block
	}

	return id, nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(id string) (*Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	block, ok := s.blocks[id]
	if !ok {
		return nil, NewAdmissionErr(NotFound, id, "")
	}
	return block, nil
}

// Has implements the Store interface.
func (s *InmemStore) Has(id string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.blocks[id]
	return ok
}

// Admit implements the Store interface.
func (s *InmemStore) Admit(block *Block) error {
	id, err := checkBlock(block)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.admitted[id] {
		return nil
	}

	for _, parent := range block.Body.Parents {
		if !s.admitted[parent.ID] {
			return NewAdmissionErr(MissingParent, id, "parent "+parent.ID)
		}
	}

	if _, ok := s.blocks[id]; !ok {
		s.blocks[id] = block
	}
	s.admitted[id] = true
	s.admissionLog = append(s.admissionLog, id)

	return nil
}

// Admitted implements the Store interface.
func (s *InmemStore) Admitted(id string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.admitted[id]
}

// AdmissionIndex implements the Store interface.
func (s *InmemStore) AdmissionIndex() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.admissionLog)
}

// AdmittedSince implements the Store interface.
func (s *InmemStore) AdmittedSince(start int) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if start < 0 || start > len(s.admissionLog) {
		return nil, cm.NewStoreErr("AdmissionLog", cm.PassedEpoch, "")
	}

	res := make([]string, len(s.admissionLog)-start)
	copy(res, s.admissionLog[start:])
	return res, nil
}

// SetChainHead implements the Store interface.
func (s *InmemStore) SetChainHead(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.chainHead = id
	s.hasHead = true
	return nil
}

// ChainHead implements the Store interface.
func (s *InmemStore) ChainHead() (string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if !s.hasHead {
		return "", cm.NewStoreErr("ChainHead", cm.Empty, "")
	}
	return s.chainHead, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

// restore rebuilds in-memory indexes from a persisted admission log. Used by
// BadgerStore bootstrap.
func (s *InmemStore) restore(blocks map[string]*Block, admissionLog []string, chainHead string, hasHead bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.blocks = blocks
	s.admissionLog = admissionLog
	s.admitted = make(map[string]bool, len(admissionLog))
	for _, id := range admissionLog {
		s.admitted[id] = true
	}
	s.chainHead = chainHead
	s.hasHead = hasHead
}
