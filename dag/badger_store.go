package dag

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
)

const (
	blockPrefix = "block"
	topoPrefix  = "topo"
	headKey     = "head"
)

// BadgerStore is a write-through persistent Store. Every mutation goes to the
// underlying Badger database inside a transaction before the wrapped
// InmemStore is updated, so a crash mid-write never leaves a partially
// written block addressable.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore creates a brand new Store with a new database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}
	return store, nil
}

// LoadBadgerStore creates a Store from an existing database.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	if err := store.bootstrap(); err != nil {
		store.db.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads an existing database or creates a new one.
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)
	if err != nil {
		store, err = NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

// bootstrap reads the persisted blocks, admission log, and chain head back
// into the wrapped InmemStore.
func (s *BadgerStore) bootstrap() error {
	blocks := make(map[string]*Block)
	admissionLog := []string{}
	chainHead := ""
	hasHead := false

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(blockPrefix + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			block := new(Block)
			if err := block.Unmarshal(val); err != nil {
				return err
			}
			blocks[block.ID()] = block
		}

		topo := []byte(topoPrefix + ":")
		for it.Seek(topo); it.ValidForPrefix(topo); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			admissionLog = append(admissionLog, string(val))
		}

		item, err := txn.Get([]byte(headKey))
		if err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			chainHead = string(val)
			hasHead = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.inmemStore.restore(blocks, admissionLog, chainHead, hasHead)
	return nil
}

func blockKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", blockPrefix, id))
}

func topoKey(index int) []byte {
	return []byte(fmt.Sprintf("%s:%015d", topoPrefix, index))
}

// Put implements the Store interface.
func (s *BadgerStore) Put(block *Block) (string, error) {
	id, err := checkBlock(block)
	if err != nil {
		return "", err
	}

	data, err := block.Marshal()
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(id), data)
	})
	if err != nil {
		return "", err
	}

	return s.inmemStore.Put(block)
}

// Get implements the Store interface. Reads are served from the in-memory
// store, which mirrors the database.
func (s *BadgerStore) Get(id string) (*Block, error) {
	return s.inmemStore.Get(id)
}

// Has implements the Store interface.
func (s *BadgerStore) Has(id string) bool {
	return s.inmemStore.Has(id)
}

// Admit implements the Store interface. The block and its admission-log entry
// are committed in a single transaction.
func (s *BadgerStore) Admit(block *Block) error {
	id, err := checkBlock(block)
	if err != nil {
		return err
	}

	if s.inmemStore.Admitted(id) {
		return nil
	}

	for _, parent := range block.Body.Parents {
		if !s.inmemStore.Admitted(parent.ID) {
			return NewAdmissionErr(MissingParent, id, "parent "+parent.ID)
		}
	}

	data, err := block.Marshal()
	if err != nil {
		return err
	}

	index := s.inmemStore.AdmissionIndex()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blockKey(id), data); err != nil {
			return err
		}
		return txn.Set(topoKey(index), []byte(id))
	})
	if err != nil {
		return err
	}

	return s.inmemStore.Admit(block)
}

// Admitted implements the Store interface.
func (s *BadgerStore) Admitted(id string) bool {
	return s.inmemStore.Admitted(id)
}

// AdmissionIndex implements the Store interface.
func (s *BadgerStore) AdmissionIndex() int {
	return s.inmemStore.AdmissionIndex()
}

// AdmittedSince implements the Store interface.
func (s *BadgerStore) AdmittedSince(start int) ([]string, error) {
	return s.inmemStore.AdmittedSince(start)
}

// SetChainHead implements the Store interface.
func (s *BadgerStore) SetChainHead(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headKey), []byte(id))
	})
	if err != nil {
		return err
	}
	return s.inmemStore.SetChainHead(id)
}

// ChainHead implements the Store interface.
func (s *BadgerStore) ChainHead() (string, error) {
	return s.inmemStore.ChainHead()
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}
