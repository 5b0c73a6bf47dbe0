package dag

// Store is an interface for block-store backends. Blocks are content
// addressed and append-only: there is no update or delete operation.
//
// Put and Admit are distinct steps. Put makes a block addressable after
// structural and signature checks; Admit additionally requires every parent
// to be admitted already, and records the block in the admission log that
// checkpoint building reads. Admission is linearizable per identifier and
// idempotent for duplicate content.
type Store interface {
	// Put validates a block's identifier and signatures and stores it.
	// Returns the block's ID. Idempotent for duplicate content.
	Put(block *Block) (string, error)
	// Get returns a block by ID, or a NotFound AdmissionErr.
	Get(id string) (*Block, error)
	// Has reports whether a block is addressable locally.
	Has(id string) bool
	// Admit puts the block and appends it to the admission log, after
	// checking that every parent is already admitted.
	Admit(block *Block) error
	// Admitted reports whether a block has been admitted (not merely put).
	Admitted(id string) bool
	// AdmissionIndex returns the number of admitted blocks. The value is
	// recorded by checkpoints to delimit epochs.
	AdmissionIndex() int
	// AdmittedSince returns the IDs of blocks admitted at positions
	// [start, end) of the admission log.
	AdmittedSince(start int) ([]string, error)
	// SetChainHead durably records the ID of the current chain-head
	// checkpoint block.
	SetChainHead(id string) error
	// ChainHead returns the recorded chain-head block ID, or a StoreErr
	// with the Empty code if no checkpoint has been applied yet.
	ChainHead() (string, error)
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database, or ""
	// for in-memory backends.
	StorePath() string
}
