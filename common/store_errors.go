package common

import "fmt"

// StoreErrType enumerates the conditions under which a store operation can
// fail.
type StoreErrType uint32

const (
	// KeyNotFound - the requested item is not in the store.
	KeyNotFound StoreErrType = iota
	// KeyAlreadyExists - an item with the same key is already in the store.
	KeyAlreadyExists
	// PassedEpoch - the requested epoch is below the earliest retained epoch.
	PassedEpoch
	// SkippedEpoch - appending would leave a gap in the checkpoint chain.
	SkippedEpoch
	// Empty - the store contains no items of the requested kind.
	Empty
	// UnknownFederation - the federation is not in the registry.
	UnknownFederation
)

// StoreErr is a typed store error; use IsStore to classify.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a new StoreErr.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case PassedEpoch:
		m = "Passed Epoch"
	case SkippedEpoch:
		m = "Skipped Epoch"
	case Empty:
		m = "Empty"
	case UnknownFederation:
		m = "Unknown Federation"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
