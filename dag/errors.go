package dag

import "fmt"

// AdmissionErrType enumerates the ways a block can be rejected by the store.
// Structural errors are never retried automatically; the producing
// collaborator must resubmit a corrected payload.
type AdmissionErrType uint32

const (
	// MalformedBlock - the block's identifier does not match its content.
	MalformedBlock AdmissionErrType = iota
	// SignatureInvalid - a required signature is missing or fails verification.
	SignatureInvalid
	// MissingParent - a parent link references a block that is not admitted.
	MissingParent
	// NotFound - the requested block is not present locally.
	NotFound
)

// AdmissionErr is a typed admission error.
type AdmissionErr struct {
	errType AdmissionErrType
	blockID string
	detail  string
}

// NewAdmissionErr ...
func NewAdmissionErr(errType AdmissionErrType, blockID, detail string) AdmissionErr {
	return AdmissionErr{
		errType: errType,
		blockID: blockID,
		detail:  detail,
	}
}

// Error implements the error interface.
func (e AdmissionErr) Error() string {
	m := ""
	switch e.errType {
	case MalformedBlock:
		m = "Malformed Block"
	case SignatureInvalid:
		m = "Signature Invalid"
	case MissingParent:
		m = "Missing Parent"
	case NotFound:
		m = "Not Found"
	}
	if e.detail != "" {
		return fmt.Sprintf("%s, %s: %s", m, e.blockID, e.detail)
	}
	return fmt.Sprintf("%s, %s", m, e.blockID)
}

// IsAdmission checks that an error is an AdmissionErr with the given code.
func IsAdmission(err error, t AdmissionErrType) bool {
	admErr, ok := err.(AdmissionErr)
	return ok && admErr.errType == t
}
