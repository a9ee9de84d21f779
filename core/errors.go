package core

import "fmt"

// LogicKind enumerates the Logic(kind) error variants §7 names.
type LogicKind int

const (
	InvalidMerkleRoot LogicKind = iota
	InvalidTime
	InvalidSignature
	UnrecognizedCreator
	MissingPrevious
	UndoOrigin
	Duplicate
	NotEnoughShares
	ExpectedAdmin
	InvalidSigner
	InvalidMutation
)

func (k LogicKind) String() string {
	switch k {
	case InvalidMerkleRoot:
		return "InvalidMerkleRoot"
	case InvalidTime:
		return "InvalidTime"
	case InvalidSignature:
		return "InvalidSignature"
	case UnrecognizedCreator:
		return "UnrecognizedCreator"
	case MissingPrevious:
		return "MissingPrevious"
	case UndoOrigin:
		return "UndoOrigin"
	case Duplicate:
		return "Duplicate"
	case NotEnoughShares:
		return "NotEnoughShares"
	case ExpectedAdmin:
		return "ExpectedAdmin"
	case InvalidSigner:
		return "InvalidSigner"
	case InvalidMutation:
		return "InvalidMutation"
	default:
		return fmt.Sprintf("LogicKind(%d)", int(k))
	}
}

// LogicError is the rule-engine/RK rejection error, carrying an optional
// free-form message for InvalidMutation.
type LogicError struct {
	Kind LogicKind
	Msg  string
}

func (e *LogicError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("logic: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("logic: %s", e.Kind)
}

func NewLogicError(kind LogicKind) error { return &LogicError{Kind: kind} }

func NewInvalidMutationError(msg string) error {
	return &LogicError{Kind: InvalidMutation, Msg: msg}
}

// NotFoundError wraps the missing key so callers can report which lookup
// failed; distinct from ErrNotFound (kvstore.go), which is the lower-level
// sentinel this wraps.
type NotFoundError struct {
	Key []byte
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %x", e.Key) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFoundError(key []byte) error { return &NotFoundError{Key: key} }

// DeserializeError wraps an RLP or protocol decode failure.
type DeserializeError struct {
	Msg string
	Err error
}

func (e *DeserializeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialize: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("deserialize: %s", e.Msg)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

func NewDeserializeError(msg string, err error) error {
	return &DeserializeError{Msg: msg, Err: err}
}

// DBError wraps a backing-store failure, fatal to the operation in
// progress per §4.1.
type DBError struct {
	Msg string
	Err error
}

func (e *DBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("db: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("db: %s", e.Msg)
}

func (e *DBError) Unwrap() error { return e.Err }

func NewDBError(msg string, err error) error { return &DBError{Msg: msg, Err: err} }

// OutOfMemoryError reports that a bounded in-memory resource (the
// pending-txn pool's byte budget) is exhausted; fatal to the operation
// per §7, distinct from a rule-engine Logic rejection.
type OutOfMemoryError struct {
	Msg string
}

func (e *OutOfMemoryError) Error() string { return fmt.Sprintf("out of memory: %s", e.Msg) }

func NewOutOfMemoryError(msg string) error { return &OutOfMemoryError{Msg: msg} }
