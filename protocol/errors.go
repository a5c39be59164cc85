package protocol

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the registry, codec and rpc packages
// matches one of these with errors.Is.
var (
	ErrSchemaNotFound        = errors.New("utp: schema not found")
	ErrInvalidHeader         = errors.New("utp: invalid header")
	ErrInvalidInputData      = errors.New("utp: invalid input data")
	ErrInvalidInputDataType  = errors.New("utp: invalid input data type")
	ErrInvalidInputDataValue = errors.New("utp: invalid input data value")
	ErrInvalidBinaryData     = errors.New("utp: invalid binary data")
	ErrEmptyRequiredField    = errors.New("utp: empty required field")
	ErrPack                  = errors.New("utp: pack error")
	ErrUnpack                = errors.New("utp: unpack error")
	ErrIncorrectPacketSize   = errors.New("utp: incorrect packet size")
	ErrInvalidRPCInputData   = errors.New("utp: invalid rpc input data")
)

// Code is the numeric error code carried by ERROR packets.
type Code uint16

const (
	CodeUnknown Code = iota
	CodeSchemaNotFound
	CodeInvalidHeader
	CodeInvalidInputData
	CodeInvalidInputDataType
	CodeInvalidInputDataValue
	CodeInvalidBinaryData
	CodeEmptyRequiredField
	CodePack
	CodeUnpack
	CodeIncorrectPacketSize
	CodeInvalidRPCInputData
)

var codes = []struct {
	err  error
	code Code
}{
	// The underlying kind wins over the pack/unpack wrapper.
	{ErrSchemaNotFound, CodeSchemaNotFound},
	{ErrInvalidHeader, CodeInvalidHeader},
	{ErrInvalidInputDataType, CodeInvalidInputDataType},
	{ErrInvalidInputDataValue, CodeInvalidInputDataValue},
	{ErrInvalidBinaryData, CodeInvalidBinaryData},
	{ErrEmptyRequiredField, CodeEmptyRequiredField},
	{ErrIncorrectPacketSize, CodeIncorrectPacketSize},
	{ErrInvalidRPCInputData, CodeInvalidRPCInputData},
	{ErrInvalidInputData, CodeInvalidInputData},
	{ErrPack, CodePack},
	{ErrUnpack, CodeUnpack},
}

// CodeOf maps err to its error code, CodeUnknown if it matches no kind.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Op names the direction a FieldError happened in.
type Op string

const (
	OpPack   Op = "pack"
	OpUnpack Op = "unpack"
)

// FieldError is a field-level failure, carrying the dotted path of the
// offending field (e.g. "orders[2].items[0].sku").
type FieldError struct {
	Op   Op
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	if e.Path == "" {
		if e.Op == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("utp: %s error: %v", e.Op, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("utp: field %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("utp: %s error: field %q: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both the operation kind (ErrPack / ErrUnpack) and the cause.
func (e *FieldError) Unwrap() []error {
	switch e.Op {
	case OpPack:
		return []error{ErrPack, e.Err}
	case OpUnpack:
		return []error{ErrUnpack, e.Err}
	default:
		return []error{e.Err}
	}
}

// WrapField prefixes err with the field name, extending the path of an
// existing FieldError instead of nesting a new one.
func WrapField(name string, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		fe.Path = joinPath(name, fe.Path)
		return fe
	}
	return &FieldError{Path: name, Err: err}
}

// WithOp stamps the operation on a FieldError, or wraps a plain error in one
// without a path.
func WithOp(op Op, err error) error {
	if err == nil {
		return nil
	}
	var fe *FieldError
	if errors.As(err, &fe) {
		fe.Op = op
		return fe
	}
	return &FieldError{Op: op, Err: err}
}

func joinPath(parent, child string) string {
	switch {
	case child == "":
		return parent
	case child[0] == '[':
		return parent + child
	default:
		return parent + "." + child
	}
}
