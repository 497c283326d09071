package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for table storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeCodec           ErrorCode = 1001
	ErrCodeKeyOverflow     ErrorCode = 1002
	ErrCodeNotFound        ErrorCode = 1003
	ErrCodeAlreadyExists   ErrorCode = 1004
	ErrCodePartialGroup    ErrorCode = 1005
	ErrCodeCancelled       ErrorCode = 1006

	// Storage errors
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeIO          ErrorCode = 2001
	ErrCodeCorruptFile ErrorCode = 2002
	ErrCodeDiskFull    ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "OK",
	ErrCodeInvalidArgument: "InvalidArgument",
	ErrCodeCodec:           "CodecError",
	ErrCodeKeyOverflow:     "KeyOverflow",
	ErrCodeNotFound:        "NotFound",
	ErrCodeAlreadyExists:   "AlreadyExists",
	ErrCodePartialGroup:    "PartialGroup",
	ErrCodeCancelled:       "Cancelled",
	ErrCodeInternal:        "Internal",
	ErrCodeIO:              "IoError",
	ErrCodeCorruptFile:     "CorruptFile",
	ErrCodeDiskFull:        "DiskFull",
}

// String returns the symbolic name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError carrying the same code.
// It lets callers match on a sentinel such as errors.Is(err, NotFoundErr).
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeCodec, ErrCodeKeyOverflow:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyExists:
		return codes.AlreadyExists
	case ErrCodePartialGroup:
		return codes.FailedPrecondition
	case ErrCodeCancelled:
		return codes.Canceled
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeCorruptFile:
		return codes.DataLoss
	case ErrCodeIO:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is matching by code.
var (
	CodecErr         = &StorageError{Code: ErrCodeCodec}
	KeyOverflowErr   = &StorageError{Code: ErrCodeKeyOverflow}
	NotFoundErr      = &StorageError{Code: ErrCodeNotFound}
	AlreadyExistsErr = &StorageError{Code: ErrCodeAlreadyExists}
	PartialGroupErr  = &StorageError{Code: ErrCodePartialGroup}
	CancelledErr     = &StorageError{Code: ErrCodeCancelled}
	CorruptFileErr   = &StorageError{Code: ErrCodeCorruptFile}
	IOErr            = &StorageError{Code: ErrCodeIO}
	InvalidArgErr    = &StorageError{Code: ErrCodeInvalidArgument}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func Codec(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCodec, message, cause)
}

func UnsupportedType(kind interface{}) *StorageError {
	return NewStorageError(ErrCodeCodec, fmt.Sprintf("unsupported value type %v", kind), nil).
		WithDetail("type", kind)
}

func UnknownTag(tag byte) *StorageError {
	return NewStorageError(ErrCodeCodec, fmt.Sprintf("unknown value tag 0x%02x", tag), nil).
		WithDetail("tag", tag)
}

func KeyOverflow(message string) *StorageError {
	return NewStorageError(ErrCodeKeyOverflow, message, nil)
}

func NotFound(path string, cause error) *StorageError {
	return NewStorageError(ErrCodeNotFound, fmt.Sprintf("not found: %s", path), cause).
		WithDetail("path", path)
}

func CorruptFile(path, reason string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptFile, fmt.Sprintf("corrupt file %s: %s", path, reason), cause).
		WithDetail("path", path).
		WithDetail("reason", reason)
}

func AlreadyExists(path string) *StorageError {
	return NewStorageError(ErrCodeAlreadyExists, fmt.Sprintf("already exists: %s", path), nil).
		WithDetail("path", path)
}

func PartialGroup(name string, missing []string) *StorageError {
	return NewStorageError(ErrCodePartialGroup,
		fmt.Sprintf("group %s is missing %d partition file(s)", name, len(missing)), nil).
		WithDetail("name", name).
		WithDetail("missing", missing)
}

func IO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeIO, message, cause)
}

func Cancelled(message string) *StorageError {
	return NewStorageError(ErrCodeCancelled, message, nil)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any StorageError in the chain carries code
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &StorageError{Code: code})
}
