package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for coordinator operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller input errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodePathNotFound    ErrorCode = 1001
	ErrCodeNotADirectory   ErrorCode = 1002
	ErrCodeIsADirectory    ErrorCode = 1003
	ErrCodeFileExists      ErrorCode = 1004
	ErrCodeDirNotEmpty     ErrorCode = 1005
	ErrCodeBlockNotFound   ErrorCode = 1006
	ErrCodeUnknownNode     ErrorCode = 1007

	// Quota errors
	ErrCodeNSQuotaExceeded ErrorCode = 1100
	ErrCodeDSQuotaExceeded ErrorCode = 1101

	// Lease and recovery errors
	ErrCodeLeaseConflict        ErrorCode = 1200
	ErrCodeLeaseExpired         ErrorCode = 1201
	ErrCodeRecoveryInProgress   ErrorCode = 1202
	ErrCodeStaleGenerationStamp ErrorCode = 1203
	ErrCodeNotReplicatedYet     ErrorCode = 1204

	// Coordinator-side errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeSafeMode          ErrorCode = 2001
	ErrCodeInsufficientNodes ErrorCode = 2002
	ErrCodeCallInProgress    ErrorCode = 2003
)

// String returns a short name for the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodePathNotFound:
		return "PATH_NOT_FOUND"
	case ErrCodeNotADirectory:
		return "NOT_A_DIRECTORY"
	case ErrCodeIsADirectory:
		return "IS_A_DIRECTORY"
	case ErrCodeFileExists:
		return "FILE_EXISTS"
	case ErrCodeDirNotEmpty:
		return "DIR_NOT_EMPTY"
	case ErrCodeBlockNotFound:
		return "BLOCK_NOT_FOUND"
	case ErrCodeUnknownNode:
		return "UNKNOWN_NODE"
	case ErrCodeNSQuotaExceeded:
		return "NS_QUOTA_EXCEEDED"
	case ErrCodeDSQuotaExceeded:
		return "DS_QUOTA_EXCEEDED"
	case ErrCodeLeaseConflict:
		return "LEASE_CONFLICT"
	case ErrCodeLeaseExpired:
		return "LEASE_EXPIRED"
	case ErrCodeRecoveryInProgress:
		return "RECOVERY_IN_PROGRESS"
	case ErrCodeStaleGenerationStamp:
		return "STALE_GENERATION_STAMP"
	case ErrCodeNotReplicatedYet:
		return "NOT_REPLICATED_YET"
	case ErrCodeSafeMode:
		return "SAFE_MODE"
	case ErrCodeInsufficientNodes:
		return "INSUFFICIENT_NODES"
	case ErrCodeCallInProgress:
		return "CALL_IN_PROGRESS"
	default:
		return "INTERNAL"
	}
}

// CoordinatorError represents a structured error with code and context
type CoordinatorError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CoordinatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoordinatorError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts CoordinatorError to gRPC status
func (e *CoordinatorError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), fmt.Sprintf("%s: %s", e.Code, e.Error()))
}

// toGRPCCode maps internal error codes to gRPC codes.
// Quota violations share ResourceExhausted with other write-path failures.
func (e *CoordinatorError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeNotADirectory, ErrCodeIsADirectory:
		return codes.InvalidArgument
	case ErrCodePathNotFound, ErrCodeBlockNotFound, ErrCodeUnknownNode:
		return codes.NotFound
	case ErrCodeFileExists:
		return codes.AlreadyExists
	case ErrCodeDirNotEmpty, ErrCodeLeaseExpired, ErrCodeStaleGenerationStamp:
		return codes.FailedPrecondition
	case ErrCodeNSQuotaExceeded, ErrCodeDSQuotaExceeded:
		return codes.ResourceExhausted
	case ErrCodeLeaseConflict:
		return codes.Aborted
	case ErrCodeRecoveryInProgress, ErrCodeNotReplicatedYet, ErrCodeSafeMode, ErrCodeInsufficientNodes,
		ErrCodeCallInProgress:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewCoordinatorError creates a new CoordinatorError
func NewCoordinatorError(code ErrorCode, message string, cause error) *CoordinatorError {
	return &CoordinatorError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *CoordinatorError) WithDetail(key string, value interface{}) *CoordinatorError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrCodeInvalidArgument, message, cause)
}

func PathNotFound(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodePathNotFound, fmt.Sprintf("path not found: %s", path), nil).
		WithDetail("path", path)
}

func NotADirectory(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeNotADirectory, fmt.Sprintf("not a directory: %s", path), nil).
		WithDetail("path", path)
}

func IsADirectory(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeIsADirectory, fmt.Sprintf("is a directory: %s", path), nil).
		WithDetail("path", path)
}

func FileExists(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeFileExists, fmt.Sprintf("file already exists: %s", path), nil).
		WithDetail("path", path)
}

func DirNotEmpty(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeDirNotEmpty, fmt.Sprintf("directory is not empty: %s", path), nil).
		WithDetail("path", path)
}

func BlockNotFound(blockID int64) *CoordinatorError {
	return NewCoordinatorError(ErrCodeBlockNotFound, fmt.Sprintf("block not found: blk_%d", blockID), nil).
		WithDetail("block_id", blockID)
}

func UnknownNode(nodeID string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeUnknownNode, fmt.Sprintf("storage node not registered: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func NSQuotaExceeded(path string, quota, count int64) *CoordinatorError {
	return NewCoordinatorError(ErrCodeNSQuotaExceeded,
		fmt.Sprintf("namespace quota of %s is exceeded: quota=%d file count=%d", path, quota, count), nil).
		WithDetail("path", path).
		WithDetail("quota", quota).
		WithDetail("count", count)
}

func DSQuotaExceeded(path string, quota, consumed int64) *CoordinatorError {
	return NewCoordinatorError(ErrCodeDSQuotaExceeded,
		fmt.Sprintf("disk space quota of %s is exceeded: quota=%d diskspace consumed=%d", path, quota, consumed), nil).
		WithDetail("path", path).
		WithDetail("quota", quota).
		WithDetail("consumed", consumed)
}

func LeaseConflict(path, holder, client string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeLeaseConflict,
		fmt.Sprintf("failed to acquire lease on %s for %s: held by %s", path, client, holder), nil).
		WithDetail("path", path).
		WithDetail("holder", holder).
		WithDetail("client", client)
}

func LeaseExpired(path, client, reason string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeLeaseExpired,
		fmt.Sprintf("no lease on %s for %s: %s", path, client, reason), nil).
		WithDetail("path", path).
		WithDetail("client", client)
}

func RecoveryInProgress(path string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeRecoveryInProgress,
		fmt.Sprintf("lease recovery is in progress for %s, try again later", path), nil).
		WithDetail("path", path)
}

func StaleGenerationStamp(blockID, expected, actual int64) *CoordinatorError {
	return NewCoordinatorError(ErrCodeStaleGenerationStamp,
		fmt.Sprintf("stale generation stamp for blk_%d: expected %d, got %d", blockID, expected, actual), nil).
		WithDetail("block_id", blockID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NotReplicatedYet(blockID int64) *CoordinatorError {
	return NewCoordinatorError(ErrCodeNotReplicatedYet,
		fmt.Sprintf("blk_%d is not minimally replicated yet", blockID), nil).
		WithDetail("block_id", blockID)
}

func SafeMode(operation string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeSafeMode,
		fmt.Sprintf("cannot %s: coordinator is in safe mode", operation), nil).
		WithDetail("operation", operation)
}

func InsufficientNodes(blockID int64, wanted, found int) *CoordinatorError {
	return NewCoordinatorError(ErrCodeInsufficientNodes,
		fmt.Sprintf("blk_%d could only be placed on %d of %d storage nodes", blockID, found, wanted), nil).
		WithDetail("block_id", blockID).
		WithDetail("wanted", wanted).
		WithDetail("found", found)
}

func CallInProgress(method, callID string) *CoordinatorError {
	return NewCoordinatorError(ErrCodeCallInProgress,
		fmt.Sprintf("%s call %s is still running, try again later", method, callID), nil).
		WithDetail("method", method).
		WithDetail("call_id", callID)
}

func InternalError(message string, cause error) *CoordinatorError {
	return NewCoordinatorError(ErrCodeInternal, message, cause)
}

// IsCoordinatorError checks if an error is a CoordinatorError
func IsCoordinatorError(err error) bool {
	var ce *CoordinatorError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CoordinatorError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsQuotaExceeded reports whether err is a namespace or space quota violation
func IsQuotaExceeded(err error) bool {
	code := GetCode(err)
	return err != nil && (code == ErrCodeNSQuotaExceeded || code == ErrCodeDSQuotaExceeded)
}

// ToGRPCError converts any error into a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var ce *CoordinatorError
	if stderrors.As(err, &ce) {
		return ce.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPCError rebuilds a CoordinatorError from a status produced by
// ToGRPCError. Statuses without a recognised code prefix become Internal
// errors carrying the status message.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	if name, rest, found := strings.Cut(msg, ": "); found {
		if code, known := codesByName[name]; known {
			return &CoordinatorError{Code: code, Message: rest}
		}
	}
	return &CoordinatorError{Code: ErrCodeInternal, Message: msg, Cause: err}
}

var codesByName = func() map[string]ErrorCode {
	m := make(map[string]ErrorCode)
	for _, c := range []ErrorCode{
		ErrCodeInvalidArgument, ErrCodePathNotFound, ErrCodeNotADirectory, ErrCodeIsADirectory,
		ErrCodeFileExists, ErrCodeDirNotEmpty, ErrCodeBlockNotFound, ErrCodeUnknownNode,
		ErrCodeNSQuotaExceeded, ErrCodeDSQuotaExceeded, ErrCodeLeaseConflict, ErrCodeLeaseExpired,
		ErrCodeRecoveryInProgress, ErrCodeStaleGenerationStamp, ErrCodeNotReplicatedYet,
		ErrCodeInternal, ErrCodeSafeMode, ErrCodeInsufficientNodes, ErrCodeCallInProgress,
	} {
		m[c.String()] = c
	}
	return m
}()
