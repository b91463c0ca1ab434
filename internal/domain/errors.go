package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrToolFailure  = fmt.Errorf("tool execution failed")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
	ErrAuditWrite   = fmt.Errorf("audit log write failed")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Node link errors. ErrLinkClosed is the terminal error handed to every
	// invocation still pending when a node's connection drops.
	ErrNodeNotFound   = fmt.Errorf("node not found")
	ErrNodeDuplicate  = fmt.Errorf("node already registered")
	ErrNodeOffline    = fmt.Errorf("node offline")
	ErrNodeAuth       = fmt.Errorf("node: %w", ErrAuthInvalid)
	ErrNodeNotAllowed = fmt.Errorf("node not in allowlist")
	ErrLinkClosed     = fmt.Errorf("connection closed")

	// Bridge errors.
	ErrBridgeUnavailable = fmt.Errorf("device bridge unavailable")
	ErrDeviceNotFound    = fmt.Errorf("device not found")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Get")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "node", "bridge"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Link drops and timeouts are retried by the reconnect machinery; everything else
// (validation, auth, unknown tools) is permanent.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrLinkClosed) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNodeOffline) || errors.Is(err, ErrBridgeUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes grouped by subsystem. Every sentinel error maps to exactly one code.
const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure       ErrorCode = "TOOL_FAILURE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeNodeNotFound      ErrorCode = "NODE_NOT_FOUND"
	CodeNodeDuplicate     ErrorCode = "NODE_DUPLICATE"
	CodeNodeOffline       ErrorCode = "NODE_OFFLINE"
	CodeNodeAuth          ErrorCode = "NODE_AUTH"
	CodeNodeNotAllowed    ErrorCode = "NODE_NOT_ALLOWED"
	CodeLinkClosed        ErrorCode = "LINK_CLOSED"
	CodeBridgeUnavailable ErrorCode = "BRIDGE_UNAVAILABLE"
	CodeDeviceNotFound    ErrorCode = "DEVICE_NOT_FOUND"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	// Active sentinels.
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolFailure,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuditWrite:        CodeAuditWrite,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrNodeNotFound:      CodeNodeNotFound,
	ErrNodeDuplicate:     CodeNodeDuplicate,
	ErrNodeOffline:       CodeNodeOffline,
	ErrNodeAuth:          CodeNodeAuth,
	ErrNodeNotAllowed:    CodeNodeNotAllowed,
	ErrLinkClosed:        CodeLinkClosed,
	ErrBridgeUnavailable: CodeBridgeUnavailable,
	ErrDeviceNotFound:    CodeDeviceNotFound,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"node":   CodeNodeNotFound,
		"tool":   CodeToolNotFound,
		"device": CodeDeviceNotFound,
	},
	ErrDuplicate: {
		"node": CodeNodeDuplicate,
	},
	ErrPermissionDenied: {
		"node": CodeNodeNotAllowed,
	},
	ErrUnavailable: {
		"node":   CodeNodeOffline,
		"bridge": CodeBridgeUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
