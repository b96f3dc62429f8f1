package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Session module errors
// 12000-12999: Sandbox pool errors
// 13000-13999: Execution & Security errors
// 14000-14999: State store errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Session Module Errors (11000-11999) ==========

	// Lifecycle (11000-11099)
	SessionNotFound   ErrorCode = 11000
	SessionClosed     ErrorCode = 11001
	SessionBusy       ErrorCode = 11002
	InvalidTransition ErrorCode = 11003
	SessionEvicted    ErrorCode = 11004

	// Provisioning (11100-11199)
	ProvisioningFailed ErrorCode = 11100

	// ========== Sandbox Pool Errors (12000-12999) ==========

	// Capacity & leasing (12000-12099)
	PoolExhausted   ErrorCode = 12000
	InstanceDead    ErrorCode = 12001
	LeaseConflict   ErrorCode = 12002
	InstanceMissing ErrorCode = 12003

	// Runtimes (12100-12199)
	RuntimeNotSupported ErrorCode = 12100
	RuntimePrepareError ErrorCode = 12101

	// ========== Execution & Security Errors (13000-13999) ==========

	// Security (13000-13099)
	SecurityRejected ErrorCode = 13000
	PolicyViolation  ErrorCode = 13001

	// Execution outcomes (13100-13199)
	ExecutionTimeout ErrorCode = 13100
	ResourceExceeded ErrorCode = 13101
	RuntimeFault     ErrorCode = 13102
	SandboxError     ErrorCode = 13103

	// Reward evaluation (13200-13299)
	TestEvalFailed ErrorCode = 13200

	// ========== State Store Errors (14000-14999) ==========

	StateStoreError ErrorCode = 14000
	FileNotFound    ErrorCode = 14001
	FileTooLarge    ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Session
	SessionNotFound:   "Session not found",
	SessionClosed:     "Session is closed",
	SessionBusy:       "Session has an execution in flight",
	InvalidTransition: "Invalid session state transition",
	SessionEvicted:    "Session was evicted after idle timeout",

	ProvisioningFailed: "Sandbox provisioning failed",

	// Pool
	PoolExhausted:   "Sandbox pool is at capacity, please retry later",
	InstanceDead:    "Sandbox instance has been destroyed",
	LeaseConflict:   "Sandbox instance is leased to another session",
	InstanceMissing: "Sandbox instance not found",

	RuntimeNotSupported: "Language runtime not supported",
	RuntimePrepareError: "Language runtime preparation failed",

	// Security
	SecurityRejected: "Submitted code was rejected by security policy",
	PolicyViolation:  "Runtime security policy violation",

	// Execution
	ExecutionTimeout: "Execution exceeded its deadline",
	ResourceExceeded: "Execution exceeded its resource ceiling",
	RuntimeFault:     "Executed code raised a runtime error",
	SandboxError:     "Sandbox execution failed",

	TestEvalFailed: "Test condition evaluation failed",

	// State store
	StateStoreError: "State store operation failed",
	FileNotFound:    "File not found",
	FileTooLarge:    "File is too large",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == InvalidParams, c >= 10300 && c < 10400:
		return 400
	case c == SecurityRejected, c == PolicyViolation:
		return 403
	case c == NotFound, c == SessionNotFound, c == FileNotFound, c == InstanceMissing:
		return 404
	case c == SessionBusy, c == LeaseConflict:
		return 409
	case c == Timeout, c == ExecutionTimeout:
		return 408
	case c == TooManyRequests, c == PoolExhausted:
		return 429
	case c == ServiceUnavailable:
		return 503
	default:
		return 500
	}
}

// Retryable reports whether the caller may retry the failed request with
// backoff. Security rejections are never retryable.
func (c ErrorCode) Retryable() bool {
	switch c {
	case PoolExhausted, SessionBusy, TooManyRequests, ServiceUnavailable, StateStoreError:
		return true
	default:
		return false
	}
}
