// Package errors provides structured error handling for the engine.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionFull     Code = "SESSION_FULL"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"

	// Concurrency errors
	CodeConflict Code = "CONFLICT"
	CodeTurnLost Code = "TURN_LOST"

	// Turn arbitration errors
	CodeNoOtherMember Code = "NO_OTHER_MEMBER"

	// Storage errors
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// WireStatus maps a code to the status string used by the store wire protocol.
func (c Code) WireStatus() string {
	if c == "" {
		return string(CodeUnknown)
	}
	return string(c)
}

// FromWireStatus maps a wire status string back to a code.
func FromWireStatus(status string) Code {
	switch Code(status) {
	case CodeSessionNotFound,
		CodeSessionFull,
		CodePermissionDenied,
		CodeUnauthenticated,
		CodeConflict,
		CodeTurnLost,
		CodeNoOtherMember,
		CodeStoreUnavailable:
		return Code(status)
	default:
		return CodeUnknown
	}
}
