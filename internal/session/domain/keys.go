package domain

// Key namespaces. Metadata and state are disjoint so roster transactions
// never contend with state publishes.
const (
	metadataPrefix = "session-metadata/"
	statePrefix    = "session/"
	logPrefix      = "session-log/"
)

// MetadataKey returns the store key holding a session's metadata.
func MetadataKey(sessionID string) string {
	return metadataPrefix + sessionID
}

// StateKey returns the store key holding a session's application state.
func StateKey(sessionID string) string {
	return statePrefix + sessionID
}

// LogKey returns the parent store key for a session's append-only log.
func LogKey(sessionID string) string {
	return logPrefix + sessionID
}
