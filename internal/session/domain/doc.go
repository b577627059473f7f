// Package domain holds the session types and invariants shared by the
// registry, the state channel, and the turn arbiter.
package domain
