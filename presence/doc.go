// Package presence defines the session registry: the fleet-wide map from a
// connection id to the profile that connection declared during onboarding.
//
// The registry is the single source of truth for "who is online". Processes
// may cache what they read but never treat local state as authoritative.
//
// # Implementations
//
//	memory : in-process registry for tests and single-node runs
//	redis  : one JSON value per session with a sliding TTL, shared by every process
//
// Sessions are written only by the process that owns the connection, but any
// process may read any session. Entries carry a TTL (DefaultTTL) so a process
// that dies without cleaning up does not leave ghosts behind forever.
package presence
