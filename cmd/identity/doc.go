// Package identity is Relay's user directory boundary.
//
// The realtime core only needs an opaque stable user id plus display info, and it records
// presence (is_online, last_seen) back into the directory. Account management lives elsewhere.
package identity
