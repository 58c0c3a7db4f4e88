// Package storage persists broadcast subscribers.
//
// Every driver implements Store with the same semantics: a subscriber is
// created active on first registration, re-registration reactivates it, and
// only a failed delivery deactivates it.
package storage
