package model

import "strings"

// OwnerKind identifies who holds a seat lock.  Only users hold locks today.
type OwnerKind string

const OwnerUser OwnerKind = "USER"

// SeatLock is the ephemeral hold stored in the lock store.  It is never
// persisted relationally; absence of the key means the seat is free.
type SeatLock struct {
	ShowtimeID string
	SeatID     string
	OwnerKind  OwnerKind
	OwnerID    string
}

// LockValue renders the owner descriptor stored as the key's value.
func LockValue(ownerID string) string {
	return string(OwnerUser) + "|" + ownerID
}

// ParseLockValue splits a stored value into its owner descriptor.  It
// reports false for anything malformed so callers can fail closed.
func ParseLockValue(v string) (OwnerKind, string, bool) {
	kind, id, ok := strings.Cut(v, "|")
	if !ok || id == "" || OwnerKind(kind) != OwnerUser {
		return "", "", false
	}
	return OwnerKind(kind), id, true
}
