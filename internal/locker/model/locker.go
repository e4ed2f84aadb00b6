// Package model defines the core domain entities of the locker control
// plane: lockers, queued commands, heartbeats, and RFID selection sessions.
package model

import "time"

// Status is the locker's 5-state lifecycle (§4.1).
type Status string

const (
	StatusFree    Status = "Free"
	StatusOwned   Status = "Owned"
	StatusOpening Status = "Opening"
	StatusBlocked Status = "Blocked"
	StatusError   Status = "Error"
)

// OwnerType identifies who currently holds a locker.
type OwnerType string

const (
	OwnerNone   OwnerType = "none"
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Locker is the central entity, identified by the composite key (KioskID, ID).
type Locker struct {
	KioskID string
	ID      int

	Status      Status
	OwnerType   OwnerType
	OwnerKey    string // empty when OwnerType is OwnerNone
	ReservedAt  time.Time
	OwnedAt     time.Time
	Version     int64
	IsVIP       bool
	DisplayName string
	UpdatedAt   time.Time
}

// HasOwner reports whether the locker currently carries an owner pair.
// Invariant 4 (§3): OwnerType set iff OwnerKey set iff Status in {Owned, Opening}.
func (l Locker) HasOwner() bool {
	return l.OwnerType != OwnerNone && l.OwnerType != "" && l.OwnerKey != ""
}

// AvailableForAssignment reports whether the locker may be handed to a user
// flow: free, not VIP-reserved.
func (l Locker) AvailableForAssignment() bool {
	return l.Status == StatusFree && !l.IsVIP
}
