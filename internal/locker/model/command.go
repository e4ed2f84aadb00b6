package model

import "time"

// CommandType enumerates the operations an operator can queue for a kiosk.
type CommandType string

const (
	CommandOpenLocker    CommandType = "open_locker"
	CommandBulkOpen      CommandType = "bulk_open"
	CommandBlockLocker   CommandType = "block_locker"
	CommandUnblockLocker CommandType = "unblock_locker"
)

// CommandStatus tracks a queued command through its lifecycle.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// DefaultMaxRetries is applied to commands that don't set one explicitly.
const DefaultMaxRetries = 3

// OpenLockerPayload is the wire shape for a CommandOpenLocker command.
type OpenLockerPayload struct {
	LockerID   int    `json:"locker_id"`
	StaffUser  string `json:"staff_user,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BulkOpenPayload is the wire shape for a CommandBulkOpen command.
type BulkOpenPayload struct {
	LockerIDs  []int  `json:"locker_ids"`
	StaffUser  string `json:"staff_user"`
	ExcludeVIP bool   `json:"exclude_vip"`
	IntervalMS int    `json:"interval_ms"`
}

// BlockLockerPayload is the wire shape for block_locker/unblock_locker commands.
type BlockLockerPayload struct {
	LockerID  int    `json:"locker_id"`
	StaffUser string `json:"staff_user,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Command is a queued operation for a kiosk's hardware executor.
type Command struct {
	CommandID     string // UUID v4
	KioskID       string
	CommandType   CommandType
	Payload       []byte // JSON, schema depends on CommandType
	Status        CommandStatus
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	ExecutedAt    time.Time
	CompletedAt   time.Time
	// TraceParent is the W3C traceparent header captured at enqueue time, so
	// the dispatch loop can resume the caller's trace instead of starting an
	// unlinked one.
	TraceParent string
}

// Terminal reports whether the command has left the active lifecycle.
func (c Command) Terminal() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed || c.Status == CommandCancelled
}
