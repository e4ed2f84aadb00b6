package log

// Canonical field name constants for structured logging.
const (
	// Identity / correlation fields
	FieldCorrelationID   = "correlation_id"
	FieldRequestID       = "request_id"
	FieldClientRequestID = "client_request_id"
	FieldJobID           = "job_id"
	FieldSite            = "site"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Locker domain fields
	FieldKioskID    = "kiosk_id"
	FieldLockerID   = "locker_id"
	FieldOwnerKey   = "owner_key"
	FieldOwnerType  = "owner_type"
	FieldCommandID  = "command_id"
	FieldEventType  = "event_type"
	FieldCardID     = "card_id"
	FieldDeviceID   = "device_id"
	FieldSessionID  = "session_id"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
