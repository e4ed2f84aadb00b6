// Package telemetry provides OpenTelemetry tracing utilities for the
// locker control plane.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Kiosk / locker attributes
	KioskIDKey   = "kiosk.id"
	LockerIDKey  = "locker.id"
	OwnerTypeKey = "locker.owner_type"

	// Command queue attributes
	CommandIDKey   = "command.id"
	CommandTypeKey = "command.type"
	RetryCountKey  = "command.retry_count"

	// Hardware executor attributes
	PulseAttemptKey  = "hardware.attempt"
	PulseDurationKey = "hardware.pulse_duration_ms"
	BurstModeKey     = "hardware.burst_mode"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// KioskAttributes creates span attributes identifying a kiosk/locker pair.
func KioskAttributes(kioskID string, lockerID int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KioskIDKey, kioskID),
		attribute.Int(LockerIDKey, lockerID),
	}
}

// CommandAttributes creates span attributes for a queued command.
func CommandAttributes(commandID, commandType string, retryCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(CommandIDKey, commandID),
		attribute.String(CommandTypeKey, commandType),
		attribute.Int(RetryCountKey, retryCount),
	}
}

// PulseAttributes creates span attributes for a Modbus pulse attempt.
func PulseAttributes(attempt, pulseDurationMS int, burstMode bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(PulseAttemptKey, attempt),
		attribute.Int(PulseDurationKey, pulseDurationMS),
		attribute.Bool(BurstModeKey, burstMode),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
