package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

const uaMaxLen = 100

// sanitize rewrites sensitive detail fields before an event reaches the log
// sink: IP addresses are hashed, user-agent strings are truncated.
func sanitize(event Event) Event {
	if event.Details == nil {
		return event
	}
	out := make(map[string]string, len(event.Details))
	for k, v := range event.Details {
		switch k {
		case "ip_address", "remote_addr":
			out[k] = HashIP(v)
		case "user_agent":
			out[k] = TruncateUserAgent(v)
		default:
			out[k] = v
		}
	}
	event.Details = out
	return event
}

// HashIP deterministically hashes an IP address to hash_<16hex>. The
// retention sweep's anonymization pass uses Anonymize (anon_<16hex>) instead.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return "hash_" + hex.EncodeToString(sum[:])[:16]
}

// TruncateUserAgent truncates a user-agent string to 100 characters,
// appending "..." when truncation occurs.
func TruncateUserAgent(ua string) string {
	if len(ua) <= uaMaxLen {
		return ua
	}
	return ua[:uaMaxLen] + "..."
}

// Anonymize rewrites an identity value (device_id, rfid_card, ip_address)
// to a deterministic anon_<hash> value for the retention sweep's
// anonymization pass.
func Anonymize(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "anon_" + hex.EncodeToString(sum[:])[:16]
}
