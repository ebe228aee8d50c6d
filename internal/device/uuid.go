package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// sigBaseSuffix is the Bluetooth SIG base UUID after the 16-bit slot, in normalized form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the go-ble string form (lowercase, no dashes).
// A 0x prefix is stripped, and full 128-bit UUIDs in the SIG base range
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit form.
// Returns "" when the input is not a valid UUID.
func NormalizeUUID(uuid string) string {
	s := strings.TrimSpace(uuid)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	u, err := ble.Parse(s)
	if err != nil {
		return ""
	}
	out := strings.ToLower(u.String())
	if len(out) == 32 && strings.HasPrefix(out, "0000") && strings.HasSuffix(out, sigBaseSuffix) {
		return out[4:8]
	}
	return out
}

// NormalizeUUIDs normalizes a slice of UUID strings, dropping invalid entries.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// UUIDEqual reports whether two UUID strings name the same UUID.
func UUIDEqual(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ShortenUUID returns the first eight characters of long UUIDs, for display.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID checks that every UUID is non-empty and well-formed and returns them normalized.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
