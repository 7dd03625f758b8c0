package config

import (
	"os"
	"strings"
)

// SealRequiresPackedStatus tightens the container sealing transition:
// when enabled, a container must be in Packed status before it can be sealed;
// when disabled, sealing is allowed from any pre-sealed status (Draft included).
//
// Set via env:
// - SEAL_REQUIRES_PACKED=true
func SealRequiresPackedStatus() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SEAL_REQUIRES_PACKED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictSealedImmutability rejects removals from sealed containers and boxes.
// Packing into a sealed unit is always rejected regardless of this flag; the
// flag only opens removals, as an operational escape hatch for supervised
// repacking. On unless explicitly disabled.
//
// Set via env:
// - STRICT_SEALED_IMMUTABLE=false
func StrictSealedImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_SEALED_IMMUTABLE")))
	return !(v == "0" || v == "false" || v == "no" || v == "n")
}

// DebugPacking enables staged Info logs through the pack/remove/confirm paths.
//
// Set via env:
// - DEBUG_PACKING=true
func DebugPacking() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG_PACKING")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// PublishEngineEventsFor enables outbox event records per event kind. The
// event name is the outbox event type, e.g. "container.sealed".
//
// Set via env:
// - ENGINE_EVENTS="container.sealed,shipment.confirmed,shipment.cancelled"
//
// Event names are case-insensitive. Empty means no events are recorded.
func PublishEngineEventsFor(event string) bool {
	event = strings.ToUpper(strings.TrimSpace(event))
	if event == "" {
		return false
	}
	raw := os.Getenv("ENGINE_EVENTS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToUpper(strings.TrimSpace(part)) == event {
			return true
		}
	}
	return false
}
