// Package scan turns camera frames and NFC tags into scanned resource identifiers.
package scan

import (
	"strings"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// DefaultMarker separates the resource identifier from the rest of a QR payload.
const DefaultMarker = "IdQr/"

// ResolveResourceID strips everything up to and including marker from raw.
// Payloads without the marker are returned verbatim.
func ResolveResourceID(raw, marker string) string {
	if marker == "" {
		return raw
	}
	if i := strings.Index(raw, marker); i >= 0 {
		return raw[i+len(marker):]
	}
	return raw
}

// NewScannedResource builds the canonical scan result for raw.
func NewScannedResource(raw string, source model.ScanSource, typ, marker string) model.ScannedResource {
	return model.ScannedResource{
		RawPayload:         raw,
		SourceKind:         source,
		ResolvedResourceID: ResolveResourceID(raw, marker),
		Type:               typ,
		ScannedAt:          time.Now().UTC(),
	}
}

// Sink receives scan results. A new result replaces the previous one.
type Sink interface {
	SetScan(model.ScannedResource)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(model.ScannedResource)

// SetScan calls f.
func (f SinkFunc) SetScan(r model.ScannedResource) { f(r) }
