// Package envelope is the sole entry point for stamping new records. No
// other component fabricates envelopes inline.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Clock abstracts wall time so ingest_time is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant; for tests.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// Envelope wraps every payload record.
type Envelope struct {
	EventID       string    // stable hash of source+entity_id+event_time
	EventTime     time.Time // logical time of the observation, UTC
	IngestTime    time.Time // wall clock of materialization; the SCD version key
	Source        string    // low-cardinality tag, e.g. "nse_cm_bhavcopy"
	SchemaVersion string    // "v<N>"
	EntityID      string    // stable identity of the payload subject
}

// Stamp constructs an envelope. event_id is reproducible for identical
// (source, entityID, eventTime) regardless of when materialization runs.
func Stamp(source, schemaVersion, entityID string, eventTime time.Time, clock Clock) Envelope {
	return Envelope{
		EventID:       EventID(source, entityID, eventTime),
		EventTime:     eventTime.UTC(),
		IngestTime:    clock.Now().UTC(),
		Source:        source,
		SchemaVersion: schemaVersion,
		EntityID:      entityID,
	}
}

// EventID computes the stable identity hash. Truncated SHA-256 keeps the id
// compact while staying collision-safe at bulletin scale.
func EventID(source, entityID string, eventTime time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", source, entityID, eventTime.UTC().UnixMilli())))
	return hex.EncodeToString(h[:16])
}

// Columns renders the envelope as cells in canonical column order, ready to
// prepend to a payload row.
func (e Envelope) Columns() []any {
	return []any{e.EventID, e.EventTime, e.IngestTime, e.Source, e.SchemaVersion, e.EntityID}
}
