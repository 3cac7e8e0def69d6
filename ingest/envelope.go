// Package ingest is the telemetry ingestion pipeline: inbound wire
// messages are deduplicated, routed through the topic registry and run
// through the validate, mutate, derive, persist and publish stages.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// InternalPrefixes are wire topic prefixes reserved for broker and
// bridge internals. Messages on them never enter the pipeline.
var InternalPrefixes = []string{"$MQTT/", "$JS/", "_REQS/", "$KV/", "$SYS/"}

// IsInternalSubject reports whether a wire topic belongs to broker or
// bridge internals.
func IsInternalSubject(subject string) bool {
	for _, prefix := range InternalPrefixes {
		if strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

// Envelope is one inbound wire message as handed to the pipeline.
// Subject is the wire topic the device published on.
type Envelope struct {
	Subject    string
	Protocol   string
	MessageID  string
	Payload    map[string]interface{}
	ReceivedAt time.Time
}

// DedupKey derives the deduplication key of the envelope: the subject
// combined with the broker message id when the transport provides one,
// otherwise with the canonical payload encoding. Redeliveries of the
// same message hash to the same key.
func (e Envelope) DedupKey() string {
	var seed string
	if e.MessageID != "" {
		seed = e.Subject + "|" + e.MessageID
	} else {
		raw, _ := json.Marshal(e.Payload)
		seed = e.Subject + "|" + string(raw)
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
