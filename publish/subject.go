// Package publish is the outbound side of the pipeline: processed
// telemetry goes to per-device analytics subjects on NATS, latest
// values go to a JetStream key-value bucket.
package publish

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/osprey-iot/osprey/schema"
)

var subjectTokenPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeToken lowercases a subject token and collapses everything
// outside [a-z0-9_-] to a dash. An empty result becomes "unknown" so
// subjects always keep their arity.
func SanitizeToken(token string) string {
	sanitized := subjectTokenPattern.ReplaceAllString(strings.ToLower(token), "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		return "unknown"
	}
	return sanitized
}

// AnalyticsSubject builds the per-device analytics subject:
// {prefix}.{environment}.{organization}.{deviceUUID}.{topicKey}.
func AnalyticsSubject(prefix, environment string, organizationID int64, device schema.Device, topic schema.Topic) string {
	return strings.Join([]string{
		SanitizeToken(prefix),
		SanitizeToken(environment),
		SanitizeToken(fmt.Sprintf("%d", organizationID)),
		SanitizeToken(device.UUID.String()),
		SanitizeToken(topic.Key),
	}, ".")
}

// InvalidSubject builds the per-organization invalid telemetry
// subject: {prefix}.{environment}.{organization}.{reason}.
func InvalidSubject(prefix, environment string, organizationID int64, reason string) string {
	return strings.Join([]string{
		SanitizeToken(prefix),
		SanitizeToken(environment),
		SanitizeToken(fmt.Sprintf("%d", organizationID)),
		SanitizeToken(reason),
	}, ".")
}

// SubjectFromWireTopic converts a wire topic to its NATS subject form.
func SubjectFromWireTopic(wireTopic string) string {
	return strings.ReplaceAll(wireTopic, "/", ".")
}

// WireTopicFromSubject converts a NATS subject back to wire topic
// form.
func WireTopicFromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
