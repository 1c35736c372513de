// Package messaging defines standard subject names for the forwarder message bus.
package messaging

import "strings"

// Subject constants for the forwarder message bus.
// Follow the pattern: {domain}.{action}.{resource}
const (
	// SubjectNotifications receives raw NGSI notifications; the service is
	// appended as the last token.
	SubjectNotifications = "ngsi.notify.context"

	// SubjectPersisted receives persisted records; the destination name is
	// appended as the last token.
	SubjectPersisted = "ngsi.persist.records"
)

// NotificationSubject returns the subject notifications for service are published on.
// Example: ngsi.notify.context.smartcity
func NotificationSubject(service string) string {
	if service == "" {
		return SubjectNotifications + ".default"
	}
	return SubjectNotifications + "." + subjectToken(service)
}

// PersistedSubject returns the subject records for a destination are published on.
// Example: ngsi.persist.records.smartcity_parks
func PersistedSubject(destination string) string {
	return SubjectPersisted + "." + subjectToken(destination)
}

// subjectToken strips characters NATS reserves in subject tokens.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
