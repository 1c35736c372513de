// Package database holds timeouts shared by the database backed components.
package database

import (
	"context"
	"time"
)

const (
	// DefaultPingTimeout bounds connectivity checks.
	DefaultPingTimeout = 2 * time.Second

	// DefaultBulkTimeout bounds one bulk write, such as a batch COPY.
	DefaultBulkTimeout = 30 * time.Second
)

// PingContext derives a context bounded by DefaultPingTimeout.
func PingContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultPingTimeout)
}

// BulkContext derives a context bounded by DefaultBulkTimeout. A parent with an
// earlier deadline keeps it.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}
