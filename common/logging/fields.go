package logging

import "log/slog"

// Common field names for consistent logging across the forwarder.
const (
	FieldService           = "service"
	FieldRequestID         = "request_id"
	FieldSink              = "sink"
	FieldMethod            = "method"
	FieldPath              = "path"
	FieldStatus            = "status"
	FieldDuration          = "duration_ms"
	FieldError             = "error"
	FieldCorrelatorID      = "correlator_id"
	FieldCorrelatorIDs     = "correlator_ids"
	FieldTransactionID     = "transaction_id"
	FieldFiwareService     = "fiware_service"
	FieldFiwareServicePath = "fiware_service_path"
	FieldDestination       = "destination"
	FieldEvents            = "events"
	FieldTTL               = "ttl"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Sink returns a slog attribute for the sink instance name.
func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// CorrelatorID returns a slog attribute for a single event correlator ID.
func CorrelatorID(id string) slog.Attr {
	return slog.String(FieldCorrelatorID, id)
}

// CorrelatorIDs returns a slog attribute for the comma-joined IDs of a window.
func CorrelatorIDs(ids string) slog.Attr {
	return slog.String(FieldCorrelatorIDs, ids)
}

// TransactionID returns a slog attribute for a transaction ID.
func TransactionID(id string) slog.Attr {
	return slog.String(FieldTransactionID, id)
}

// Destination returns a slog attribute for a destination key.
func Destination(key string) slog.Attr {
	return slog.String(FieldDestination, key)
}

// Events returns a slog attribute for an event count.
func Events(n int) slog.Attr {
	return slog.Int(FieldEvents, n)
}

// TTL returns a slog attribute for a remaining retry budget.
func TTL(ttl int) slog.Attr {
	return slog.Int(FieldTTL, ttl)
}
