package logging

import (
	"errors"
	"testing"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name string
		key  string
		got  string
		want string
	}{
		{"Service", FieldService, Service("forward").Value.String(), "forward"},
		{"Sink", FieldSink, Sink("orion-pg").Value.String(), "orion-pg"},
		{"Method", FieldMethod, Method("GET").Value.String(), "GET"},
		{"Path", FieldPath, Path("/stats").Value.String(), "/stats"},
		{"Error", FieldError, Error(errors.New("boom")).Value.String(), "boom"},
		{"CorrelatorID", FieldCorrelatorID, CorrelatorID("c-1").Value.String(), "c-1"},
		{"CorrelatorIDs", FieldCorrelatorIDs, CorrelatorIDs("c-1,c-2").Value.String(), "c-1,c-2"},
		{"TransactionID", FieldTransactionID, TransactionID("t-1").Value.String(), "t-1"},
		{"Destination", FieldDestination, Destination("svc_/path").Value.String(), "svc_/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s value = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestNumericFieldHelpers(t *testing.T) {
	if attr := Status(200); attr.Key != FieldStatus || attr.Value.Int64() != 200 {
		t.Errorf("Status() = %v", attr)
	}
	if attr := Duration(1234); attr.Key != FieldDuration || attr.Value.Int64() != 1234 {
		t.Errorf("Duration() = %v", attr)
	}
	if attr := Events(3); attr.Key != FieldEvents || attr.Value.Int64() != 3 {
		t.Errorf("Events() = %v", attr)
	}
	if attr := TTL(-1); attr.Key != FieldTTL || attr.Value.Int64() != -1 {
		t.Errorf("TTL() = %v", attr)
	}
}
