package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		expectID   string
		expectUUID bool
	}{
		{
			name:       "generates new request ID when not present",
			expectUUID: true,
		},
		{
			name:     "propagates existing request ID",
			headers:  map[string]string{HeaderRequestID: "existing-req-123"},
			expectID: "existing-req-123",
		},
		{
			name:     "falls back to correlator header",
			headers:  map[string]string{HeaderCorrelator: "corr-42"},
			expectID: "corr-42",
		},
		{
			name: "request ID wins over correlator",
			headers: map[string]string{
				HeaderRequestID:  "req-1",
				HeaderCorrelator: "corr-1",
			},
			expectID: "req-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "http://example.com/stats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			RequestID(handler).ServeHTTP(w, req)

			if got := w.Header().Get(HeaderRequestID); got != captured {
				t.Errorf("response header %q doesn't match context %q", got, captured)
			}
			if tt.expectUUID {
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("expected valid UUID, got %q: %v", captured, err)
				}
				return
			}
			if captured != tt.expectID {
				t.Errorf("expected request ID %q, got %q", tt.expectID, captured)
			}
		})
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}
