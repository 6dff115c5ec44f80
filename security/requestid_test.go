package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()
	if id1 == id2 {
		t.Error("Expected unique request IDs")
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("Expected request ID to be a UUID, got %q: %v", id1, err)
	}
	if !isValidRequestID(id1) {
		t.Errorf("Generated request ID %q does not pass validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-request-id-123")
	if got := GetRequestID(ctx); got != "test-request-id-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "test-request-id-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		requestID string
		valid     bool
	}{
		{"abc123", true},
		{"req_ID-123_abc", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
		{"", false},
		{"id123\r\nX-Injected: evil", false},
		{"id 123", false},
		{"id=123", false},
		{"<script>alert(1)</script>", false},
		{"id\x00123", false},
	}

	for _, tt := range tests {
		t.Run(tt.requestID, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		existingHeader string
		expectNew      bool
	}{
		{
			name:      "generates new ID when not present",
			expectNew: true,
		},
		{
			name:           "preserves valid existing ID from upstream",
			existingHeader: "upstream-request-id-xyz",
		},
		{
			name:           "replaces ID with spaces",
			existingHeader: "id with spaces",
			expectNew:      true,
		},
		{
			name:           "replaces excessively long ID",
			existingHeader: strings.Repeat("b", 200),
			expectNew:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/token", nil)
			if tt.existingHeader != "" {
				req.Header.Set(RequestIDHeader, tt.existingHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			responseID := rec.Header().Get(RequestIDHeader)
			if responseID != captured {
				t.Errorf("response header %q does not match context ID %q", responseID, captured)
			}

			if tt.expectNew {
				if captured == tt.existingHeader {
					t.Error("Expected new request ID to be generated")
				}
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("Expected generated ID to be a UUID, got %q", captured)
				}
			} else if captured != tt.existingHeader {
				t.Errorf("Expected %s, got %s", tt.existingHeader, captured)
			}
		})
	}
}
