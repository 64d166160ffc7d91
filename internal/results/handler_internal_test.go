package results

import (
	"errors"
	"net/http"
	"testing"
)

func TestMapGetStoreError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantMsg    string
		wantStatus int
	}{
		{
			name:       "retryable error maps to 503",
			err:        classify("query result", errors.New("database is locked (5) (SQLITE_BUSY)")),
			wantMsg:    "store temporarily unavailable",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "internal error maps to 500",
			err:        errors.New("db closed"),
			wantMsg:    "internal error",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMsg, gotStatus := mapGetStoreError(tt.err)
			if gotMsg != tt.wantMsg {
				t.Fatalf("message = %q, want %q", gotMsg, tt.wantMsg)
			}
			if gotStatus != tt.wantStatus {
				t.Fatalf("status = %d, want %d", gotStatus, tt.wantStatus)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 20, false},
		{"5", 5, false},
		{"500", 100, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLimit(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseLimit(%q) = %d, %v", tt.raw, got, err)
		}
	}
}
