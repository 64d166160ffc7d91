package api

import "testing"

func TestRouterAllowedOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"*.example.com"}, "https://foo.example.com", true},
		{[]string{"*.example.com"}, "https://example.com", true},
		{[]string{"*.example.com"}, "https://evilexample.com", false},
		{[]string{"foo.example.com"}, "https://foo.example.com:8443", true},
		{[]string{"https://app.test"}, "https://app.test", true},
		{[]string{"*"}, "https://anything.test", true},
		{nil, "https://anything.test", false},
	}
	for _, tt := range tests {
		router := &Router{allowedOrigins: tt.allowed}
		if got := router.isAllowedOrigin(tt.origin); got != tt.want {
			t.Errorf("isAllowedOrigin(%v, %q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}
