package main

import "testing"

func TestHealthURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"default", "", "http://localhost:8080/healthz"},
		{"port only", ":9090", "http://localhost:9090/healthz"},
		{"host and port", "127.0.0.1:9000", "http://127.0.0.1:9000/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := healthURL(); got != tt.want {
				t.Errorf("healthURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
