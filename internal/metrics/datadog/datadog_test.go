package datadog

import "testing"

/*
TestNewBackend covers constructor validation and option plumbing: an empty
Addr is rejected, and namespace plus global tags build a working client
without touching unexported statsd fields.
*/
func TestNewBackend(t *testing.T) {
	if _, err := NewBackend(Config{}); err == nil {
		t.Fatalf("empty Addr accepted")
	}

	b, err := NewBackend(Config{
		Addr:       "127.0.0.1:8125",
		Namespace:  "refinery",
		GlobalTags: []string{"env:test"},
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.client == nil {
		t.Fatalf("backend has no client")
	}
}
