package validation

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestNormalizeBookmarkURL(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		shouldError bool
	}{
		{name: "empty URL", input: "", shouldError: true},
		{name: "whitespace-only URL", input: "   ", shouldError: true},
		{name: "control characters", input: "http://a.com/\x00", shouldError: true},
		{name: "too long", input: "http://a.com/" + strings.Repeat("a", MaxURLLength), shouldError: true},
		{name: "trims whitespace", input: "  https://bmark.us/  ", expected: "https://bmark.us/"},
		{name: "lowercases scheme and host", input: "HTTPS://Bmark.US/Path?Q=1", expected: "https://bmark.us/Path?Q=1"},
		{name: "keeps hash-bang fragment", input: "http://twitter.com/#!/user", expected: "http://twitter.com/#!/user"},
		{name: "keeps unparseable input verbatim", input: "not a url", expected: "not a url"},
		{name: "keeps scheme-less input verbatim", input: "bmark.us/path", expected: "bmark.us/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBookmarkURL(tt.input)
			if tt.shouldError {
				if err == nil {
					t.Errorf("expected error for %q, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("NormalizeBookmarkURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHostPolicyCheck(t *testing.T) {
	strict := NewStrictHostPolicy()
	permissive := NewPermissiveHostPolicy()

	tests := []struct {
		host          string
		strictAllowed bool
	}{
		{"bmark.us", true},
		{"bmark.us:8080", true},
		{"localhost", false},
		{"localhost:6543", false},
		{"api.localhost", false},
		{"127.0.0.1:80", false},
		{"[::1]:80", false},
		{"10.1.2.3", false},
		{"192.168.1.1", false},
		{"169.254.0.5", false},
		{"8.8.8.8", true},
	}

	for _, tt := range tests {
		err := strict.Check(tt.host)
		if tt.strictAllowed && err != nil {
			t.Errorf("strict.Check(%q) unexpected error: %v", tt.host, err)
		}
		if !tt.strictAllowed {
			if err == nil {
				t.Errorf("strict.Check(%q) expected error", tt.host)
			} else if !errors.Is(err, ErrHostNotPermitted) {
				t.Errorf("strict.Check(%q) error %v is not ErrHostNotPermitted", tt.host, err)
			}
		}
		if err := permissive.Check(tt.host); err != nil {
			t.Errorf("permissive.Check(%q) unexpected error: %v", tt.host, err)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"127.0.0.1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
		{"1.1.1.1", false},
	}

	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.expected {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.expected)
		}
	}
}
