package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MaxURLLength is the longest bookmark URL accepted.
const MaxURLLength = 2048

// ErrHostNotPermitted is returned by HostPolicy.Check for blocked hosts.
var ErrHostNotPermitted = errors.New("host not permitted")

// NormalizeBookmarkURL trims a user supplied URL and lowercases its scheme
// and host. Unparseable input is kept verbatim so the fetch stage can record
// it as an invalid URL instead of the bookmark being rejected.
func NormalizeBookmarkURL(input string) (string, error) {
	input = strings.TrimSpace(input)

	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if len(input) > MaxURLLength {
		return "", fmt.Errorf("URL too long (max %d characters)", MaxURLLength)
	}
	for _, r := range input {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("URL contains control characters")
		}
	}

	parsed, err := url.Parse(input)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return input, nil
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), nil
}

// HostPolicy decides whether the fetcher may contact a host.
type HostPolicy struct {
	// AllowLocalhost determines if localhost URLs are permitted
	AllowLocalhost bool
	// AllowPrivateIPs determines if private IP addresses are permitted
	AllowPrivateIPs bool
}

// NewStrictHostPolicy blocks loopback and private address literals.
func NewStrictHostPolicy() HostPolicy {
	return HostPolicy{}
}

// NewPermissiveHostPolicy allows every host, for local development and tests.
func NewPermissiveHostPolicy() HostPolicy {
	return HostPolicy{AllowLocalhost: true, AllowPrivateIPs: true}
}

// Check validates host, which may carry a port.
func (p HostPolicy) Check(host string) error {
	hostname := host
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			hostname = h
		}
	}
	hostname = strings.Trim(hostname, "[]")

	if !p.AllowLocalhost && isLocalhost(hostname) {
		return fmt.Errorf("%w: localhost", ErrHostNotPermitted)
	}

	if !p.AllowPrivateIPs {
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("%w: private address %s", ErrHostNotPermitted, hostname)
		}
	}

	return nil
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasSuffix(hostname, ".localhost")
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
