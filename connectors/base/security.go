// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// URLValidationOptions configures URL validation behavior
type URLValidationOptions struct {
	// AllowPrivateIPs permits connections to private/internal IP addresses
	AllowPrivateIPs bool
	// AllowedSchemes specifies permitted URL schemes (default: ["https", "http"])
	AllowedSchemes []string
	// AllowedHostSuffixes restricts URLs to specific domain suffixes
	AllowedHostSuffixes []string
	// BlockedHosts explicitly blocks certain hostnames and their subdomains
	BlockedHosts []string
	// Resolver looks up host addresses. Defaults to net.DefaultResolver.
	Resolver interface {
		LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	}
}

// DefaultURLValidationOptions returns secure defaults for URL validation
func DefaultURLValidationOptions() URLValidationOptions {
	return URLValidationOptions{
		AllowedSchemes: []string{"https", "http"},
	}
}

// internalPrefixes are ranges a connector may never reach unless
// AllowPrivateIPs is set.
var internalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// ValidateURL checks scheme, host allow/block lists and, unless private
// addresses are allowed, that every resolved address is public.
func ValidateURL(ctx context.Context, rawURL string, opts URLValidationOptions) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if err := validateScheme(parsedURL.Scheme, opts.AllowedSchemes); err != nil {
		return err
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	if hostname == "" {
		return fmt.Errorf("URL must contain a hostname")
	}

	if isHostBlocked(hostname, opts.BlockedHosts) {
		return fmt.Errorf("hostname %q is blocked", hostname)
	}

	if len(opts.AllowedHostSuffixes) > 0 && !hasAllowedSuffix(hostname, opts.AllowedHostSuffixes) {
		return fmt.Errorf("hostname %q is not in the allowed list", hostname)
	}

	if opts.AllowPrivateIPs {
		return nil
	}

	addrs, err := resolve(ctx, hostname, opts)
	if err != nil {
		return fmt.Errorf("failed to resolve hostname %q: %w", hostname, err)
	}
	for _, addr := range addrs {
		if IsInternalAddr(addr) {
			return fmt.Errorf("connection to private/internal IP %s is not allowed (hostname: %s)", addr, hostname)
		}
	}
	return nil
}

// IsInternalAddr reports whether addr lies in loopback, private, link-local,
// multicast or reserved space.
func IsInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range internalPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func resolve(ctx context.Context, hostname string, opts URLValidationOptions) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return []netip.Addr{addr}, nil
	}
	if opts.Resolver != nil {
		return opts.Resolver.LookupNetIP(ctx, "ip", hostname)
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", hostname)
}

func validateScheme(scheme string, allowedSchemes []string) error {
	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{"https", "http"}
	}

	scheme = strings.ToLower(scheme)
	for _, allowed := range allowedSchemes {
		if scheme == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("URL scheme %q is not allowed; permitted schemes: %v", scheme, allowedSchemes)
}

func isHostBlocked(hostname string, blockedHosts []string) bool {
	for _, blocked := range blockedHosts {
		blocked = strings.ToLower(blocked)
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

func hasAllowedSuffix(hostname string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(hostname, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeLogString escapes line breaks and strips ANSI sequences so
// upstream error bodies cannot forge log entries.
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiRegex.ReplaceAllString(s, "")
	const maxLogLength = 500
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}
