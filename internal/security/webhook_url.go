package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when a webhook target resolves to an internal address.
var ErrBlockedAddress = errors.New("blocked address")

// URLPolicy controls what ValidateWebhookURL accepts.
type URLPolicy struct {
	// AllowInsecure permits http:// and private or loopback targets. Development only.
	AllowInsecure bool
	// Resolver is used for DNS checks; nil means net.DefaultResolver.
	Resolver *net.Resolver
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateWebhookURL checks that a webhook target is an absolute HTTPS URL that
// does not point at loopback, private, link-local or unspecified addresses.
// Both IP literals and DNS-resolved addresses are checked.
func ValidateWebhookURL(ctx context.Context, rawURL string, policy URLPolicy) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && policy.AllowInsecure:
	default:
		return fmt.Errorf("URL must use https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not contain credentials")
	}
	if policy.AllowInsecure {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolver := policy.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, err := resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("URL host %q resolves to %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local", ErrBlockedAddress)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified", ErrBlockedAddress)
	}
	return nil
}

// SafeHTTPClient returns a client whose dialer re-checks every connected
// address, so a hostname that passed validation cannot later be rebound to an
// internal IP. Redirects are not followed.
func SafeHTTPClient(timeout time.Duration) *http.Client {
	return WebhookHTTPClient(timeout, URLPolicy{})
}

// WebhookHTTPClient returns the delivery client for policy. Only an
// AllowInsecure policy skips the dial-time address check.
func WebhookHTTPClient(timeout time.Duration, policy URLPolicy) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	if !policy.AllowInsecure {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil {
				return checkIP(ip)
			}
			return nil
		}
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
