package targetcheck

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertRejected(t *testing.T, err error, reason string) {
	t.Helper()
	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, reason, policyErr.Reason)
}

func TestValidateRejectsLoopback(t *testing.T) {
	c := NewChecker("")
	err := c.Validate(context.Background(), "http://127.0.0.1")
	assertRejected(t, err, "Access to local addresses is not allowed")
}

func TestValidateRejectsPrivateRanges(t *testing.T) {
	c := NewChecker("")
	for _, raw := range []string{
		"http://10.0.0.5/admin",
		"http://172.16.1.1",
		"http://172.31.255.254",
		"http://192.168.1.1:8080",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://[fe80::1]/",
	} {
		err := c.Validate(context.Background(), raw)
		assertRejected(t, err, "Access to local addresses is not allowed")
	}
}

func TestValidateRejectsLocalhostNames(t *testing.T) {
	c := NewChecker("")
	for _, raw := range []string{
		"http://localhost",
		"http://localhost:3000/app",
		"https://dev.localhost",
	} {
		err := c.Validate(context.Background(), raw)
		assertRejected(t, err, "Access to local addresses is not allowed")
	}
}

func TestValidateRejectsBadSchemes(t *testing.T) {
	c := NewChecker("")
	for _, raw := range []string{
		"ftp://example.com",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"gopher://example.com",
	} {
		err := c.Validate(context.Background(), raw)
		assertRejected(t, err, "Invalid or disallowed target URL")
	}
}

func TestValidateRejectsMalformedURLs(t *testing.T) {
	c := NewChecker("")
	for _, raw := range []string{
		"",
		"not a url",
		"http://",
		"://missing-scheme",
	} {
		err := c.Validate(context.Background(), raw)
		assertRejected(t, err, "Invalid or disallowed target URL")
	}
}

func TestValidateAcceptsPublicIP(t *testing.T) {
	c := NewChecker("")
	assert.NoError(t, c.Validate(context.Background(), "https://93.184.216.34/"))
	assert.NoError(t, c.Validate(context.Background(), "http://8.8.8.8"))
}

func TestValidateAllowListBypassesPrivateChecks(t *testing.T) {
	c := NewChecker("localhost, 192.168.1.50")

	assert.NoError(t, c.Validate(context.Background(), "http://localhost:3000"))
	assert.NoError(t, c.Validate(context.Background(), "http://192.168.1.50/health"))

	// the allow list never overrides the scheme policy
	err := c.Validate(context.Background(), "ftp://localhost")
	assertRejected(t, err, "Invalid or disallowed target URL")

	// other private hosts stay blocked
	err = c.Validate(context.Background(), "http://192.168.1.51")
	assertRejected(t, err, "Access to local addresses is not allowed")
}

func TestValidateResolutionFailure(t *testing.T) {
	c := NewChecker("")
	c.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("dns unreachable")
		},
	}

	err := c.Validate(context.Background(), "https://surface.invalid/")
	assertRejected(t, err, "Failed to resolve target host")
}
