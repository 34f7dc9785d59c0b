package transfer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeAuthorizationHeader(t *testing.T) {
	out := sanitize("Proxy-Authorization: NTLM TlRMTVNTUAAB")
	require.Equal(t, "Proxy-Authorization: NTLM redacted len(13)", out)
	require.NotContains(t, out, "TlRMTVNTUAAB")
}

func TestSanitizeAuthenticateHeader(t *testing.T) {
	out := sanitize("Proxy-Authenticate: Negotiate oYG2MIGz")
	require.NotContains(t, out, "oYG2MIGz")
	require.True(t, strings.HasPrefix(out, "Proxy-Authenticate: Negotiate"))
}

func TestSanitizeProxyAuthUsing(t *testing.T) {
	out := sanitize("Proxy auth using NTLM with user 'corp\\alice'")
	require.NotContains(t, out, "alice")
	require.True(t, strings.HasPrefix(out, "Proxy auth using NTLM"))
}

func TestSanitizePassthrough(t *testing.T) {
	msg := "Connected to proxy.example.com port 3128"
	require.Equal(t, msg, sanitize(msg))
}
