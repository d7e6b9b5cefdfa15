package ratelimit

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestACLFirstMatchWins(t *testing.T) {
	blockNet, allowAll := mustCIDR(t, "10.0.0.0/8"), mustCIDR(t, "0.0.0.0/0")
	acl := NewACLFromRules([]Rule{
		{Net: blockNet, Action: Deny},
		{Net: allowAll, Action: Allow},
	})

	require.False(t, acl.Allowed(net.ParseIP("10.1.2.3")))
	require.True(t, acl.Allowed(net.ParseIP("8.8.8.8")))
}

func TestACLDefaultDenyWhenDenyRuleExists(t *testing.T) {
	acl := NewACLFromRules([]Rule{
		{Net: mustCIDR(t, "10.0.0.0/8"), Action: Deny},
	})
	require.False(t, acl.Allowed(net.ParseIP("8.8.8.8")), "no rule matched, but a deny rule exists")
}

func TestACLDefaultAllowWhenNoDenyRule(t *testing.T) {
	acl := NewACLFromRules([]Rule{
		{Net: mustCIDR(t, "10.0.0.0/8"), Action: Allow},
	})
	require.True(t, acl.Allowed(net.ParseIP("8.8.8.8")))
}

func TestACLEmptyAllowsEverything(t *testing.T) {
	acl := NewACLFromRules(nil)
	require.True(t, acl.Allowed(net.ParseIP("1.2.3.4")))
}

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	n, err := parseCIDR(s)
	require.NoError(t, err)
	return n
}
