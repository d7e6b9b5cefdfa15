// Package ratelimit implements a per-client token-bucket rate limiter and a
// CIDR access-control list, both keyed by client IP.
//
// The ACL is an ordered allow/deny rule chain evaluated first-match-wins.
// The rate limiter is a genuine token bucket built on golang.org/x/time/rate
// (see DESIGN.md's Open Question on rate-limit semantics).
package ratelimit

import "net"

// Verdict is the ACL decision for a client address.
type Verdict int

const (
	Allow Verdict = iota
	Deny
)

// Rule is a single CIDR allow/deny entry.
type Rule struct {
	Net    *net.IPNet
	Action Verdict
}

// ACL is an ordered list of CIDR rules evaluated first-match-wins.
type ACL struct {
	rules []Rule
}

// NewACL builds an ACL from allowed and blocked CIDR strings, in the order
// blocked rules then allowed rules would normally be supplied by an
// operator (deny-first so explicit blocks win over a broad allow-all).
// Callers that need a specific precedence should use NewACLFromRules
// instead.
func NewACL(allowed, blocked []string) (*ACL, error) {
	var rules []Rule
	for _, cidr := range blocked {
		ipnet, err := parseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Net: ipnet, Action: Deny})
	}
	for _, cidr := range allowed {
		ipnet, err := parseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Net: ipnet, Action: Allow})
	}
	return &ACL{rules: rules}, nil
}

// NewACLFromRules builds an ACL preserving the exact rule order given,
// which is what determines precedence: the first matching rule wins.
func NewACLFromRules(rules []Rule) *ACL {
	return &ACL{rules: append([]Rule(nil), rules...)}
}

func parseCIDR(s string) (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	return ipnet, err
}

// Allowed evaluates the ACL for ip: the first matching rule decides; if
// nothing matches, the default is Deny when at least one Deny rule is
// configured (an operator who wrote any deny rule intended a closed
// default), otherwise Allow.
func (a *ACL) Allowed(ip net.IP) bool {
	hasDeny := false
	for _, r := range a.rules {
		if r.Action == Deny {
			hasDeny = true
		}
		if r.Net.Contains(ip) {
			return r.Action == Allow
		}
	}
	return !hasDeny
}
