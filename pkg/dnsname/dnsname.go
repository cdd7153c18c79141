// Package dnsname canonicalises DNS names into the lowercase, dot-terminated
// absolute form every other package compares against.
package dnsname

import "github.com/miekg/dns"

// Canon returns name as a lowercase, dot-terminated FQDN. It is idempotent:
// Canon(Canon(n)) == Canon(n) for all n.
func Canon(name string) string {
	return dns.CanonicalName(name)
}

// HasSuffix reports whether name matches suffix under label-boundary suffix
// semantics: name == suffix, or name ends with "." + suffix. Both arguments
// must already be canonical (lowercase, dot-terminated).
func HasSuffix(name, suffix string) bool {
	if name == suffix {
		return true
	}
	if len(name) <= len(suffix) {
		return false
	}
	return name[len(name)-len(suffix)-1:] == "."+suffix
}
