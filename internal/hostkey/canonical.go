// Package hostkey canonicalizes IMAP server hostnames into the Host Group
// keys the Connection Pool budgets concurrency and rate against (spec
// §4.1). It also carries the IDLE support deny-list the Scheduler
// consults when defaulting a mailbox's idle_supported flag (spec §4.3).
package hostkey

import "strings"

// suffixRule collapses any hostname matching Suffix (or equal to it) onto
// Canonical. Rules are checked in order; the teacher repo has no
// equivalent (it only ever talks to one configured host), so this table
// is new, grounded on the well-known-provider list spec §4.1 names.
type suffixRule struct {
	Suffix    string
	Canonical string
}

var suffixRules = []suffixRule{
	{"gmail.com", "gmail.com"},
	{"googlemail.com", "gmail.com"},
	{"google.com", "gmail.com"},
	{"outlook.com", "outlook.office365.com"},
	{"office365.com", "outlook.office365.com"},
	{"hotmail.com", "outlook.office365.com"},
	{"live.com", "outlook.office365.com"},
	{"yahoo.com", "yahoo.com"},
	{"ymail.com", "yahoo.com"},
	{"zoho.com", "zoho.com"},
	{"protonmail.com", "protonmail.com"},
	{"proton.me", "protonmail.com"},
}

// Canonicalize collapses a raw IMAP hostname onto its Host Group key.
// Unknown hosts are keyed by their own lowercased hostname (spec §4.1).
func Canonicalize(rawHost string) string {
	host := strings.ToLower(strings.TrimSpace(rawHost))
	for _, rule := range suffixRules {
		if host == rule.Suffix || strings.HasSuffix(host, "."+rule.Suffix) {
			return rule.Canonical
		}
	}
	return host
}

// idleAllowList holds hosts known to support IDLE reliably (spec §4.3).
var idleAllowList = map[string]bool{
	"gmail.com":             true,
	"outlook.office365.com": true,
	"yahoo.com":             true,
	"zoho.com":              true,
	"protonmail.com":        true,
}

// IdleRules carries the deny-list deployments override via the
// IDLE_DENY_LIST environment option (spec §6). It is constructed once by
// internal/fleetapp from the loaded config and threaded by construction
// into the Scheduler,
// avoiding the module-level mutable state the Design Notes call out.
type IdleRules struct {
	deny map[string]bool
}

// NewIdleRules builds an IdleRules from a list of raw (possibly
// non-canonical) hostnames.
func NewIdleRules(denyHosts []string) IdleRules {
	deny := make(map[string]bool, len(denyHosts))
	for _, h := range denyHosts {
		deny[Canonicalize(h)] = true
	}
	return IdleRules{deny: deny}
}

// SupportedDefault implements spec §4.3's idle_supported default:
// known-good hosts true, known-bad (deny-listed) hosts false, unknown
// hosts true (optimistic).
func (r IdleRules) SupportedDefault(canonicalHost string) bool {
	if r.deny[canonicalHost] {
		return false
	}
	return true
}

// KnownGood reports whether canonicalHost is on the allow-list. It does
// not affect SupportedDefault: only the deny-list turns idle_supported
// off (spec §4.3).
func KnownGood(canonicalHost string) bool {
	return idleAllowList[canonicalHost]
}
