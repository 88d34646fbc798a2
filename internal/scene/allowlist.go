package scene

import "strings"

// Allowlist maps an entity domain to the attributes that participate in
// matching and restore for that domain. Domains not listed compare by state
// only. Membership is policy, not algorithm: deployments override it from
// configuration.
type Allowlist map[string][]string

// DefaultAllowlist returns the built-in per-domain attribute table.
func DefaultAllowlist() Allowlist {
	return Allowlist{
		"light":        {"brightness", "color_temp", "rgb_color", "xy_color", "hs_color", "effect"},
		"climate":      {"temperature", "hvac_mode"},
		"switch":       {},
		"cover":        {"current_position"},
		"media_player": {"volume_level", "source"},
	}
}

// For returns the attributes checked for a domain, nil when the domain has
// no entry.
func (a Allowlist) For(domain string) []string { return a[domain] }

// Merge overlays per-domain overrides onto the allowlist, returning a new
// table. An override replaces the domain's whole attribute list.
func (a Allowlist) Merge(overrides map[string][]string) Allowlist {
	out := make(Allowlist, len(a)+len(overrides))
	for d, attrs := range a {
		out[d] = attrs
	}
	for d, attrs := range overrides {
		out[d] = attrs
	}
	return out
}

// Color attributes compare component-wise with their own absence rules; xy
// coordinates additionally rescale to tolerance range.
func isColorAttribute(name string) bool { return strings.HasSuffix(name, "_color") }

func isXYColor(name string) bool { return name == "xy_color" }
