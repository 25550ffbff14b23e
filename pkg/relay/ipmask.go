package relay

import "strings"

// MaskIP redacts the host portion of an address for logging (§4.I "IP
// addresses in logs MUST be masked"): an IPv4 address keeps its first two
// octets ("1.2.x.x"), an IPv6 address keeps its first two groups
// ("aa:bb::x": everything after the second group collapses).
// A bare port suffix (as net.SplitHostPort would leave behind) is passed
// through unmasked since it carries no identifying information on its own.
func MaskIP(addr string) string {
	host, port := addr, ""
	if idx := strings.LastIndex(addr, ":"); idx >= 0 && !strings.Contains(addr[idx+1:], ":") {
		// Only treat the trailing segment as a port when what precedes it
		// isn't itself colon-separated (i.e. not bare IPv6), matching
		// net.SplitHostPort's "host:port" shape for IPv4/hostname input.
		if !strings.Contains(addr[:idx], ":") {
			host, port = addr[:idx], addr[idx:]
		}
	}

	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".x.x" + port
		}
		return "x.x.x.x" + port
	}

	if strings.Contains(host, ":") {
		groups := strings.Split(host, ":")
		if len(groups) >= 2 {
			return groups[0] + ":" + groups[1] + "::x" + port
		}
		return "x::x" + port
	}

	return "x" + port
}
