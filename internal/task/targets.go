package task

import "net/netip"

// MatchesTarget reports whether any of a task's targets matches the query.
// Supported pairings: exact string equality, IP in CIDR, CIDR containing
// IP, and CIDR/CIDR overlap. Hostnames only ever match by equality.
func MatchesTarget(targets []string, query string) bool {
	queryAddr, queryIsAddr := parseAddr(query)
	queryNet, queryIsNet := parsePrefix(query)

	for _, target := range targets {
		if target == query {
			return true
		}

		targetAddr, targetIsAddr := parseAddr(target)
		targetNet, targetIsNet := parsePrefix(target)

		switch {
		case targetIsAddr && queryIsAddr:
			if targetAddr == queryAddr {
				return true
			}
		case targetIsAddr && queryIsNet:
			if queryNet.Contains(targetAddr) {
				return true
			}
		case targetIsNet && queryIsAddr:
			if targetNet.Contains(queryAddr) {
				return true
			}
		case targetIsNet && queryIsNet:
			if targetNet.Overlaps(queryNet) {
				return true
			}
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	return addr, err == nil
}

func parsePrefix(s string) (netip.Prefix, bool) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	return prefix.Masked(), true
}
