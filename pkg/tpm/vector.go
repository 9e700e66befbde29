package tpm

import "net/netip"

// BuildVector collapses a hop list into the AS path. Consecutive hops in
// the same AS appear once. Runs of unattributed hops become zeros before
// the next AS, a single zero when compact is set; a run that returns to
// the previous AS is dropped.
func BuildVector(hops []netip.Addr, asn map[netip.Addr]uint32, compact bool) []uint32 {
	path := make([]uint32, 0, len(hops))
	var (
		last    uint32
		hasLast bool
		unknown int
	)
	for _, hop := range hops {
		as, ok := asn[hop]
		if !hop.IsValid() {
			ok = false
		}
		switch {
		case ok && hasLast && as == last:
			unknown = 0
		case ok:
			for ; unknown > 0; unknown-- {
				path = append(path, 0)
			}
			path = append(path, as)
			last, hasLast = as, true
		case compact:
			unknown = 1
		default:
			unknown++
		}
	}
	for ; unknown > 0; unknown-- {
		path = append(path, 0)
	}
	return path
}

// CommonPrefix returns the number of leading AS numbers a and b share.
// Zero entries are unattributed and never match.
func CommonPrefix(a, b []uint32) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] != 0 && a[n] == b[n] {
		n++
	}
	return n
}
