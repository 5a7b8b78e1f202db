// Package iprange wraps the netipx range and set primitives the pipeline
// needs: minimal CIDR covers of inclusive ranges and fast overlap checks
// against a country's address space.
package iprange

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// Prefixes returns the minimal ordered CIDR cover of the inclusive range
// [from, to]. Both addresses must be valid and of the same family.
func Prefixes(from, to netip.Addr) ([]netip.Prefix, error) {
	r := netipx.IPRangeFrom(from, to)
	if !r.IsValid() {
		return nil, fmt.Errorf("iprange: invalid range %s-%s", from, to)
	}
	return r.Prefixes(), nil
}

// Merge returns the minimal sorted prefix set covering exactly the union of
// the given prefixes.
func Merge(prefixes []netip.Prefix) ([]netip.Prefix, error) {
	var builder netipx.IPSetBuilder
	for _, p := range prefixes {
		builder.AddPrefix(p)
	}
	set, err := builder.IPSet()
	if err != nil {
		return nil, fmt.Errorf("iprange: build set: %w", err)
	}
	return set.Prefixes(), nil
}

// Index holds sorted, disjoint address ranges split by family so prefix
// overlap checks are a binary search.
type Index struct {
	v4 []netipx.IPRange
	v6 []netipx.IPRange
}

// IndexBuilder accumulates ranges for an Index.
type IndexBuilder struct {
	v4 netipx.IPSetBuilder
	v6 netipx.IPSetBuilder
}

// AddRange records the inclusive range [from, to]. Ranges may overlap each
// other; building the index normalizes them.
func (b *IndexBuilder) AddRange(from, to netip.Addr) error {
	r := netipx.IPRangeFrom(from, to)
	if !r.IsValid() {
		return fmt.Errorf("iprange: invalid range %s-%s", from, to)
	}
	if from.Is4() {
		b.v4.AddRange(r)
	} else {
		b.v6.AddRange(r)
	}
	return nil
}

// Build normalizes the accumulated ranges into an Index.
func (b *IndexBuilder) Build() (*Index, error) {
	v4Set, err := b.v4.IPSet()
	if err != nil {
		return nil, fmt.Errorf("iprange: build v4 set: %w", err)
	}
	v6Set, err := b.v6.IPSet()
	if err != nil {
		return nil, fmt.Errorf("iprange: build v6 set: %w", err)
	}
	return &Index{v4: v4Set.Ranges(), v6: v6Set.Ranges()}, nil
}

// Empty reports whether the index holds no ranges at all.
func (idx *Index) Empty() bool {
	return len(idx.v4) == 0 && len(idx.v6) == 0
}

// SizeV4 returns the number of disjoint v4 ranges.
func (idx *Index) SizeV4() int { return len(idx.v4) }

// SizeV6 returns the number of disjoint v6 ranges.
func (idx *Index) SizeV6() int { return len(idx.v6) }

// OverlapsPrefix reports whether any indexed range of the prefix's family
// shares at least one address with it.
func (idx *Index) OverlapsPrefix(p netip.Prefix) bool {
	r := netipx.RangeOfPrefix(p)
	if !r.IsValid() {
		return false
	}
	ranges := idx.v6
	if p.Addr().Is4() {
		ranges = idx.v4
	}
	return overlaps(ranges, r.From(), r.To())
}

func overlaps(ranges []netipx.IPRange, from, to netip.Addr) bool {
	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		if to.Compare(ranges[mid].From()) < 0 {
			hi = mid
			continue
		}
		if from.Compare(ranges[mid].To()) > 0 {
			lo = mid + 1
			continue
		}
		return true
	}
	return false
}
