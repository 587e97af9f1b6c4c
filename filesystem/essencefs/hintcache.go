package essencefs

import "github.com/bits-and-blooms/bitset"

// groupHintCache is a purely advisory accelerator layered on top of the
// GDT/extent tables: one bit per hintGranularity-block span per group,
// set when that span is known to be fully allocated. AllocateExtent's
// group-skip loop consults it to avoid loading a group's extent table
// just to discover it's full; nothing in the allocator's correctness
// depends on the hint being accurate, only on it never claiming a span is
// full when it isn't.
type groupHintCache struct {
	spansPerGroup uint64
	bits          []*bitset.BitSet // one BitSet per group, lazily built
}

func newGroupHintCache(groupCount, blocksPerGroup uint64) *groupHintCache {
	spans := (blocksPerGroup + hintGranularity - 1) / hintGranularity
	return &groupHintCache{
		spansPerGroup: spans,
		bits:          make([]*bitset.BitSet, groupCount),
	}
}

// knownFull reports whether the hint believes the whole group is
// allocated. A nil entry (never built) is treated as not-known-full so the
// allocator always falls through to a real check the first time.
func (c *groupHintCache) knownFull(group uint64) bool {
	bs := c.bits[group]
	if bs == nil {
		return false
	}
	return bs.All()
}

// rebuild recomputes the hint for a group from its free local extents,
// called after every allocation or free that rewrites the group's extent
// table.
func (c *groupHintCache) rebuild(group uint64, blocksInGroup uint64, free []LocalExtent) {
	bs := bitset.New(uint(c.spansPerGroup))
	bs.SetAll()
	for _, e := range free {
		if e.empty() {
			continue
		}
		startSpan := uint64(e.Offset) / hintGranularity
		endSpan := uint64(e.Offset+e.Count-1) / hintGranularity
		for s := startSpan; s <= endSpan; s++ {
			bs.Clear(uint(s))
		}
	}
	c.bits[group] = bs
}

// invalidate clears the hint for a group entirely, forcing the next
// allocation attempt in it to trust only the real extent table. Used by
// the allocator when a group it loaded turns out to have no free extents.
func (c *groupHintCache) invalidate(group uint64) {
	c.bits[group] = nil
}
