package essencefs

// readGroupExtentTable loads group g's free-space list, lazily formatting
// it the first time the group is touched: an uninitialised group (extentTable
// == 0 in its descriptor) is entirely free space save for its own, as-yet
// unwritten, extent table.
func (v *Volume) readGroupExtentTable(g uint64) ([]LocalExtent, error) {
	gd := &v.gdt.entries[g]
	if !gd.initialised() {
		gd.extentTable = v.firstBlockOfGroup(g)
		gd.extentCount = 1
		gd.blocksUsed = uint16(v.sb.blocksPerGroupExtentTable)
		return []LocalExtent{{
			Offset: uint16(v.sb.blocksPerGroupExtentTable),
			Count:  uint16(v.sb.blocksInGroup(g) - v.sb.blocksPerGroupExtentTable),
		}}, nil
	}

	buf, err := v.readBlocks(gd.extentTable, v.sb.blocksPerGroupExtentTable)
	if err != nil {
		return nil, err
	}
	entries := make([]LocalExtent, gd.extentCount)
	for i := range entries {
		entries[i] = localExtentFromBytes(buf[i*localExtentSize:])
	}
	return entries, nil
}

// writeGroupExtentTable persists entries as group g's free-space list and
// updates its descriptor and the GDT block on disk.
func (v *Volume) writeGroupExtentTable(g uint64, entries []LocalExtent) error {
	gd := &v.gdt.entries[g]
	capacity := v.sb.blocksPerGroupExtentTable * v.blockSize() / localExtentSize
	if uint64(len(entries)) > capacity {
		return v.fault("group %d free list grew to %d entries, exceeding its %d-entry table", g, len(entries), capacity)
	}

	buf := make([]byte, v.sb.blocksPerGroupExtentTable*v.blockSize())
	for i, e := range entries {
		e.toBytes(buf[i*localExtentSize:])
	}
	if err := v.writeBlocks(gd.extentTable, buf); err != nil {
		return err
	}
	gd.extentCount = uint16(len(entries))
	return v.writeBlocks(uint64(v.sb.gdt.Offset), v.gdt.toBytes(v.blockSize()))
}

// allocateExtent finds and reserves up to desiredBlocks contiguous blocks,
// searching starting at group preferredGroup and wrapping around the volume
// once. It returns a GlobalExtent shorter than desiredBlocks (never longer)
// when no single free run covers the whole request; callers loop until
// satisfied. A zero-length result with a nil error means the volume is full.
func (v *Volume) allocateExtent(preferredGroup, desiredBlocks uint64) (GlobalExtent, error) {
	if v.readOnly {
		return GlobalExtent{}, ErrReadOnly
	}

	groupCount := v.sb.groupCount
	for i := uint64(0); i < groupCount; i++ {
		g := (preferredGroup + i) % groupCount
		if v.hints != nil && v.hints.knownFull(g) {
			continue
		}

		entries, err := v.readGroupExtentTable(g)
		if err != nil {
			return GlobalExtent{}, err
		}
		if len(entries) == 0 {
			if v.hints != nil {
				v.hints.invalidate(g)
			}
			continue
		}

		bestIdx := -1
		largestIdx := 0
		for idx, e := range entries {
			if uint64(e.Count) >= desiredBlocks {
				if bestIdx < 0 || e.Count < entries[bestIdx].Count {
					bestIdx = idx
				}
			}
			if entries[idx].Count > entries[largestIdx].Count {
				largestIdx = idx
			}
		}

		var chosenIdx int
		var grantBlocks uint64
		if bestIdx >= 0 {
			chosenIdx = bestIdx
			grantBlocks = desiredBlocks
		} else {
			chosenIdx = largestIdx
			grantBlocks = uint64(entries[largestIdx].Count)
		}
		if grantBlocks == 0 {
			continue
		}

		chosen := entries[chosenIdx]
		result := GlobalExtent{
			Offset: v.firstBlockOfGroup(g) + uint64(chosen.Offset),
			Count:  grantBlocks,
		}

		if uint64(chosen.Count) == grantBlocks {
			entries[chosenIdx] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
		} else {
			entries[chosenIdx] = LocalExtent{
				Offset: chosen.Offset + uint16(grantBlocks),
				Count:  chosen.Count - uint16(grantBlocks),
			}
		}

		if err := v.writeGroupExtentTable(g, entries); err != nil {
			return GlobalExtent{}, err
		}
		if v.hints != nil {
			v.hints.rebuild(g, v.sb.blocksInGroup(g), entries)
		}

		v.gdt.entries[g].blocksUsed += uint16(grantBlocks)
		v.sb.blocksUsed += grantBlocks
		if err := v.writeSuperblock(); err != nil {
			return GlobalExtent{}, err
		}

		return result, nil
	}

	return GlobalExtent{}, nil
}

// freeExtent returns e's blocks to its group's free list, merging with any
// adjacent free extent it abuts. It is fatal (marks the volume read-only) if
// e overlaps an already-free extent, since that can only mean the free list
// is corrupt.
func (v *Volume) freeExtent(e GlobalExtent) {
	if e.Count == 0 {
		return
	}
	g, local := v.groupOfBlock(e.Offset)

	entries, err := v.readGroupExtentTable(g)
	if err != nil {
		v.fault("freeExtent: reading group %d free list: %v", g, err)
		return
	}

	freed := LocalExtent{Offset: uint16(local), Count: uint16(e.Count)}

	for _, other := range entries {
		if extentsOverlap(other, freed) {
			v.fault("freeExtent: block range [%d,%d) in group %d overlaps already-free range [%d,%d)",
				freed.Offset, uint64(freed.Offset)+e.Count, g, other.Offset, uint64(other.Offset)+uint64(other.Count))
			return
		}
	}

	// A freed run can abut a predecessor and a successor at once (filling a
	// gap exactly), so keep merging until nothing more touches freed rather
	// than stopping after the first hit.
	for {
		mergedThisPass := false
		for i := 0; i < len(entries); i++ {
			if uint64(entries[i].Offset)+uint64(entries[i].Count) == uint64(freed.Offset) {
				freed.Offset = entries[i].Offset
				freed.Count += entries[i].Count
				entries[i] = entries[len(entries)-1]
				entries = entries[:len(entries)-1]
				mergedThisPass = true
				break
			}
			if uint64(freed.Offset)+uint64(freed.Count) == uint64(entries[i].Offset) {
				freed.Count += entries[i].Count
				entries[i] = entries[len(entries)-1]
				entries = entries[:len(entries)-1]
				mergedThisPass = true
				break
			}
		}
		if !mergedThisPass {
			break
		}
	}
	entries = append(entries, freed)

	if err := v.writeGroupExtentTable(g, entries); err != nil {
		v.fault("freeExtent: writing group %d free list: %v", g, err)
		return
	}
	if v.hints != nil {
		v.hints.rebuild(g, v.sb.blocksInGroup(g), entries)
	}

	v.gdt.entries[g].blocksUsed -= uint16(e.Count)
	v.sb.blocksUsed -= e.Count
	if err := v.writeSuperblock(); err != nil {
		v.fault("freeExtent: writing superblock: %v", err)
	}
}

func extentsOverlap(a, b LocalExtent) bool {
	aEnd := uint64(a.Offset) + uint64(a.Count)
	bEnd := uint64(b.Offset) + uint64(b.Count)
	return uint64(a.Offset) < bEnd && uint64(b.Offset) < aEnd
}
