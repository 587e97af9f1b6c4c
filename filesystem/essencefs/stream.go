package essencefs

import (
	"fmt"

	"github.com/BrettRToomey/essence/device"
)

// materialiseExtents returns the full, ordered list of GlobalExtents
// backing fd's data, reading the INDIRECT_2 list blocks from disk if
// needed. It is the one place indirection is translated into a flat list;
// everything above it works in terms of that list.
func (v *Volume) materialiseExtents(fd *attributeFileData) ([]GlobalExtent, error) {
	switch fd.indirection {
	case indirectionIndirect:
		return append([]GlobalExtent(nil), fd.indirect[:fd.extentCount]...), nil
	case indirectionIndirect2:
		perBlock := v.blockSize() / globalExtentSize
		out := make([]GlobalExtent, 0, fd.extentCount)
		remaining := uint64(fd.extentCount)
		for i := 0; i < indirect2BlockCapacity && remaining > 0; i++ {
			if fd.indirect2[i] == 0 {
				return nil, fmt.Errorf("%w: indirect2[%d] is zero with %d extents still expected", ErrCorrupt, i, remaining)
			}
			blk, err := v.readBlocks(fd.indirect2[i], 1)
			if err != nil {
				return nil, err
			}
			take := perBlock
			if take > remaining {
				take = remaining
			}
			for j := uint64(0); j < take; j++ {
				out = append(out, globalExtentFromBytes(blk[j*globalExtentSize:]))
			}
			remaining -= take
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: DIRECT streams have no extent list", ErrUnsupportedMode)
	}
}

// blocksForLogicalRange walks extents once and returns the `count`
// physical block numbers starting at logical block `startBlock`.
func blocksForLogicalRange(extents []GlobalExtent, startBlock, count uint64) ([]uint64, error) {
	out := make([]uint64, 0, count)
	var accumulated uint64
	started := false
	for _, e := range extents {
		if uint64(len(out)) >= count {
			break
		}
		if !started {
			if accumulated+e.Count <= startBlock {
				accumulated += e.Count
				continue
			}
			started = true
			local := startBlock - accumulated
			for li := local; li < e.Count && uint64(len(out)) < count; li++ {
				out = append(out, e.Offset+li)
			}
			accumulated += e.Count
			continue
		}
		for li := uint64(0); li < e.Count && uint64(len(out)) < count; li++ {
			out = append(out, e.Offset+li)
		}
		accumulated += e.Count
	}
	if uint64(len(out)) < count {
		return nil, fmt.Errorf("%w: stream extent list covers fewer blocks than requested", ErrCorrupt)
	}
	return out, nil
}

// getBlockFromStream projects a single logical byte offset onto the
// physical block that holds it.
func (v *Volume) getBlockFromStream(fd *attributeFileData, offset uint64) (uint64, error) {
	extents, err := v.materialiseExtents(fd)
	if err != nil {
		return 0, err
	}
	blocks, err := blocksForLogicalRange(extents, offset/v.blockSize(), 1)
	if err != nil {
		return 0, err
	}
	return blocks[0], nil
}

// accessStream is the single entry point for moving bytes into or out of a
// data stream, whatever its indirection mode. Contiguous runs of physical
// blocks are coalesced into single block-device accesses, bounded by the
// device's reported max transfer. lastBlock reports the last physical
// block touched (zero for a DIRECT stream, which touches no block).
func (v *Volume) accessStream(fd *attributeFileData, offset, size uint64, buf []byte, op device.AccessOp) (lastBlock uint64, err error) {
	if size == 0 {
		return 0, nil
	}

	if fd.indirection == indirectionDirect {
		if offset+size > uint64(len(fd.direct)) {
			return 0, fmt.Errorf("essencefs: direct stream access [%d,%d) exceeds %d-byte capacity", offset, offset+size, len(fd.direct))
		}
		if op == device.Write {
			copy(fd.direct[offset:], buf[:size])
		} else {
			copy(buf[:size], fd.direct[offset:offset+size])
		}
		return 0, nil
	}

	B := v.blockSize()
	blockAligned := (offset / B) * B
	offsetInBlock := offset - blockAligned
	totalBytes := offsetInBlock + size
	sizeBlocks := blocksNeededToStore(totalBytes, B)
	startBlock := blockAligned / B

	extents, err := v.materialiseExtents(fd)
	if err != nil {
		return 0, err
	}
	physBlocks, err := blocksForLogicalRange(extents, startBlock, sizeBlocks)
	if err != nil {
		return 0, err
	}

	maxRunBlocks := v.dev.MaxTransferBytes() / int64(B)
	if maxRunBlocks < 1 {
		maxRunBlocks = 1
	}

	var consumed uint64
	i := 0
	for i < len(physBlocks) {
		runStart := i
		for i+1 < len(physBlocks) &&
			physBlocks[i+1] == physBlocks[i]+1 &&
			uint64(i+1-runStart) < uint64(maxRunBlocks) {
			i++
		}
		runLen := uint64(i - runStart + 1)
		runPhysStart := physBlocks[runStart]
		lastBlock = physBlocks[i]
		isFirstRun := runStart == 0
		isLastRun := i == len(physBlocks)-1

		runBuf := make([]byte, runLen*B)
		if op == device.Write && (isFirstRun || isLastRun) {
			if err := v.readIntoBuffer(runPhysStart, runLen, runBuf); err != nil {
				return lastBlock, err
			}
		}

		skip := uint64(0)
		if isFirstRun {
			skip = offsetInBlock
		}
		avail := runLen*B - skip
		take := avail
		if take > size-consumed {
			take = size - consumed
		}

		if op == device.Read {
			if err := v.readIntoBuffer(runPhysStart, runLen, runBuf); err != nil {
				return lastBlock, err
			}
			copy(buf[consumed:consumed+take], runBuf[skip:skip+take])
		} else {
			copy(runBuf[skip:skip+take], buf[consumed:consumed+take])
			if err := v.writeBlocks(runPhysStart, runBuf); err != nil {
				return lastBlock, err
			}
		}

		consumed += take
		i++
	}

	return lastBlock, nil
}

func (v *Volume) readIntoBuffer(start, count uint64, dst []byte) error {
	buf, err := v.readBlocks(start, count)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (v *Volume) readStream(fd *attributeFileData, offset, size uint64, buf []byte) error {
	_, err := v.accessStream(fd, offset, size, buf, device.Read)
	return err
}

func (v *Volume) writeStream(fd *attributeFileData, offset, size uint64, buf []byte) (uint64, error) {
	return v.accessStream(fd, offset, size, buf, device.Write)
}

func (v *Volume) zeroBlocks(start, count uint64) error {
	return v.writeBlocks(start, make([]byte, count*v.blockSize()))
}

// readStreamBlockAt reads the single full block at logical block index
// blockIdx of fd's stream, returning both its physical block number (for
// callers that need to remember where an entry physically landed) and its
// contents.
func (v *Volume) readStreamBlockAt(fd *attributeFileData, blockIdx uint64) (global uint64, data []byte, err error) {
	B := v.blockSize()
	global, err = v.getBlockFromStream(fd, blockIdx*B)
	if err != nil {
		return 0, nil, err
	}
	data, err = v.readBlocks(global, 1)
	return global, data, err
}

// resizeDataStream implements the full grow/shrink contract: after it
// returns successfully, getBlockFromStream(offset) is valid for every
// offset in [0,newSize), and the prefix that existed before the call is
// preserved.
func (v *Volume) resizeDataStream(fd *attributeFileData, newSize uint64, clearNewBlocks bool, containerBlock uint64) error {
	if newSize == fd.size {
		return nil
	}
	if newSize > fd.size {
		return v.growDataStream(fd, newSize, clearNewBlocks, containerBlock)
	}
	return v.shrinkDataStream(fd, newSize, containerBlock)
}

func (v *Volume) growDataStream(fd *attributeFileData, newSize uint64, clearNewBlocks bool, containerBlock uint64) error {
	B := v.blockSize()
	oldSize := fd.size

	if fd.indirection == indirectionDirect && newSize <= directBytesCapacity {
		if clearNewBlocks {
			for i := oldSize; i < newSize; i++ {
				fd.direct[i] = 0
			}
		}
		fd.size = newSize
		return nil
	}

	// Snapshot every field this function can mutate before attempting any
	// allocation, so a failure partway through (disk full, a bad write) can
	// restore fd to the readable state it had on entry instead of leaving it
	// half-promoted with extentCount reset and the DIRECT bytes discarded.
	snapshot := *fd

	var stash []byte
	promoting := fd.indirection == indirectionDirect
	blocksAlreadyHeld := oldSize
	if promoting {
		stash = append([]byte(nil), fd.direct[:oldSize]...)
		fd.direct = [directBytesCapacity]byte{}
		fd.indirection = indirectionIndirect
		fd.extentCount = 0
		blocksAlreadyHeld = 0
	}

	extList, err := v.materialiseExtents(fd)
	if err != nil {
		*fd = snapshot
		return err
	}

	oldBlocks := blocksNeededToStore(blocksAlreadyHeld, B)
	newBlocks := blocksNeededToStore(newSize, B)
	remaining := newBlocks - oldBlocks

	var allocated []GlobalExtent
	group := containerBlock / uint64(v.sb.blocksPerGroup)

	rollback := func() {
		for _, e := range allocated {
			v.freeExtent(e)
		}
		*fd = snapshot
	}

	for remaining > 0 {
		ext, err := v.allocateExtent(group, remaining)
		if err != nil {
			rollback()
			return err
		}
		if ext.Count == 0 {
			rollback()
			return ErrDiskFull
		}
		if clearNewBlocks {
			if err := v.zeroBlocks(ext.Offset, ext.Count); err != nil {
				rollback()
				return err
			}
		}
		allocated = append(allocated, ext)
		// ESFS_NO_MERGING: a newly grown extent is always appended, never
		// coalesced with the stream's previous tail extent.
		extList = append(extList, ext)
		remaining -= ext.Count
	}

	if len(extList) <= indirectExtentCapacity {
		fd.indirection = indirectionIndirect
		fd.indirect = [indirectExtentCapacity]GlobalExtent{}
		for i, e := range extList {
			fd.indirect[i] = e
		}
		fd.extentCount = uint16(len(extList))
	} else {
		if fd.indirection != indirectionIndirect2 {
			fd.indirection = indirectionIndirect2
			fd.indirect2 = [indirect2BlockCapacity]uint64{}
		}
		fd.extentCount = uint16(len(extList))
		// persistIndirect2List frees any list blocks it allocated itself on
		// failure; the data extents from the loop above are still ours to
		// free, and the snapshot restore undoes the indirection/extentCount
		// bookkeeping either way left it in.
		if err := v.persistIndirect2List(fd, extList, group); err != nil {
			rollback()
			return err
		}
	}

	if promoting && oldSize > 0 {
		if _, err := v.writeStream(fd, 0, oldSize, stash); err != nil {
			rollback()
			return err
		}
	}

	fd.size = newSize
	return nil
}

// persistIndirect2List writes extList out across fd.indirect2's list
// blocks, allocating any that don't exist yet.
func (v *Volume) persistIndirect2List(fd *attributeFileData, extList []GlobalExtent, group uint64) error {
	B := v.blockSize()
	neededListBlocks := blocksNeededToStore(uint64(len(extList))*globalExtentSize, B)
	if neededListBlocks > indirect2BlockCapacity {
		return fmt.Errorf("essencefs: %d extents exceed INDIRECT_2 capacity", len(extList))
	}

	// allocatedHere tracks only the list blocks this call allocates, as
	// opposed to ones fd.indirect2 already held coming in, so a failure
	// partway through frees exactly what this call is responsible for and
	// leaves any pre-existing list blocks untouched.
	var allocatedHere []uint64
	freeAllocatedHere := func() {
		for _, blk := range allocatedHere {
			v.freeExtent(GlobalExtent{Offset: blk, Count: 1})
		}
	}

	for i := uint64(0); i < neededListBlocks; i++ {
		if fd.indirect2[i] == 0 {
			ext, err := v.allocateExtent(group, 1)
			if err != nil {
				freeAllocatedHere()
				return err
			}
			if ext.Count == 0 {
				freeAllocatedHere()
				return ErrDiskFull
			}
			fd.indirect2[i] = ext.Offset
			allocatedHere = append(allocatedHere, ext.Offset)
		}
	}

	buf := make([]byte, neededListBlocks*B)
	for i, e := range extList {
		e.toBytes(buf[uint64(i)*globalExtentSize:])
	}
	for i := uint64(0); i < neededListBlocks; i++ {
		if err := v.writeBlocks(fd.indirect2[i], buf[i*B:(i+1)*B]); err != nil {
			freeAllocatedHere()
			return err
		}
	}
	return nil
}

func (v *Volume) shrinkDataStream(fd *attributeFileData, newSize uint64, containerBlock uint64) error {
	if fd.indirection == indirectionDirect {
		fd.size = newSize
		return nil
	}

	if newSize <= directBytesCapacity {
		buf := make([]byte, newSize)
		if newSize > 0 {
			if err := v.readStream(fd, 0, newSize, buf); err != nil {
				return err
			}
		}
		extList, err := v.materialiseExtents(fd)
		if err != nil {
			return err
		}
		for _, e := range extList {
			v.freeExtent(e)
		}
		if fd.indirection == indirectionIndirect2 {
			for i := 0; i < indirect2BlockCapacity; i++ {
				if fd.indirect2[i] != 0 {
					v.freeExtent(GlobalExtent{Offset: fd.indirect2[i], Count: 1})
				}
			}
		}
		fd.indirect = [indirectExtentCapacity]GlobalExtent{}
		fd.indirect2 = [indirect2BlockCapacity]uint64{}
		fd.extentCount = 0
		fd.indirection = indirectionDirect
		copy(fd.direct[:], buf)
		fd.size = newSize
		return nil
	}

	extList, err := v.materialiseExtents(fd)
	if err != nil {
		return err
	}

	B := v.blockSize()
	keepBlocks := blocksNeededToStore(newSize, B)

	var kept []GlobalExtent
	var acc uint64
	for _, e := range extList {
		switch {
		case acc >= keepBlocks:
			v.freeExtent(e)
		case acc+e.Count <= keepBlocks:
			kept = append(kept, e)
			acc += e.Count
		default:
			keepCount := keepBlocks - acc
			freeCount := e.Count - keepCount
			v.freeExtent(GlobalExtent{Offset: e.Offset + keepCount, Count: freeCount})
			kept = append(kept, GlobalExtent{Offset: e.Offset, Count: keepCount})
			acc += keepCount
		}
	}

	if len(kept) <= indirectExtentCapacity {
		if fd.indirection == indirectionIndirect2 {
			for i := 0; i < indirect2BlockCapacity; i++ {
				if fd.indirect2[i] != 0 {
					v.freeExtent(GlobalExtent{Offset: fd.indirect2[i], Count: 1})
					fd.indirect2[i] = 0
				}
			}
		}
		fd.indirection = indirectionIndirect
		fd.indirect = [indirectExtentCapacity]GlobalExtent{}
		for i, e := range kept {
			fd.indirect[i] = e
		}
		fd.extentCount = uint16(len(kept))
	} else {
		group := containerBlock / uint64(v.sb.blocksPerGroup)
		neededListBlocks := blocksNeededToStore(uint64(len(kept))*globalExtentSize, B)
		for i := int(neededListBlocks); i < indirect2BlockCapacity; i++ {
			if fd.indirect2[i] != 0 {
				v.freeExtent(GlobalExtent{Offset: fd.indirect2[i], Count: 1})
				fd.indirect2[i] = 0
			}
		}
		fd.extentCount = uint16(len(kept))
		if err := v.persistIndirect2List(fd, kept, group); err != nil {
			return err
		}
	}

	fd.size = newSize
	return nil
}
