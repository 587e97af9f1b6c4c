package essencefs

import "fmt"

// ChildInfo is what Enumerate reports about a directory entry without
// requiring the caller to open it.
type ChildInfo struct {
	Name     string
	FileType uint8
	// Size is the child's byte size for files, itemsInDirectory for
	// directories.
	Size uint64
}

type directoryEntryLoc struct {
	entry  *directoryEntry
	offset int
	length int
}

// scanBlockForEntries walks DirectoryEntries packed back-to-back starting
// at block[0], stopping at the first zero byte (the padding sentinel) or
// when there's no room left for another header. It returns the position
// just past the last real entry, i.e. the first byte of the block's free
// tail.
func scanBlockForEntries(block []byte) ([]directoryEntryLoc, int, error) {
	var locs []directoryEntryLoc
	pos := 0
	for pos+directoryEntrySignatureLen <= len(block) {
		if block[pos] == 0 {
			break
		}
		de, n, err := directoryEntryFromBytes(block[pos:])
		if err != nil {
			return nil, 0, err
		}
		locs = append(locs, directoryEntryLoc{entry: de, offset: pos, length: n})
		pos += n
	}
	return locs, pos, nil
}

func childInfoFromEntry(de *directoryEntry) (ChildInfo, error) {
	if de.file.fileType == fileTypeDirectory {
		d, ok := de.file.directory()
		if !ok {
			return ChildInfo{}, fmt.Errorf("%w: directory child %q missing FILE_DIRECTORY attribute", ErrCorrupt, de.name)
		}
		return ChildInfo{Name: de.name, FileType: de.file.fileType, Size: d.itemsInDirectory}, nil
	}
	fd, ok := de.file.fileData()
	if !ok {
		return ChildInfo{}, fmt.Errorf("%w: child %q missing FILE_DATA attribute", ErrCorrupt, de.name)
	}
	return ChildInfo{Name: de.name, FileType: de.file.fileType, Size: fd.size}, nil
}

// enumerateDirectory implements Enumerate: walk the directory's data
// stream block by block until itemsInDirectory children have been
// reported.
func (v *Volume) enumerateDirectory(dir *Node) ([]ChildInfo, error) {
	if !dir.isDirectory() {
		return nil, ErrIncorrectNodeType
	}
	dirAttr, ok := dir.entry.directory()
	if !ok {
		return nil, v.fault("enumerate: node %x is a directory with no FILE_DIRECTORY attribute", dir.identifier)
	}
	fd, ok := dir.entry.fileData()
	if !ok {
		return nil, v.fault("enumerate: node %x is a directory with no FILE_DATA attribute", dir.identifier)
	}

	expected := dirAttr.itemsInDirectory
	out := make([]ChildInfo, 0, expected)
	if expected == 0 || fd.size == 0 {
		return out, nil
	}

	B := v.blockSize()
	totalBlocks := blocksNeededToStore(fd.size, B)
	var found uint64
	for blk := uint64(0); blk < totalBlocks && found < expected; blk++ {
		_, data, err := v.readStreamBlockAt(fd, blk)
		if err != nil {
			return nil, err
		}
		locs, _, err := scanBlockForEntries(data)
		if err != nil {
			return nil, v.fault("enumerate: block %d of node %x: %v", blk, dir.identifier, err)
		}
		for _, loc := range locs {
			if found >= expected {
				break
			}
			info, err := childInfoFromEntry(loc.entry)
			if err != nil {
				return nil, v.fault("enumerate: %v", err)
			}
			out = append(out, info)
			found++
		}
	}
	return out, nil
}

// searchDirectory implements SearchDirectory: linear scan for name,
// short-circuiting as soon as it's found. A miss returns (nil, nil), not an
// error.
func (v *Volume) searchDirectory(dir *Node, name string) (*Node, error) {
	if !dir.isDirectory() {
		return nil, ErrIncorrectNodeType
	}
	fd, ok := dir.entry.fileData()
	if !ok {
		return nil, v.fault("search: node %x is a directory with no FILE_DATA attribute", dir.identifier)
	}

	B := v.blockSize()
	totalBlocks := blocksNeededToStore(fd.size, B)
	for blk := uint64(0); blk < totalBlocks; blk++ {
		global, data, err := v.readStreamBlockAt(fd, blk)
		if err != nil {
			return nil, err
		}
		locs, _, err := scanBlockForEntries(data)
		if err != nil {
			return nil, v.fault("search: block %d of node %x: %v", blk, dir.identifier, err)
		}
		for _, loc := range locs {
			if loc.entry.name != name {
				continue
			}
			id := loc.entry.file.uid
			if n, ok := v.lookupNode(id); ok {
				return n, nil
			}
			node := &Node{
				identifier:       id,
				entry:            loc.entry.file,
				containerBlock:   global,
				offsetIntoBlock:  loc.offset + loc.entry.fileEntryOffset,
				offsetIntoBlock2: loc.offset,
				fileEntryLength:  loc.entry.fileEntryLength,
			}
			v.registerNode(node)
			return node, nil
		}
	}
	return nil, nil
}

// createNode implements CreateNode: build a fresh DirectoryEntry, find or
// make room for it in the directory's last block, patch the child's
// identifier with its real container block, and persist both the new entry
// and the parent's updated itemsInDirectory.
func (v *Volume) createNode(dir *Node, name string, fileType uint8) (*Node, error) {
	if !dir.isDirectory() {
		return nil, ErrIncorrectNodeType
	}
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	dirAttr, ok := dir.entry.directory()
	if !ok {
		return nil, v.fault("create: node %x is a directory with no FILE_DIRECTORY attribute", dir.identifier)
	}
	fd, ok := dir.entry.fileData()
	if !ok {
		return nil, v.fault("create: node %x is a directory with no FILE_DATA attribute", dir.identifier)
	}

	child := newFileEntry(fileType)
	child.putAttribute(newFileDataAttribute())
	if fileType == fileTypeDirectory {
		child.putAttribute(&attributeFileDirectory{itemsInDirectory: 0})
	}
	child.putAttribute(&attributeFileSecurity{})
	de := &directoryEntry{name: name, file: child}
	entrySize := uint64(len(de.encode()))

	B := v.blockSize()
	if entrySize > B {
		return nil, fmt.Errorf("essencefs: directory entry for %q of %d bytes exceeds block size %d", name, entrySize, B)
	}

	var lastBlockIdx uint64
	var position int
	if fd.size > 0 {
		lastBlockIdx = blocksNeededToStore(fd.size, B) - 1
		_, data, err := v.readStreamBlockAt(fd, lastBlockIdx)
		if err != nil {
			return nil, err
		}
		_, pos, err := scanBlockForEntries(data)
		if err != nil {
			return nil, v.fault("create: last block of node %x: %v", dir.identifier, err)
		}
		position = pos
	}

	spaceRemaining := B - uint64(position)
	grew := fd.size == 0 || spaceRemaining < entrySize
	if grew {
		if err := v.resizeDataStream(fd, fd.size+B, true, dir.containerBlock); err != nil {
			return nil, err
		}
		lastBlockIdx = blocksNeededToStore(fd.size, B) - 1
		position = 0
	}

	targetGlobal, err := v.getBlockFromStream(fd, lastBlockIdx*B)
	if err != nil {
		return nil, err
	}

	child.uid.setContainerBlock(targetGlobal)
	entryBytes := de.encode()

	if grew {
		buf := make([]byte, B)
		copy(buf, entryBytes)
		if err := v.writeBlocks(targetGlobal, buf); err != nil {
			return nil, err
		}
	} else {
		data, err := v.readBlocks(targetGlobal, 1)
		if err != nil {
			return nil, err
		}
		copy(data[position:], entryBytes)
		if err := v.writeBlocks(targetGlobal, data); err != nil {
			return nil, err
		}
	}

	dirAttr.itemsInDirectory++
	if err := v.sync(dir); err != nil {
		return nil, err
	}

	fileEntryOffset := position + directoryEntrySignatureLen +
		len((&attributeDirectoryName{name: name}).encode()) + attributeHeaderSize

	node := &Node{
		identifier:       child.uid,
		entry:            child,
		containerBlock:   targetGlobal,
		offsetIntoBlock:  fileEntryOffset,
		offsetIntoBlock2: position,
		fileEntryLength:  len(child.encode()),
	}
	v.registerNode(node)
	return node, nil
}

// removeNodeFromParent implements RemoveNodeFromParent: erase child's
// DirectoryEntry from its container block, compacting the tail, and
// decrement parent's itemsInDirectory. Any other currently open node whose
// entry sat later in the same block has its cached offsets adjusted to
// match.
//
// Known gaps, preserved rather than fixed: a block that becomes entirely
// empty is never reclaimed, and entries from later blocks are never
// promoted to fill a hole left by a block-spanning removal.
func (v *Volume) removeNodeFromParent(parent, child *Node) error {
	dirAttr, ok := parent.entry.directory()
	if !ok {
		return v.fault("remove: parent %x is a directory with no FILE_DIRECTORY attribute", parent.identifier)
	}

	block, err := v.readBlocks(child.containerBlock, 1)
	if err != nil {
		return err
	}

	_, entryLen, err := directoryEntryFromBytes(block[child.offsetIntoBlock2:])
	if err != nil {
		return v.fault("remove: decoding entry for node %x: %v", child.identifier, err)
	}

	tailStart := child.offsetIntoBlock2 + entryLen
	copy(block[child.offsetIntoBlock2:], block[tailStart:])
	for i := len(block) - entryLen; i < len(block); i++ {
		block[i] = 0
	}
	if err := v.writeBlocks(child.containerBlock, block); err != nil {
		return err
	}

	dirAttr.itemsInDirectory--
	if err := v.sync(parent); err != nil {
		return err
	}

	v.nodesMu.Lock()
	for _, n := range v.nodes {
		if n == child {
			continue
		}
		if n.containerBlock == child.containerBlock && n.offsetIntoBlock2 > child.offsetIntoBlock2 {
			n.mu.Lock()
			n.offsetIntoBlock -= entryLen
			n.offsetIntoBlock2 -= entryLen
			n.mu.Unlock()
		}
	}
	v.nodesMu.Unlock()

	v.releaseHandle(child)
	return nil
}
