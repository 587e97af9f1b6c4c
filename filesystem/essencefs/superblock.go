package essencefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// superblock is the densely packed, little-endian on-disk volume header.
// Layout is position-sensitive; field order here is the wire order.
type superblock struct {
	volumeName                [32]byte
	requiredReadVersion       uint16
	requiredWriteVersion      uint16
	mounted                   uint8
	blockSize                 uint64
	blockCount                uint64
	blocksUsed                uint64
	blocksPerGroup            uint16
	groupCount                uint64
	blocksPerGroupExtentTable uint64
	// gdt and rootDirectoryFileEntry reuse LocalExtent for its on-disk
	// shape only (two uint16 fields); both are volume-relative, never
	// relative to a group.
	gdt                       LocalExtent
	rootDirectoryFileEntry    LocalExtent
	identifier                [16]byte
	osInstallation            [16]byte
}

const (
	sbOffVolumeName           = 16
	sbOffRequiredReadVersion  = sbOffVolumeName + 32
	sbOffRequiredWriteVersion = sbOffRequiredReadVersion + 2
	sbOffMounted              = sbOffRequiredWriteVersion + 2
	sbOffBlockSize            = sbOffMounted + 1
	sbOffBlockCount           = sbOffBlockSize + 8
	sbOffBlocksUsed           = sbOffBlockCount + 8
	sbOffBlocksPerGroup       = sbOffBlocksUsed + 8
	sbOffGroupCount           = sbOffBlocksPerGroup + 2
	sbOffBlocksPerGroupExtTbl = sbOffGroupCount + 8
	sbOffGDT                  = sbOffBlocksPerGroupExtTbl + 8
	sbOffRootDirEntry         = sbOffGDT + localExtentSize
	sbOffIdentifier           = sbOffRootDirEntry + localExtentSize
	sbOffOSInstallation       = sbOffIdentifier + 16
	sbMinEncodedSize          = sbOffOSInstallation + 16
)

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < sbMinEncodedSize {
		return nil, fmt.Errorf("superblock buffer of %d bytes is smaller than minimum %d: %w", len(b), sbMinEncodedSize, ErrCorrupt)
	}
	if !bytes.Equal(b[0:16], superblockSignature[:]) {
		return nil, fmt.Errorf("%w: superblock signature mismatch", ErrBadSignature)
	}

	sb := &superblock{
		requiredReadVersion:       binary.LittleEndian.Uint16(b[sbOffRequiredReadVersion:]),
		requiredWriteVersion:      binary.LittleEndian.Uint16(b[sbOffRequiredWriteVersion:]),
		mounted:                   b[sbOffMounted],
		blockSize:                 binary.LittleEndian.Uint64(b[sbOffBlockSize:]),
		blockCount:                binary.LittleEndian.Uint64(b[sbOffBlockCount:]),
		blocksUsed:                binary.LittleEndian.Uint64(b[sbOffBlocksUsed:]),
		blocksPerGroup:            binary.LittleEndian.Uint16(b[sbOffBlocksPerGroup:]),
		groupCount:                binary.LittleEndian.Uint64(b[sbOffGroupCount:]),
		blocksPerGroupExtentTable: binary.LittleEndian.Uint64(b[sbOffBlocksPerGroupExtTbl:]),
		gdt:                       localExtentFromBytes(b[sbOffGDT:]),
		rootDirectoryFileEntry:    localExtentFromBytes(b[sbOffRootDirEntry:]),
	}
	copy(sb.volumeName[:], b[sbOffVolumeName:sbOffRequiredReadVersion])
	copy(sb.identifier[:], b[sbOffIdentifier:sbOffOSInstallation])
	copy(sb.osInstallation[:], b[sbOffOSInstallation:sbMinEncodedSize])

	if err := sb.validate(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockBytes)
	copy(b[0:16], superblockSignature[:])
	copy(b[sbOffVolumeName:], sb.volumeName[:])
	binary.LittleEndian.PutUint16(b[sbOffRequiredReadVersion:], sb.requiredReadVersion)
	binary.LittleEndian.PutUint16(b[sbOffRequiredWriteVersion:], sb.requiredWriteVersion)
	b[sbOffMounted] = sb.mounted
	binary.LittleEndian.PutUint64(b[sbOffBlockSize:], sb.blockSize)
	binary.LittleEndian.PutUint64(b[sbOffBlockCount:], sb.blockCount)
	binary.LittleEndian.PutUint64(b[sbOffBlocksUsed:], sb.blocksUsed)
	binary.LittleEndian.PutUint16(b[sbOffBlocksPerGroup:], sb.blocksPerGroup)
	binary.LittleEndian.PutUint64(b[sbOffGroupCount:], sb.groupCount)
	binary.LittleEndian.PutUint64(b[sbOffBlocksPerGroupExtTbl:], sb.blocksPerGroupExtentTable)
	sb.gdt.toBytes(b[sbOffGDT:])
	sb.rootDirectoryFileEntry.toBytes(b[sbOffRootDirEntry:])
	copy(b[sbOffIdentifier:], sb.identifier[:])
	copy(b[sbOffOSInstallation:], sb.osInstallation[:])
	return b
}

// validate checks the invariants from the data model: block size is a
// power of two within bounds, and the volume's claimed block accounting is
// internally consistent. It does not check version/mount state; those are
// mount-protocol concerns checked by the caller.
func (sb *superblock) validate() error {
	if sb.blockSize < minBlockSize || sb.blockSize > maxBlockSize || sb.blockSize&(sb.blockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d is not a power of two in [%d,%d]", ErrCorrupt, sb.blockSize, minBlockSize, maxBlockSize)
	}
	if sb.blocksUsed > sb.blockCount {
		return fmt.Errorf("%w: blocksUsed %d exceeds blockCount %d", ErrCorrupt, sb.blocksUsed, sb.blockCount)
	}
	return nil
}

func (sb *superblock) volumeNameString() string {
	i := bytes.IndexByte(sb.volumeName[:], 0)
	if i < 0 {
		i = len(sb.volumeName)
	}
	return string(sb.volumeName[:i])
}

func (sb *superblock) setVolumeName(name string) {
	for i := range sb.volumeName {
		sb.volumeName[i] = 0
	}
	copy(sb.volumeName[:], []byte(name))
}

// blocksInGroup returns the number of blocks the group g actually spans;
// every group is a full blocksPerGroup except possibly the last, which may
// be a short remainder.
func (sb *superblock) blocksInGroup(g uint64) uint64 {
	if g == sb.groupCount-1 {
		rem := sb.blockCount % uint64(sb.blocksPerGroup)
		if rem != 0 {
			return rem
		}
	}
	return uint64(sb.blocksPerGroup)
}
