package essencefs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/BrettRToomey/essence/device"
)

// DefaultVolumeName is used when FormatParams.VolumeName is empty.
const DefaultVolumeName = "ESSENCE"

// blockSizeForDeviceSize implements the size-tiered default from the
// format protocol: the smallest block size that keeps the device's extent
// tables and LocalExtent (uint16 offset/count) addressing sane for its
// capacity.
func blockSizeForDeviceSize(sizeBytes uint64) uint64 {
	const (
		mib = 1024 * 1024
		gib = 1024 * mib
		tib = 1024 * gib
	)
	switch {
	case sizeBytes <= 512*mib:
		return 512
	case sizeBytes <= 1*gib:
		return 1024
	case sizeBytes <= 2*gib:
		return 2048
	case sizeBytes <= 256*gib:
		return 4096
	case sizeBytes <= 256*tib:
		return 8192
	default:
		return 16384
	}
}

func blocksNeededToStore(sizeBytes, blockSize uint64) uint64 {
	return (sizeBytes + blockSize - 1) / blockSize
}

// Format lays down a brand-new volume of sizeBytes on dev; dev's own size
// is not queried. It is a single-shot, offline operation: dev must not
// be concurrently mounted elsewhere.
func Format(dev device.BlockDevice, sizeBytes uint64, params FormatParams) error {
	log := params.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	blockSize := params.BlockSize
	if blockSize == 0 {
		blockSize = blockSizeForDeviceSize(sizeBytes)
	}
	if blockSize < minBlockSize || blockSize > maxBlockSize || blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("essencefs: invalid format block size %d", blockSize)
	}

	name := params.VolumeName
	if name == "" {
		name = DefaultVolumeName
	}

	totalBlocks := sizeBytes / blockSize
	bootSuperBlocks := (2 * uint64(bootBlockBytes)) / blockSize // boot block + superblock, both ways
	backupBlocks := uint64(superblockBytes) / blockSize

	if totalBlocks <= bootSuperBlocks+backupBlocks+4 {
		return fmt.Errorf("essencefs: device of %d bytes is too small to format at block size %d", sizeBytes, blockSize)
	}

	usableBlocks := totalBlocks - backupBlocks

	blocksPerGroup := uint64(4096)
	dataBlocks := usableBlocks - bootSuperBlocks
	for blocksPerGroup > 32 && dataBlocks < blocksPerGroup {
		blocksPerGroup /= 2
	}
	if blocksPerGroup > 0xFFFF {
		blocksPerGroup = 0xFFFF
	}

	groupCount := (dataBlocks + blocksPerGroup - 1) / blocksPerGroup
	if groupCount == 0 {
		groupCount = 1
	}

	blocksPerGroupExtentTable := blocksNeededToStore(blocksPerGroup*uint64(localExtentSize), blockSize)

	blocksInGDT := blocksNeededToStore(groupCount*uint64(groupDescriptorSize), blockSize)

	gdtOffset := bootSuperBlocks
	rootOffset := gdtOffset + blocksInGDT

	initialBlockUsage := bootSuperBlocks + blocksInGDT + 1 /* root entry */ + blocksPerGroupExtentTable
	if initialBlockUsage >= blocksPerGroup {
		return fmt.Errorf("essencefs: group size %d blocks is too small to hold the volume header", blocksPerGroup)
	}

	sb := &superblock{
		requiredReadVersion:       driverVersion,
		requiredWriteVersion:      driverVersion,
		mounted:                   0,
		blockSize:                 blockSize,
		blockCount:                usableBlocks,
		blocksUsed:                initialBlockUsage,
		blocksPerGroup:            uint16(blocksPerGroup),
		groupCount:                groupCount,
		blocksPerGroupExtentTable: blocksPerGroupExtentTable,
		gdt:                       LocalExtent{Offset: uint16(gdtOffset), Count: uint16(blocksInGDT)},
		rootDirectoryFileEntry:    LocalExtent{Offset: uint16(rootOffset), Count: 1},
		identifier:                newUUID(),
		osInstallation:            newUUID(),
	}
	sb.setVolumeName(name)

	gdt := &groupDescriptorTable{entries: make([]groupDescriptor, groupCount)}
	gdt.entries[0] = groupDescriptor{
		extentTable: rootOffset + 1,
		extentCount: 1,
		blocksUsed:  uint16(initialBlockUsage),
	}

	v := &Volume{dev: dev, sb: sb, gdt: gdt, nodes: make(map[UniqueIdentifier]*Node), log: log}
	v.sectorsPerBlock = blockSize / uint64(dev.SectorSize())
	if v.sectorsPerBlock == 0 {
		v.sectorsPerBlock = 1
	}

	// Group 0's extent table sits immediately after the root directory
	// entry block; the rest of group 0 is one free extent.
	freeLocal := LocalExtent{
		Offset: uint16(initialBlockUsage),
		Count:  uint16(sb.blocksInGroup(0) - initialBlockUsage),
	}
	extentTableBytes := make([]byte, blocksPerGroupExtentTable*blockSize)
	freeLocal.toBytes(extentTableBytes[0:])
	if err := v.writeBlocks(gdt.entries[0].extentTable, extentTableBytes); err != nil {
		return fmt.Errorf("essencefs: writing initial extent table: %w", err)
	}

	if err := v.writeBlocks(gdtOffset, gdt.toBytes(blockSize)); err != nil {
		return fmt.Errorf("essencefs: writing GDT: %w", err)
	}

	root := newFileEntry(fileTypeDirectory)
	root.putAttribute(newFileDataAttribute())
	root.putAttribute(&attributeFileDirectory{itemsInDirectory: 0})
	root.putAttribute(&attributeFileSecurity{owner: sb.identifier})
	rootBytes, err := root.toBlockBytes(blockSize)
	if err != nil {
		return fmt.Errorf("essencefs: encoding root directory entry: %w", err)
	}
	if err := v.writeBlocks(rootOffset, rootBytes); err != nil {
		return fmt.Errorf("essencefs: writing root directory entry: %w", err)
	}

	if err := v.writeSuperblock(); err != nil {
		return fmt.Errorf("essencefs: writing superblock: %w", err)
	}

	log.WithFields(logrus.Fields{
		"blockSize":      blockSize,
		"blockCount":     usableBlocks,
		"groupCount":     groupCount,
		"blocksPerGroup": blocksPerGroup,
		"rootBlock":      rootOffset,
	}).Info("essencefs: format complete")

	return nil
}
