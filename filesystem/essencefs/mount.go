package essencefs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/BrettRToomey/essence/device"
)

// Register mounts dev as an EssenceFS volume, implementing C7's Register
// and C2's mount protocol together: read the superblock, verify its
// signature and version, refuse an already-mounted volume, load the GDT,
// and persist mounted=1 before returning.
func Register(dev device.BlockDevice, params Params) (*Volume, error) {
	log := params.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	v := &Volume{dev: dev, nodes: make(map[UniqueIdentifier]*Node), log: log}

	sbBytes, err := v.readRawAt(bootBlockBytes, superblockBytes)
	if err != nil {
		return nil, fmt.Errorf("essencefs: reading superblock: %w", err)
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil, err
	}
	v.sb = sb

	if sb.requiredReadVersion > driverVersion || sb.requiredWriteVersion > driverVersion {
		return nil, fmt.Errorf("%w: volume requires read=%d write=%d, driver supports %d",
			ErrVersionUnsupported, sb.requiredReadVersion, sb.requiredWriteVersion, driverVersion)
	}
	if sb.mounted != 0 {
		log.Warn("essencefs: refusing to mount an already-mounted volume")
		return nil, ErrAlreadyMounted
	}

	v.sectorsPerBlock = sb.blockSize / uint64(dev.SectorSize())
	if v.sectorsPerBlock == 0 {
		v.sectorsPerBlock = 1
	}

	gdtBytes, err := v.readBlocks(uint64(sb.gdt.Offset), uint64(sb.gdt.Count))
	if err != nil {
		return nil, fmt.Errorf("essencefs: reading GDT: %w", err)
	}
	gdt, err := groupDescriptorTableFromBytes(gdtBytes, sb.groupCount)
	if err != nil {
		return nil, err
	}
	v.gdt = gdt
	v.hints = newGroupHintCache(sb.groupCount, uint64(sb.blocksPerGroup))

	rootBytes, err := v.readBlocks(uint64(sb.rootDirectoryFileEntry.Offset), 1)
	if err != nil {
		return nil, fmt.Errorf("essencefs: reading root directory entry: %w", err)
	}
	rootEntry, rootLen, err := fileEntryFromBytes(rootBytes)
	if err != nil {
		return nil, fmt.Errorf("essencefs: decoding root directory entry: %w", err)
	}
	v.root = &Node{
		identifier:      rootEntry.uid,
		entry:           rootEntry,
		containerBlock:  uint64(sb.rootDirectoryFileEntry.Offset),
		fileEntryLength: rootLen,
	}
	v.registerNode(v.root)

	sb.mounted = 1
	if err := v.writeSuperblock(); err != nil {
		return nil, fmt.Errorf("essencefs: persisting mounted flag: %w", err)
	}

	return v, nil
}

// Unmount writes back the GDT, clears the mounted flag, and persists the
// superblock (primary and backup copies).
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writeBlocks(uint64(v.sb.gdt.Offset), v.gdt.toBytes(v.blockSize())); err != nil {
		return fmt.Errorf("essencefs: writing GDT on unmount: %w", err)
	}
	v.sb.mounted = 0
	if err := v.writeSuperblock(); err != nil {
		return fmt.Errorf("essencefs: writing superblock on unmount: %w", err)
	}
	return v.dev.Close()
}

func (v *Volume) writeSuperblock() error {
	sbBytes := v.sb.toBytes()
	if err := v.writeRawAt(bootBlockBytes, sbBytes); err != nil {
		return err
	}
	// blockCount already excludes the trailing backup region, so its byte
	// offset is exactly where that region starts.
	backupOffset := v.sb.blockCount * v.sb.blockSize
	return v.writeRawAt(backupOffset, sbBytes)
}

// readRawAt/writeRawAt operate at byte granularity below block alignment,
// used only for the boot/superblock region which is defined in absolute
// byte offsets rather than blocks.
func (v *Volume) readRawAt(offset uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := v.access(offset, device.Read, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *Volume) writeRawAt(offset uint64, data []byte) error {
	return v.access(offset, device.Write, data)
}
