package essencefs

import (
	"encoding/binary"
	"fmt"
)

// groupDescriptor is one entry of the GDT. Padded to 32 bytes on disk.
type groupDescriptor struct {
	extentTable uint64 // global block number; 0 means uninitialised
	extentCount uint16
	blocksUsed  uint16
}

func groupDescriptorFromBytes(b []byte) groupDescriptor {
	return groupDescriptor{
		extentTable: binary.LittleEndian.Uint64(b[0:8]),
		extentCount: binary.LittleEndian.Uint16(b[8:10]),
		blocksUsed:  binary.LittleEndian.Uint16(b[10:12]),
	}
}

func (gd groupDescriptor) toBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], gd.extentTable)
	binary.LittleEndian.PutUint16(b[8:10], gd.extentCount)
	binary.LittleEndian.PutUint16(b[10:12], gd.blocksUsed)
}

func (gd groupDescriptor) initialised() bool { return gd.extentTable != 0 }

// groupDescriptorTable is the in-memory image of the GDT, one decoded entry
// per block group; toBytes serialises the whole table whenever it is
// written back.
type groupDescriptorTable struct {
	entries []groupDescriptor
}

func groupDescriptorTableFromBytes(b []byte, count uint64) (*groupDescriptorTable, error) {
	need := count * groupDescriptorSize
	if uint64(len(b)) < need {
		return nil, fmt.Errorf("GDT buffer of %d bytes is smaller than %d entries (%d bytes): %w", len(b), count, need, ErrCorrupt)
	}
	gdt := &groupDescriptorTable{entries: make([]groupDescriptor, count)}
	for i := uint64(0); i < count; i++ {
		gdt.entries[i] = groupDescriptorFromBytes(b[i*groupDescriptorSize:])
	}
	return gdt, nil
}

// toBytes serialises the table and pads it out to a whole number of
// blockSize-byte blocks, since it is always persisted with writeBlocks,
// which requires a block-aligned buffer.
func (gdt *groupDescriptorTable) toBytes(blockSize uint64) []byte {
	raw := uint64(len(gdt.entries)) * groupDescriptorSize
	b := make([]byte, blocksNeededToStore(raw, blockSize)*blockSize)
	for i, e := range gdt.entries {
		e.toBytes(b[uint64(i)*groupDescriptorSize:])
	}
	return b
}
