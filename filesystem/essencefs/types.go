package essencefs

import (
	"encoding/binary"

	uuid "github.com/satori/go.uuid"
)

// UniqueIdentifier names a FileEntry. Its low 8 bytes are random; its high
// 8 bytes are overwritten with the global block the entry lives in once
// that's known, giving collision-freedom without a shared counter (the
// "birthday-safe identifier" scheme).
type UniqueIdentifier [16]byte

func newRandomIdentifier() UniqueIdentifier {
	var id UniqueIdentifier
	u := uuid.NewV4()
	copy(id[:8], u.Bytes()[:8])
	return id
}

func (id *UniqueIdentifier) setContainerBlock(block uint64) {
	binary.LittleEndian.PutUint64(id[8:16], block)
}

func (id UniqueIdentifier) containerBlockHint() uint64 {
	return binary.LittleEndian.Uint64(id[8:16])
}

// LocalExtent is relative to the start of its block group.
type LocalExtent struct {
	Offset uint16
	Count  uint16
}

func (e LocalExtent) empty() bool { return e.Count == 0 }

func localExtentFromBytes(b []byte) LocalExtent {
	return LocalExtent{
		Offset: binary.LittleEndian.Uint16(b[0:2]),
		Count:  binary.LittleEndian.Uint16(b[2:4]),
	}
}

func (e LocalExtent) toBytes(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], e.Offset)
	binary.LittleEndian.PutUint16(b[2:4], e.Count)
}

// GlobalExtent is relative to the start of the volume.
type GlobalExtent struct {
	Offset uint64
	Count  uint64
}

func (e GlobalExtent) empty() bool { return e.Count == 0 }

func globalExtentFromBytes(b []byte) GlobalExtent {
	return GlobalExtent{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Count:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (e GlobalExtent) toBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], e.Offset)
	binary.LittleEndian.PutUint64(b[8:16], e.Count)
}
