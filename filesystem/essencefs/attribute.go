package essencefs

import (
	"encoding/binary"
	"fmt"
)

// attribute is one entry of a FileEntry's or DirectoryEntry's tagged
// attribute list. encode returns the full wire form, header included.
type attribute interface {
	attrType() uint16
	encode() []byte
}

func attributeHeaderBytes(attrType, size uint16) []byte {
	b := make([]byte, attributeHeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], attrType)
	binary.LittleEndian.PutUint16(b[2:4], size)
	return b
}

// findAttribute linearly scans a buffer of encoded attributes starting at
// listStart, stopping at the first match or at attributeListEnd. It
// returns the byte offset (relative to the start of b) of the match, its
// declared size, and whether it was found. Passing attributeListEnd as the
// wanted type returns the terminator itself.
func findAttribute(b []byte, listStart int, wanted uint16) (offset int, size uint16, found bool) {
	pos := listStart
	for pos+attributeHeaderSize <= len(b) {
		t := binary.LittleEndian.Uint16(b[pos : pos+2])
		sz := binary.LittleEndian.Uint16(b[pos+2 : pos+4])
		if t == wanted {
			return pos, sz, true
		}
		if t == attributeListEnd {
			return pos, attributeHeaderSize, wanted == attributeListEnd
		}
		if sz < attributeHeaderSize {
			return 0, 0, false
		}
		pos += int(sz)
	}
	return 0, 0, false
}

// attributeListEncodedLength returns the byte offset just past
// attributeListEnd's header, i.e. the total encoded length of a whole
// attribute list starting at listStart.
func attributeListEncodedLength(b []byte, listStart int) (int, error) {
	offset, _, found := findAttribute(b, listStart, attributeListEnd)
	if !found {
		return 0, fmt.Errorf("%w: attribute list has no terminator", ErrCorrupt)
	}
	return offset + attributeHeaderSize, nil
}

// --- FILE_DATA -------------------------------------------------------

const fileDataAttributeSize = attributeHeaderSize + 8 + 1 + 2 + 8 + directBytesCapacity

// attributeFileData is the tagged union of direct bytes, inline
// GlobalExtents, or inline indirect-block pointers. Exactly one
// interpretation of the trailing payload is valid at a time, keyed by
// indirection; the other fields of the union are never read until that tag
// says they are live.
type attributeFileData struct {
	streamID    uint64
	indirection uint8
	extentCount uint16
	size        uint64

	direct    [directBytesCapacity]byte
	indirect  [indirectExtentCapacity]GlobalExtent
	indirect2 [indirect2BlockCapacity]uint64
}

func newFileDataAttribute() *attributeFileData {
	return &attributeFileData{indirection: indirectionDirect}
}

func (a *attributeFileData) attrType() uint16 { return attrTypeFileData }

func (a *attributeFileData) encode() []byte {
	b := make([]byte, fileDataAttributeSize)
	copy(b[0:attributeHeaderSize], attributeHeaderBytes(attrTypeFileData, fileDataAttributeSize))
	o := attributeHeaderSize
	binary.LittleEndian.PutUint64(b[o:], a.streamID)
	o += 8
	b[o] = a.indirection
	o++
	binary.LittleEndian.PutUint16(b[o:], a.extentCount)
	o += 2
	binary.LittleEndian.PutUint64(b[o:], a.size)
	o += 8
	switch a.indirection {
	case indirectionDirect:
		copy(b[o:], a.direct[:])
	case indirectionIndirect:
		for i := 0; i < indirectExtentCapacity; i++ {
			a.indirect[i].toBytes(b[o+i*globalExtentSize:])
		}
	case indirectionIndirect2:
		for i := 0; i < indirect2BlockCapacity; i++ {
			binary.LittleEndian.PutUint64(b[o+i*8:], a.indirect2[i])
		}
	}
	return b
}

func attributeFileDataFromBytes(b []byte) (*attributeFileData, error) {
	if len(b) < fileDataAttributeSize {
		return nil, fmt.Errorf("%w: FILE_DATA attribute truncated", ErrCorrupt)
	}
	a := &attributeFileData{}
	o := attributeHeaderSize
	a.streamID = binary.LittleEndian.Uint64(b[o:])
	o += 8
	a.indirection = b[o]
	o++
	a.extentCount = binary.LittleEndian.Uint16(b[o:])
	o += 2
	a.size = binary.LittleEndian.Uint64(b[o:])
	o += 8
	switch a.indirection {
	case indirectionDirect:
		copy(a.direct[:], b[o:o+directBytesCapacity])
	case indirectionIndirect:
		for i := 0; i < indirectExtentCapacity; i++ {
			a.indirect[i] = globalExtentFromBytes(b[o+i*globalExtentSize:])
		}
	case indirectionIndirect2:
		for i := 0; i < indirect2BlockCapacity; i++ {
			a.indirect2[i] = binary.LittleEndian.Uint64(b[o+i*8:])
		}
	default:
		return nil, fmt.Errorf("%w: mode %d", ErrUnsupportedMode, a.indirection)
	}
	return a, nil
}

// --- FILE_DIRECTORY ---------------------------------------------------

const fileDirectoryAttributeSize = attributeHeaderSize + 8

type attributeFileDirectory struct {
	itemsInDirectory uint64
}

func (a *attributeFileDirectory) attrType() uint16 { return attrTypeFileDirectory }

func (a *attributeFileDirectory) encode() []byte {
	b := make([]byte, fileDirectoryAttributeSize)
	copy(b, attributeHeaderBytes(attrTypeFileDirectory, fileDirectoryAttributeSize))
	binary.LittleEndian.PutUint64(b[attributeHeaderSize:], a.itemsInDirectory)
	return b
}

func attributeFileDirectoryFromBytes(b []byte) (*attributeFileDirectory, error) {
	if len(b) < fileDirectoryAttributeSize {
		return nil, fmt.Errorf("%w: FILE_DIRECTORY attribute truncated", ErrCorrupt)
	}
	return &attributeFileDirectory{itemsInDirectory: binary.LittleEndian.Uint64(b[attributeHeaderSize:])}, nil
}

// --- DIRECTORY_NAME ----------------------------------------------------

type attributeDirectoryName struct {
	name string
}

func (a *attributeDirectoryName) attrType() uint16 { return attrTypeDirectoryName }

func (a *attributeDirectoryName) encode() []byte {
	size := uint16(attributeHeaderSize + 1 + len(a.name))
	b := make([]byte, size)
	copy(b, attributeHeaderBytes(attrTypeDirectoryName, size))
	b[attributeHeaderSize] = uint8(len(a.name))
	copy(b[attributeHeaderSize+1:], a.name)
	return b
}

func attributeDirectoryNameFromBytes(b []byte) (*attributeDirectoryName, error) {
	if len(b) < attributeHeaderSize+1 {
		return nil, fmt.Errorf("%w: DIRECTORY_NAME attribute truncated", ErrCorrupt)
	}
	n := int(b[attributeHeaderSize])
	if len(b) < attributeHeaderSize+1+n {
		return nil, fmt.Errorf("%w: DIRECTORY_NAME attribute truncated", ErrCorrupt)
	}
	return &attributeDirectoryName{name: string(b[attributeHeaderSize+1 : attributeHeaderSize+1+n])}, nil
}

// --- FILE_SECURITY (supplemental) --------------------------------------

const fileSecurityAttributeSize = attributeHeaderSize + 16

// attributeFileSecurity carries an owner UniqueIdentifier. It is inert
// metadata: nothing in the engine reads it back to make an access
// decision, matching the original, which never enforced it either.
type attributeFileSecurity struct {
	owner UniqueIdentifier
}

func (a *attributeFileSecurity) attrType() uint16 { return attrTypeFileSecurity }

func (a *attributeFileSecurity) encode() []byte {
	b := make([]byte, fileSecurityAttributeSize)
	copy(b, attributeHeaderBytes(attrTypeFileSecurity, fileSecurityAttributeSize))
	copy(b[attributeHeaderSize:], a.owner[:])
	return b
}

func attributeFileSecurityFromBytes(b []byte) (*attributeFileSecurity, error) {
	if len(b) < fileSecurityAttributeSize {
		return nil, fmt.Errorf("%w: FILE_SECURITY attribute truncated", ErrCorrupt)
	}
	a := &attributeFileSecurity{}
	copy(a.owner[:], b[attributeHeaderSize:fileSecurityAttributeSize])
	return a, nil
}

// --- DIRECTORY_FILE (embeds a full FileEntry) --------------------------

type attributeDirectoryFile struct {
	entry *fileEntry
}

func (a *attributeDirectoryFile) attrType() uint16 { return attrTypeDirectoryFile }

func (a *attributeDirectoryFile) encode() []byte {
	inner := a.entry.encode()
	size := uint16(attributeHeaderSize + len(inner))
	b := make([]byte, size)
	copy(b, attributeHeaderBytes(attrTypeDirectoryFile, size))
	copy(b[attributeHeaderSize:], inner)
	return b
}

func attributeDirectoryFileFromBytes(b []byte) (*attributeDirectoryFile, error) {
	fe, _, err := fileEntryFromBytes(b[attributeHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &attributeDirectoryFile{entry: fe}, nil
}
