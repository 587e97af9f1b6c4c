package essencefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// fileEntry is the in-memory form of a FileEntry: fixed header, followed by
// a tagged attribute list terminated by attributeListEnd. It always fits
// in one block.
type fileEntry struct {
	uid             UniqueIdentifier
	fileType        uint8
	createdSeconds  uint64
	modifiedSeconds uint64
	attributes      []attribute
}

const (
	feOffUID             = 8
	feOffFileType        = feOffUID + 16
	feOffCreatedSeconds  = feOffFileType + 1
	feOffModifiedSeconds = feOffCreatedSeconds + 8
	feOffAttributes      = feOffModifiedSeconds + 8
)

func newFileEntry(fileType uint8) *fileEntry {
	now := uint64(currentUnixTime())
	return &fileEntry{
		uid:             newRandomIdentifier(),
		fileType:        fileType,
		createdSeconds:  now,
		modifiedSeconds: now,
	}
}

// currentUnixTime is split out so tests can't accidentally depend on wall
// clock skew across assertions; production callers just get time.Now().
var currentUnixTime = func() int64 { return time.Now().Unix() }

func (fe *fileEntry) putAttribute(a attribute) {
	fe.attributes = append(fe.attributes, a)
}

// replaceAttribute overwrites the existing attribute of a's type in place,
// or appends it if none is present yet. Callers that replace an attribute
// on an already-persisted entry must use a same-size attribute, or the
// entry's cached fileEntryLength goes stale.
func (fe *fileEntry) replaceAttribute(a attribute) {
	for i, existing := range fe.attributes {
		if existing.attrType() == a.attrType() {
			fe.attributes[i] = a
			return
		}
	}
	fe.attributes = append(fe.attributes, a)
}

// attribute returns the decoded attribute of the given type, if
// present, from the in-memory list.
func (fe *fileEntry) attribute(attrType uint16) (attribute, bool) {
	for _, a := range fe.attributes {
		if a.attrType() == attrType {
			return a, true
		}
	}
	return nil, false
}

func (fe *fileEntry) fileData() (*attributeFileData, bool) {
	a, ok := fe.attribute(attrTypeFileData)
	if !ok {
		return nil, false
	}
	fd, ok := a.(*attributeFileData)
	return fd, ok
}

func (fe *fileEntry) directory() (*attributeFileDirectory, bool) {
	a, ok := fe.attribute(attrTypeFileDirectory)
	if !ok {
		return nil, false
	}
	d, ok := a.(*attributeFileDirectory)
	return d, ok
}

// encode serialises the header and attribute list (including the
// terminator) but does not pad to a block.
func (fe *fileEntry) encode() []byte {
	buf := make([]byte, feOffAttributes)
	copy(buf[0:8], fileEntrySignature[:])
	copy(buf[feOffUID:feOffFileType], fe.uid[:])
	buf[feOffFileType] = fe.fileType
	binary.LittleEndian.PutUint64(buf[feOffCreatedSeconds:], fe.createdSeconds)
	binary.LittleEndian.PutUint64(buf[feOffModifiedSeconds:], fe.modifiedSeconds)
	for _, a := range fe.attributes {
		buf = append(buf, a.encode()...)
	}
	buf = append(buf, attributeHeaderBytes(attributeListEnd, attributeHeaderSize)...)
	return buf
}

// toBlockBytes encodes the entry and pads it out to one full block. The
// entry must fit; callers choosing to put more attributes on an entry than
// one block can hold is a programming error, not a runtime one.
func (fe *fileEntry) toBlockBytes(blockSize uint64) ([]byte, error) {
	enc := fe.encode()
	if uint64(len(enc)) > blockSize {
		return nil, fmt.Errorf("essencefs: file entry of %d bytes does not fit in a %d-byte block", len(enc), blockSize)
	}
	out := make([]byte, blockSize)
	copy(out, enc)
	return out, nil
}

// fileEntryFromBytes decodes a FileEntry starting at b[0] and returns it
// along with its total encoded length (the byte offset just past
// attributeListEnd), i.e. the cached fileEntryLength from the data model.
func fileEntryFromBytes(b []byte) (*fileEntry, int, error) {
	if len(b) < feOffAttributes {
		return nil, 0, fmt.Errorf("%w: file entry buffer truncated", ErrCorrupt)
	}
	if !bytes.Equal(b[0:8], fileEntrySignature[:]) {
		return nil, 0, fmt.Errorf("%w: file entry signature mismatch", ErrBadSignature)
	}

	fe := &fileEntry{
		fileType:        b[feOffFileType],
		createdSeconds:  binary.LittleEndian.Uint64(b[feOffCreatedSeconds:]),
		modifiedSeconds: binary.LittleEndian.Uint64(b[feOffModifiedSeconds:]),
	}
	copy(fe.uid[:], b[feOffUID:feOffFileType])

	pos := feOffAttributes
	for {
		if pos+attributeHeaderSize > len(b) {
			return nil, 0, fmt.Errorf("%w: attribute list runs past buffer", ErrCorrupt)
		}
		t := binary.LittleEndian.Uint16(b[pos : pos+2])
		sz := binary.LittleEndian.Uint16(b[pos+2 : pos+4])
		if t == attributeListEnd {
			pos += attributeHeaderSize
			break
		}
		if int(sz) < attributeHeaderSize || pos+int(sz) > len(b) {
			return nil, 0, fmt.Errorf("%w: attribute of size %d at offset %d is invalid", ErrCorrupt, sz, pos)
		}
		a, err := decodeAttribute(t, b[pos:pos+int(sz)])
		if err != nil {
			return nil, 0, err
		}
		fe.attributes = append(fe.attributes, a)
		pos += int(sz)
	}

	return fe, pos, nil
}

// decodeAttribute decodes one entry of a FileEntry's own attribute list.
// DIRECTORY_NAME and DIRECTORY_FILE belong to the separate DirectoryEntry
// attribute-list namespace (see constants.go) and are decoded by
// directoryEntryFromBytes instead; they never appear here.
func decodeAttribute(attrType uint16, b []byte) (attribute, error) {
	switch attrType {
	case attrTypeFileSecurity:
		return attributeFileSecurityFromBytes(b)
	case attrTypeFileData:
		return attributeFileDataFromBytes(b)
	case attrTypeFileDirectory:
		return attributeFileDirectoryFromBytes(b)
	default:
		return nil, fmt.Errorf("%w: unknown attribute type %d", ErrCorrupt, attrType)
	}
}
