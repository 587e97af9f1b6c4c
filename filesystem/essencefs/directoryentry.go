package essencefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const directoryEntrySignatureLen = 8

// directoryEntry is the in-memory form of a DirectoryEntry: signature,
// DIRECTORY_NAME, DIRECTORY_FILE (a full embedded FileEntry), LIST_END. It
// never spans a block boundary.
type directoryEntry struct {
	name string
	file *fileEntry

	// fileEntryOffset/fileEntryLength describe where file's encoded bytes
	// sit relative to the start of this DirectoryEntry, as decoded from an
	// existing on-disk instance. Zero until directoryEntryFromBytes fills
	// them in; CreateNode computes the equivalent offsets itself when
	// building a fresh entry.
	fileEntryOffset int
	fileEntryLength int
}

func (de *directoryEntry) encode() []byte {
	buf := make([]byte, directoryEntrySignatureLen)
	copy(buf, dirEntrySignature[:])
	buf = append(buf, (&attributeDirectoryName{name: de.name}).encode()...)
	buf = append(buf, (&attributeDirectoryFile{entry: de.file}).encode()...)
	buf = append(buf, attributeHeaderBytes(attributeListEnd, attributeHeaderSize)...)
	return buf
}

// directoryEntryFromBytes decodes one DirectoryEntry starting at b[0] and
// returns it along with its total encoded length.
func directoryEntryFromBytes(b []byte) (*directoryEntry, int, error) {
	if len(b) < directoryEntrySignatureLen {
		return nil, 0, fmt.Errorf("%w: directory entry buffer truncated", ErrCorrupt)
	}
	if !bytes.Equal(b[0:directoryEntrySignatureLen], dirEntrySignature[:]) {
		return nil, 0, fmt.Errorf("%w: directory entry signature mismatch", ErrBadSignature)
	}

	de := &directoryEntry{}
	pos := directoryEntrySignatureLen
	for {
		if pos+attributeHeaderSize > len(b) {
			return nil, 0, fmt.Errorf("%w: directory entry attribute list runs past buffer", ErrCorrupt)
		}
		t := binary.LittleEndian.Uint16(b[pos : pos+2])
		sz := binary.LittleEndian.Uint16(b[pos+2 : pos+4])
		if t == attributeListEnd {
			pos += attributeHeaderSize
			break
		}
		if int(sz) < attributeHeaderSize || pos+int(sz) > len(b) {
			return nil, 0, fmt.Errorf("%w: directory entry attribute of size %d at offset %d is invalid", ErrCorrupt, sz, pos)
		}
		switch t {
		case attrTypeDirectoryName:
			a, err := attributeDirectoryNameFromBytes(b[pos : pos+int(sz)])
			if err != nil {
				return nil, 0, err
			}
			de.name = a.name
		case attrTypeDirectoryFile:
			a, err := attributeDirectoryFileFromBytes(b[pos : pos+int(sz)])
			if err != nil {
				return nil, 0, err
			}
			de.file = a.entry
			de.fileEntryOffset = pos + attributeHeaderSize
			de.fileEntryLength = int(sz) - attributeHeaderSize
		default:
			return nil, 0, fmt.Errorf("%w: unexpected directory entry attribute type %d", ErrCorrupt, t)
		}
		pos += int(sz)
	}

	if de.file == nil {
		return nil, 0, fmt.Errorf("%w: directory entry has no DIRECTORY_FILE attribute", ErrCorrupt)
	}
	return de, pos, nil
}
