package essencefs

import (
	"fmt"
	"io"
)

// File is an io.ReadWriteSeeker over a Node's data stream. It holds its own
// handle reference on the node, taken by OpenFile: closing it releases that
// handle.
type File struct {
	v      *Volume
	node   *Node
	offset int64
}

// OpenFile wraps an already-open Node for streaming access, taking its own
// handle reference on n independent of the caller's. n must not be a
// directory; the caller keeps whatever handle it already held and remains
// responsible for releasing it separately from Close.
func (v *Volume) OpenFile(n *Node) (*File, error) {
	if n.isDirectory() {
		return nil, ErrIncorrectNodeType
	}
	v.addHandle(n)
	return &File{v: v, node: n}, nil
}

func (f *File) Read(b []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	fd, ok := f.node.entry.fileData()
	if !ok {
		return 0, f.v.fault("read: node %x has no FILE_DATA attribute", f.node.identifier)
	}
	if f.offset >= int64(fd.size) {
		return 0, io.EOF
	}
	avail := int64(fd.size) - f.offset
	n := len(b)
	if int64(n) > avail {
		n = int(avail)
	}
	if n == 0 {
		return 0, nil
	}
	if err := f.v.readStream(fd, uint64(f.offset), uint64(n), b[:n]); err != nil {
		return 0, err
	}
	f.offset += int64(n)
	return n, nil
}

// Write grows the stream as needed before writing, unlike the VFS-level
// Write operation, which never grows.
func (f *File) Write(b []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	fd, ok := f.node.entry.fileData()
	if !ok {
		return 0, f.v.fault("write: node %x has no FILE_DATA attribute", f.node.identifier)
	}
	if len(b) == 0 {
		return 0, nil
	}
	end := uint64(f.offset) + uint64(len(b))
	if end > fd.size {
		if err := f.v.resizeDataStream(fd, end, true, f.node.containerBlock); err != nil {
			return 0, err
		}
		if err := f.v.sync(f.node); err != nil {
			return 0, err
		}
	}
	if _, err := f.v.writeStream(fd, uint64(f.offset), uint64(len(b)), b); err != nil {
		return 0, err
	}
	f.offset += int64(len(b))
	return len(b), nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	fd, ok := f.node.entry.fileData()
	if !ok {
		return 0, f.v.fault("seek: node %x has no FILE_DATA attribute", f.node.identifier)
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fd.size) + offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	default:
		return f.offset, fmt.Errorf("essencefs: invalid whence %d", whence)
	}
	if newOffset < 0 {
		return f.offset, fmt.Errorf("essencefs: cannot seek to negative offset %d", newOffset)
	}
	f.offset = newOffset
	return f.offset, nil
}

// Close releases the handle reference this File was opened with. It does
// not sync; callers that mutated the node's attributes directly (rather
// than through Write, which syncs on grow) must call Sync themselves.
func (f *File) Close() error {
	f.v.releaseHandle(f.node)
	return nil
}
