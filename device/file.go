package device

import (
	"fmt"
	"os"
)

// defaultMaxTransferBytes caps a single Access when the backing file is a
// plain regular file with no device-reported transfer limit of its own.
const defaultMaxTransferBytes = 4 * 1024 * 1024

// FileBlockDevice backs the block device port with a regular os.File,
// either a volume image or (on platforms without a RawBlockDevice) a real
// block special file opened like any other file.
type FileBlockDevice struct {
	f          *os.File
	sectorSize int64
	maxXfer    int64
}

// NewFileBlockDevice wraps f as a BlockDevice reporting the given sector
// size. A sectorSize of 0 defaults to 512, the universal minimum.
func NewFileBlockDevice(f *os.File, sectorSize int64) *FileBlockDevice {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	return &FileBlockDevice{f: f, sectorSize: sectorSize, maxXfer: defaultMaxTransferBytes}
}

func (d *FileBlockDevice) Access(offsetBytes int64, op AccessOp, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	switch op {
	case Read:
		n, err := d.f.ReadAt(buf, offsetBytes)
		if err != nil {
			return fmt.Errorf("block device read at %d: %w", offsetBytes, err)
		}
		if n != len(buf) {
			return &ErrShortTransfer{Op: Read, Wanted: len(buf), Got: n, AtOffset: offsetBytes}
		}
		return nil
	case Write:
		n, err := d.f.WriteAt(buf, offsetBytes)
		if err != nil {
			return fmt.Errorf("block device write at %d: %w", offsetBytes, err)
		}
		if n != len(buf) {
			return &ErrShortTransfer{Op: Write, Wanted: len(buf), Got: n, AtOffset: offsetBytes}
		}
		return nil
	default:
		return fmt.Errorf("unknown access op %v", op)
	}
}

func (d *FileBlockDevice) SectorSize() int64 { return d.sectorSize }

func (d *FileBlockDevice) MaxTransferBytes() int64 { return d.maxXfer }

func (d *FileBlockDevice) Close() error { return d.f.Close() }

// Size returns the current size of the backing file in bytes.
func (d *FileBlockDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate grows or shrinks the backing file, used once at format time to
// materialise a fresh volume image of the requested size.
func (d *FileBlockDevice) Truncate(size int64) error {
	return d.f.Truncate(size)
}
