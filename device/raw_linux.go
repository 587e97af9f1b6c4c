//go:build linux

package device

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlGetUint64 performs an ioctl that writes a uint64 result, mirroring
// the other unix.IoctlGet* helpers for request codes (like BLKGETSIZE64)
// that return a 64-bit value.
func ioctlGetUint64(fd int, req uint) (uint64, error) {
	var value uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return 0, errno
	}
	return value, nil
}

// RawBlockDevice backs the block device port directly with a Linux block
// special file, querying the kernel for the device's true sector size and
// capacity rather than trusting a caller-supplied guess.
type RawBlockDevice struct {
	*FileBlockDevice
	sizeBytes int64
}

// OpenRawBlockDevice opens the block device node at path and queries its
// geometry via ioctl, the way a volume tool run against a real disk (rather
// than an image file) needs to.
func OpenRawBlockDevice(path string) (*RawBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open block device %s: %w", path, err)
	}

	fd := int(f.Fd())

	sectorSize, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("BLKSSZGET on %s: %w", path, err)
	}

	size, err := ioctlGetUint64(fd, unix.BLKGETSIZE64)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("BLKGETSIZE64 on %s: %w", path, err)
	}

	return &RawBlockDevice{
		FileBlockDevice: NewFileBlockDevice(f, int64(sectorSize)),
		sizeBytes:       int64(size),
	}, nil
}

// Size reports the device capacity as reported by the kernel at open time.
func (d *RawBlockDevice) Size() (int64, error) {
	return d.sizeBytes, nil
}
