//go:build !linux

package device

import "fmt"

// OpenRawBlockDevice is only implemented on linux, where BLKSSZGET and
// BLKGETSIZE64 are available. Elsewhere, format/mount against a raw block
// special file isn't supported; use a regular file image instead.
func OpenRawBlockDevice(path string) (*FileBlockDevice, error) {
	return nil, fmt.Errorf("device: raw block devices are not supported on this platform (opening %s)", path)
}
