package essencefs

import (
	"fmt"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/BrettRToomey/essence/device"
)

// Params configures Register.
type Params struct {
	// Logger receives mount/unmount/fault diagnostics. Defaults to
	// logrus.StandardLogger() when nil.
	Logger *logrus.Logger
}

// FormatParams configures Format.
type FormatParams struct {
	VolumeName string
	// BlockSize overrides the size-derived default when non-zero. Must be
	// a power of two in [minBlockSize,maxBlockSize].
	BlockSize uint64
	Logger    *logrus.Logger
}

// Volume is the mounted, in-memory handle for one EssenceFS volume: the
// sole owner of the superblock, the GDT, and the block device port. Every
// public operation below holds mu for its full duration.
type Volume struct {
	dev device.BlockDevice

	mu sync.Mutex

	sb    *superblock
	gdt   *groupDescriptorTable
	hints *groupHintCache

	nodesMu sync.Mutex
	nodes   map[UniqueIdentifier]*Node
	root    *Node

	log      *logrus.Logger
	readOnly bool

	sectorsPerBlock uint64
}

func (v *Volume) blockSize() uint64 { return v.sb.blockSize }

// groupOfBlock resolves a global block number to its owning group and the
// block's offset within that group.
func (v *Volume) groupOfBlock(global uint64) (group uint64, local uint64) {
	group = global / uint64(v.sb.blocksPerGroup)
	local = global % uint64(v.sb.blocksPerGroup)
	return
}

// firstBlockOfGroup returns the global block number at which group g
// starts.
func (v *Volume) firstBlockOfGroup(g uint64) uint64 {
	return g * uint64(v.sb.blocksPerGroup)
}

// readBlocks reads count blocks starting at global block `start` into a
// freshly allocated buffer.
func (v *Volume) readBlocks(start, count uint64) ([]byte, error) {
	buf := make([]byte, count*v.blockSize())
	if err := v.access(start*v.blockSize(), device.Read, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeBlocks writes data, which must be an exact multiple of the block
// size, starting at global block `start`.
func (v *Volume) writeBlocks(start uint64, data []byte) error {
	if uint64(len(data))%v.blockSize() != 0 {
		return fmt.Errorf("essencefs: write of %d bytes is not block-aligned (block size %d)", len(data), v.blockSize())
	}
	return v.access(start*v.blockSize(), device.Write, data)
}

// access chunks a transfer into pieces no larger than the device's
// reported max transfer, as the block device port contract requires.
func (v *Volume) access(offsetBytes uint64, op device.AccessOp, buf []byte) error {
	maxXfer := v.dev.MaxTransferBytes()
	if maxXfer <= 0 {
		maxXfer = int64(len(buf))
		if maxXfer == 0 {
			maxXfer = 1
		}
	}
	off := int64(offsetBytes)
	remaining := buf
	for len(remaining) > 0 {
		chunk := remaining
		if int64(len(chunk)) > maxXfer {
			chunk = chunk[:maxXfer]
		}
		if err := v.dev.Access(off, op, chunk); err != nil {
			return fmt.Errorf("essencefs: %s failed at block-device offset %d: %w", op, off, err)
		}
		off += int64(len(chunk))
		remaining = remaining[len(chunk):]
	}
	return nil
}

func (v *Volume) fault(format string, args ...interface{}) error {
	v.readOnly = true
	err := fmt.Errorf(format, args...)
	v.log.WithError(err).Error("essencefs: structural fault, volume marked read-only")
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}

func newUUID() [16]byte {
	var out [16]byte
	copy(out[:], uuid.NewV4().Bytes())
	return out
}
