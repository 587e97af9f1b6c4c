package essencefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"

	"github.com/BrettRToomey/essence/device"
)

func init() {
	logrus.SetOutput(io.Discard)
}

// newTestVolume formats a fresh image of sizeBytes in a temp file and
// mounts it, returning the live Volume; Unmount runs on test cleanup.
func newTestVolume(t *testing.T, sizeBytes uint64) *Volume {
	t.Helper()

	path := filepath.Join(t.TempDir(), "volume.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := f.Truncate(int64(sizeBytes)); err != nil {
		t.Fatalf("truncate image: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close image: %v", err)
	}

	rw, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("reopen image: %v", err)
	}
	dev := device.NewFileBlockDevice(rw, 512)
	if err := Format(dev, sizeBytes, FormatParams{VolumeName: "TESTVOL"}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("close after format: %v", err)
	}

	rw, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("reopen image for mount: %v", err)
	}
	v, err := Register(device.NewFileBlockDevice(rw, 512), Params{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() {
		if err := v.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return v
}

func TestFormatAndMountRoot(t *testing.T) {
	v := newTestVolume(t, 8*1024*1024)

	root := v.Root()
	if !root.isDirectory() {
		t.Fatalf("root node is not a directory")
	}

	children, err := v.Enumerate(root)
	if err != nil {
		t.Fatalf("Enumerate(root): %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("fresh root has %d children, want 0", len(children))
	}
}

func TestCreateScanAndReadWrite(t *testing.T) {
	v := newTestVolume(t, 8*1024*1024)
	root := v.Root()

	n, err := v.Create(root, "hello.txt", fileTypeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := v.Scan(root, "hello.txt")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if found == nil {
		t.Fatalf("Scan did not find the created file")
	}
	if found != n {
		t.Fatalf("Scan returned a different Node than Create for the same open file")
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if err := v.Resize(n, uint64(len(payload))); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := v.Write(n, 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	readBack := make([]byte, len(payload))
	if err := v.Read(n, 0, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBack) != string(payload) {
		t.Fatalf("read back %q, want %q", readBack, payload)
	}

	if err := v.Write(n, uint64(len(payload)), []byte("x")); err == nil {
		t.Fatalf("Write past size should have failed without a prior Resize")
	} else {
		_ = err
	}
}

func TestResizeGrowsThroughIndirectionModes(t *testing.T) {
	v := newTestVolume(t, 32*1024*1024)
	root := v.Root()

	n, err := v.Create(root, "big.dat", fileTypeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, ok := n.entry.fileData()
	if !ok {
		t.Fatalf("new file has no FILE_DATA attribute")
	}
	if fd.indirection != indirectionDirect {
		t.Fatalf("fresh file should start DIRECT, got mode %d", fd.indirection)
	}

	B := v.blockSize()

	// Small enough to stay DIRECT.
	if err := v.Resize(n, 32); err != nil {
		t.Fatalf("Resize to 32: %v", err)
	}
	if fd.indirection != indirectionDirect {
		t.Fatalf("32 bytes should still be DIRECT, got mode %d", fd.indirection)
	}

	// Big enough to force INDIRECT.
	if err := v.Resize(n, 3*B); err != nil {
		t.Fatalf("Resize to 3 blocks: %v", err)
	}
	if fd.indirection != indirectionIndirect {
		t.Fatalf("3 blocks should be INDIRECT, got mode %d", fd.indirection)
	}

	// Force INDIRECT_2 by exceeding 4 extents worth of growth, one block at
	// a time so each grow is its own non-mergeable extent.
	for i := 0; i < indirectExtentCapacity+2; i++ {
		if err := v.Resize(n, fd.size+B); err != nil {
			t.Fatalf("Resize grow step %d: %v", i, err)
		}
	}
	if fd.indirection != indirectionIndirect2 {
		t.Fatalf("growth past %d extents should be INDIRECT_2, got mode %d", indirectExtentCapacity, fd.indirection)
	}

	extents, err := v.materialiseExtents(fd)
	if err != nil {
		t.Fatalf("materialiseExtents: %v", err)
	}
	var totalBlocks uint64
	for _, e := range extents {
		totalBlocks += e.Count
	}
	if totalBlocks != blocksNeededToStore(fd.size, B) {
		t.Fatalf("extent list covers %d blocks, want %d", totalBlocks, blocksNeededToStore(fd.size, B))
	}

	// Shrink straight back down from INDIRECT_2 to DIRECT and check the
	// prefix survived the transition.
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	if err := v.Write(n, 0, payload); err != nil {
		t.Fatalf("Write prefix: %v", err)
	}
	if err := v.Resize(n, 10); err != nil {
		t.Fatalf("Resize shrink to DIRECT: %v", err)
	}
	if fd.indirection != indirectionDirect {
		t.Fatalf("10 bytes should demote to DIRECT, got mode %d", fd.indirection)
	}
	readBack := make([]byte, 10)
	if err := v.Read(n, 0, readBack); err != nil {
		t.Fatalf("Read after shrink: %v", err)
	}
	if deep.Equal(readBack, payload) != nil {
		t.Fatalf("shrink did not preserve prefix: got %v want %v", readBack, payload)
	}
}

// TestGrowDataStreamDiskFullPreservesPrefix drives a stream's growth all the
// way to a genuinely full volume, one block at a time so DIRECT promotes to
// INDIRECT and then INDIRECT_2 along the way, and checks that the call which
// finally hits ErrDiskFull leaves the stream exactly as readable as it was
// before that call, rather than corrupting it mid-promotion.
func TestGrowDataStreamDiskFullPreservesPrefix(t *testing.T) {
	v := newTestVolume(t, 64*1024)
	root := v.Root()

	n, err := v.Create(root, "big.dat", fileTypeFile)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd, ok := n.entry.fileData()
	if !ok {
		t.Fatalf("new file has no FILE_DATA attribute")
	}

	prefix := []byte("keepme!!")
	if err := v.Resize(n, uint64(len(prefix))); err != nil {
		t.Fatalf("initial Resize: %v", err)
	}
	if err := v.Write(n, 0, prefix); err != nil {
		t.Fatalf("Write prefix: %v", err)
	}

	B := v.blockSize()
	lastGoodSize := fd.size
	lastGoodIndirection := fd.indirection
	diskFull := false
	for i := 0; i < 10000; i++ {
		lastGoodSize = fd.size
		lastGoodIndirection = fd.indirection
		if err := v.Resize(n, fd.size+B); err != nil {
			if !errors.Is(err, ErrDiskFull) {
				t.Fatalf("Resize step %d failed with unexpected error: %v", i, err)
			}
			diskFull = true
			break
		}
	}
	if !diskFull {
		t.Fatalf("volume never ran out of space growing one block at a time")
	}

	if fd.size != lastGoodSize {
		t.Fatalf("size after disk-full grow = %d, want unchanged %d", fd.size, lastGoodSize)
	}
	if fd.indirection != lastGoodIndirection {
		t.Fatalf("indirection after disk-full grow = %d, want unchanged %d", fd.indirection, lastGoodIndirection)
	}

	readBack := make([]byte, len(prefix))
	if err := v.Read(n, 0, readBack); err != nil {
		t.Fatalf("Read after disk-full rollback: %v", err)
	}
	if string(readBack) != string(prefix) {
		t.Fatalf("disk-full rollback lost the stream prefix: got %q, want %q", readBack, prefix)
	}
}

func TestDirectoryCreateAndRemove(t *testing.T) {
	v := newTestVolume(t, 16*1024*1024)
	root := v.Root()

	const count = 200
	nodes := make([]*Node, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("f%03d", i)
		n, err := v.Create(root, name, fileTypeFile)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		nodes[i] = n
	}

	dirAttr, ok := root.entry.directory()
	if !ok {
		t.Fatalf("root missing FILE_DIRECTORY attribute")
	}
	if dirAttr.itemsInDirectory != count {
		t.Fatalf("itemsInDirectory = %d, want %d", dirAttr.itemsInDirectory, count)
	}

	children, err := v.Enumerate(root)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(children) != count {
		t.Fatalf("Enumerate returned %d children, want %d", len(children), count)
	}

	victim := nodes[50]
	if err := v.Remove(root, victim); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if dirAttr.itemsInDirectory != count-1 {
		t.Fatalf("itemsInDirectory after remove = %d, want %d", dirAttr.itemsInDirectory, count-1)
	}

	children, err = v.Enumerate(root)
	if err != nil {
		t.Fatalf("Enumerate after remove: %v", err)
	}
	if len(children) != count-1 {
		t.Fatalf("Enumerate after remove returned %d children, want %d", len(children), count-1)
	}
	for _, c := range children {
		if c.Name == "f050" {
			t.Fatalf("removed entry f050 still present after Remove")
		}
	}

	found, err := v.Scan(root, "f051")
	if err != nil {
		t.Fatalf("Scan f051 after remove: %v", err)
	}
	if found == nil {
		t.Fatalf("f051 should still be findable after removing its neighbour")
	}
}

func TestFileEntryRoundTrip(t *testing.T) {
	fe := newFileEntry(fileTypeFile)
	fe.putAttribute(newFileDataAttribute())

	encoded := fe.encode()
	decoded, n, err := fileEntryFromBytes(encoded)
	if err != nil {
		t.Fatalf("fileEntryFromBytes: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("decoded length %d, want %d", n, len(encoded))
	}
	if diff := deep.Equal(decoded.uid, fe.uid); diff != nil {
		t.Fatalf("uid round-trip mismatch: %v", diff)
	}
	if decoded.fileType != fe.fileType {
		t.Fatalf("fileType round-trip mismatch: got %d want %d", decoded.fileType, fe.fileType)
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &superblock{
		requiredReadVersion:       1,
		requiredWriteVersion:      1,
		blockSize:                 4096,
		blockCount:                1000,
		blocksUsed:                10,
		blocksPerGroup:            256,
		groupCount:                4,
		blocksPerGroupExtentTable: 1,
		gdt:                       LocalExtent{Offset: 32, Count: 1},
		rootDirectoryFileEntry:    LocalExtent{Offset: 33, Count: 1},
	}
	sb.setVolumeName("ROUNDTRIP")

	// Every superblock field is unexported; deep skips those unless told.
	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()

	decoded, err := superblockFromBytes(sb.toBytes())
	if err != nil {
		t.Fatalf("superblockFromBytes: %v", err)
	}
	if diff := deep.Equal(decoded, sb); diff != nil {
		t.Fatalf("superblock round-trip mismatch: %v", diff)
	}
}

func TestRegisterRefusesAlreadyMountedVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if err := f.Truncate(8 * 1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	rw, _ := os.OpenFile(path, os.O_RDWR, 0)
	dev := device.NewFileBlockDevice(rw, 512)
	if err := Format(dev, 8*1024*1024, FormatParams{}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	dev.Close()

	rw1, _ := os.OpenFile(path, os.O_RDWR, 0)
	v1, err := Register(device.NewFileBlockDevice(rw1, 512), Params{})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	defer v1.Unmount()

	rw2, _ := os.OpenFile(path, os.O_RDWR, 0)
	defer rw2.Close()
	_, err = Register(device.NewFileBlockDevice(rw2, 512), Params{})
	if err == nil {
		t.Fatalf("second Register on an already-mounted volume should have failed")
	}
}
