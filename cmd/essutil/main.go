// Command essutil formats, inspects, and populates EssenceFS volume images.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/xattr"
	times "gopkg.in/djherbis/times.v1"

	"github.com/BrettRToomey/essence/device"
	"github.com/BrettRToomey/essence/filesystem/essencefs"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "format":
		err = cmdFormat(args)
	case "tree":
		err = cmdTree(args)
	case "available-extents":
		err = cmdAvailableExtents(args)
	case "create":
		err = cmdCreate(args)
	case "resize":
		err = cmdResize(args)
	case "read":
		err = cmdRead(args)
	case "write":
		err = cmdWrite(args)
	case "import":
		err = cmdImport(args)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "essutil: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: essutil <command> [-raw] [args]

commands:
  format <image> <size> <name>
  tree <image> [path]
  available-extents <image> <group>
  create <image> <path> <name> <file|directory>
  resize <image> <path> <size>
  read <image> <path> <out>
  write <image> <path> <in>
  import <image> <target_path> <folder>

-raw opens <image> as a Linux block special file (BLKSSZGET/BLKGETSIZE64)
instead of a plain regular file.`)
}

func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// openForFormat opens imagePath for writing a brand-new volume, as either a
// regular file (truncated to sizeBytes) or a raw block device (whose size
// comes from the kernel, sizeBytes unused beyond a sanity check).
func openForFormat(imagePath string, sizeBytes uint64, raw bool) (device.BlockDevice, error) {
	if raw {
		dev, err := device.OpenRawBlockDevice(imagePath)
		if err != nil {
			return nil, err
		}
		if got, _ := dev.Size(); uint64(got) < sizeBytes {
			dev.Close()
			return nil, fmt.Errorf("%s reports %d bytes, smaller than requested %d", imagePath, got, sizeBytes)
		}
		return dev, nil
	}
	f, err := os.Create(imagePath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", imagePath, err)
	}
	dev := device.NewFileBlockDevice(f, 0)
	if err := dev.Truncate(int64(sizeBytes)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("truncate %s: %w", imagePath, err)
	}
	return dev, nil
}

func mount(imagePath string, raw bool) (*essencefs.Volume, error) {
	var dev device.BlockDevice
	if raw {
		d, err := device.OpenRawBlockDevice(imagePath)
		if err != nil {
			return nil, err
		}
		dev = d
	} else {
		f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", imagePath, err)
		}
		dev = device.NewFileBlockDevice(f, 0)
	}
	return essencefs.Register(dev, essencefs.Params{})
}

func cmdFormat(args []string) error {
	fs := flag.NewFlagSet("format", flag.ExitOnError)
	raw := fs.Bool("raw", false, "format a raw block device instead of a regular file")
	fs.Parse(args)
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: format [-raw] <image> <size> <name>")
	}
	imagePath, sizeArg, name := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	sizeBytes, err := parseSize(sizeArg)
	if err != nil {
		return err
	}

	dev, err := openForFormat(imagePath, sizeBytes, *raw)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := essencefs.Format(dev, sizeBytes, essencefs.FormatParams{VolumeName: name}); err != nil {
		return err
	}

	volID := uuid.New()
	fmt.Printf("formatted %s (%d bytes) as %q; install id %s\n", imagePath, sizeBytes, name, volID)
	return nil
}

// resolve walks a '/'-separated path from the root, returning an open
// handle to the final component and every intermediate handle it acquired
// along the way, oldest first, so the caller can release them all.
func resolve(v *essencefs.Volume, p string) (*essencefs.Node, []*essencefs.Node, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	node := v.Root()
	if p == "" {
		return node, nil, nil
	}

	var opened []*essencefs.Node
	for _, part := range strings.Split(p, "/") {
		child, err := v.Scan(node, part)
		if err != nil {
			releaseAll(v, opened)
			return nil, nil, err
		}
		if child == nil {
			releaseAll(v, opened)
			return nil, nil, fmt.Errorf("%s: no such entry", part)
		}
		opened = append(opened, child)
		node = child
	}
	return node, opened, nil
}

func releaseAll(v *essencefs.Volume, nodes []*essencefs.Node) {
	for _, n := range nodes {
		v.Release(n)
	}
}

// withVolume parses a flag set carrying -raw plus the given positional
// argument count, mounts the volume, and guarantees Unmount even on error.
func withVolume(name string, args []string, minArgs int, usageLine string, fn func(v *essencefs.Volume, fs *flag.FlagSet) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	raw := fs.Bool("raw", false, "open <image> as a raw block device")
	fs.Parse(args)
	if fs.NArg() < minArgs {
		return fmt.Errorf("usage: %s", usageLine)
	}

	v, err := mount(fs.Arg(0), *raw)
	if err != nil {
		return err
	}
	defer v.Unmount()

	return fn(v, fs)
}

func cmdTree(args []string) error {
	return withVolume("tree", args, 1, "tree [-raw] <image> [path]", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		target := ""
		if fs.NArg() > 1 {
			target = fs.Arg(1)
		}
		node, opened, err := resolve(v, target)
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)
		return walkTree(v, node, "/"+target, 0)
	})
}

func walkTree(v *essencefs.Volume, n *essencefs.Node, name string, depth int) error {
	fmt.Printf("%s%s\n", strings.Repeat("  ", depth), name)

	children, err := v.Enumerate(n)
	if err != nil {
		// Not a directory: leaf, nothing more to print.
		return nil
	}
	for _, c := range children {
		child, err := v.Scan(n, c.Name)
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := walkTree(v, child, c.Name, depth+1); err != nil {
			v.Release(child)
			return err
		}
		v.Release(child)
	}
	return nil
}

func cmdAvailableExtents(args []string) error {
	return withVolume("available-extents", args, 2, "available-extents [-raw] <image> <group>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		group, err := strconv.ParseUint(fs.Arg(1), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid group %q: %w", fs.Arg(1), err)
		}
		extents, err := v.AvailableExtents(group)
		if err != nil {
			return err
		}
		for _, e := range extents {
			fmt.Printf("offset=%d count=%d\n", e.Offset, e.Count)
		}
		return nil
	})
}

func fileTypeFromString(s string) (uint8, error) {
	switch s {
	case "file":
		return essencefs.FileTypeFile, nil
	case "directory":
		return essencefs.FileTypeDirectory, nil
	default:
		return 0, fmt.Errorf("file type must be %q or %q, got %q", "file", "directory", s)
	}
}

func cmdCreate(args []string) error {
	return withVolume("create", args, 4, "create [-raw] <image> <path> <name> <file|directory>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		fileType, err := fileTypeFromString(fs.Arg(3))
		if err != nil {
			return err
		}
		parent, opened, err := resolve(v, fs.Arg(1))
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)

		n, err := v.Create(parent, fs.Arg(2), fileType)
		if err != nil {
			return err
		}
		v.Release(n)
		return nil
	})
}

func cmdResize(args []string) error {
	return withVolume("resize", args, 3, "resize [-raw] <image> <path> <size>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		newSize, err := strconv.ParseUint(fs.Arg(2), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", fs.Arg(2), err)
		}
		n, opened, err := resolve(v, fs.Arg(1))
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)
		return v.Resize(n, newSize)
	})
}

func cmdRead(args []string) error {
	return withVolume("read", args, 3, "read [-raw] <image> <path> <out>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		n, opened, err := resolve(v, fs.Arg(1))
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)

		f, err := v.OpenFile(n)
		if err != nil {
			return err
		}

		out, err := os.Create(fs.Arg(2))
		if err != nil {
			f.Close()
			return fmt.Errorf("create %s: %w", fs.Arg(2), err)
		}
		defer out.Close()

		if _, err := io.Copy(out, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func cmdWrite(args []string) error {
	return withVolume("write", args, 3, "write [-raw] <image> <path> <in>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		payload, err := os.ReadFile(fs.Arg(2))
		if err != nil {
			return fmt.Errorf("read %s: %w", fs.Arg(2), err)
		}

		n, opened, err := resolve(v, fs.Arg(1))
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)

		if err := v.Resize(n, uint64(len(payload))); err != nil {
			return err
		}
		f, err := v.OpenFile(n)
		if err != nil {
			return err
		}
		if _, err := f.Write(payload); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// cmdImport walks a host directory tree and recreates it inside the volume
// under the target path, capturing each regular file's first extended
// attribute (via github.com/pkg/xattr), or failing that its birth time (via
// gopkg.in/djherbis/times.v1), into FILE_SECURITY when the host exposes it.
func cmdImport(args []string) error {
	return withVolume("import", args, 3, "import [-raw] <image> <target_path> <folder>", func(v *essencefs.Volume, fs *flag.FlagSet) error {
		target, opened, err := resolve(v, fs.Arg(1))
		if err != nil {
			return err
		}
		defer releaseAll(v, opened)
		return importDir(v, target, fs.Arg(2))
	})
}

func importDir(v *essencefs.Volume, parent *essencefs.Node, hostDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return fmt.Errorf("read %s: %w", hostDir, err)
	}

	for _, entry := range entries {
		hostPath := path.Join(hostDir, entry.Name())

		if entry.IsDir() {
			child, err := v.Create(parent, entry.Name(), essencefs.FileTypeDirectory)
			if err != nil {
				return fmt.Errorf("create directory %s: %w", entry.Name(), err)
			}
			err = importDir(v, child, hostPath)
			v.Release(child)
			if err != nil {
				return err
			}
			continue
		}

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", hostPath, err)
		}

		child, err := v.Create(parent, entry.Name(), essencefs.FileTypeFile)
		if err != nil {
			return fmt.Errorf("create file %s: %w", entry.Name(), err)
		}
		if err := importFileContents(v, child, hostPath, data); err != nil {
			v.Release(child)
			return err
		}
		v.Release(child)
	}
	return nil
}

func importFileContents(v *essencefs.Volume, n *essencefs.Node, hostPath string, data []byte) error {
	if err := v.Resize(n, uint64(len(data))); err != nil {
		return err
	}
	f, err := v.OpenFile(n)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return v.SetOwner(n, deriveOwner(hostPath))
}

// deriveOwner folds a source file's first extended attribute, or failing
// that its birth time, into a 16-byte owner tag for FILE_SECURITY. Neither
// source is authenticated or interpreted by the core engine; this is
// provenance, not an access-control decision.
func deriveOwner(hostPath string) [16]byte {
	var owner [16]byte

	if names, err := xattr.List(hostPath); err == nil && len(names) > 0 {
		if val, err := xattr.Get(hostPath, names[0]); err == nil {
			seed := names[0] + "=" + string(val)
			copy(owner[:], seed)
			return owner
		}
	}
	if birth, err := times.Stat(hostPath); err == nil && birth.HasBirthTime() {
		binary.LittleEndian.PutUint64(owner[:8], uint64(birth.BirthTime().Unix()))
	}
	return owner
}
