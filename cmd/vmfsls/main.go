// Command vmfsls is a minimal CLI driver over the vmfs package: open a
// filesystem, list a directory, stat a path, and read/write file content
// (spec.md §6 "CLI surfaces").
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	dfs "github.com/diskfs/vmfs/filesystem"
	"github.com/diskfs/vmfs/imager"
	"github.com/diskfs/vmfs/vmfs"
)

func main() {
	rw := flag.Bool("rw", false, "open read-write (experimental)")
	allowMissing := flag.Bool("allow-missing-extents", false, "tolerate a partial LVM")
	extents := flag.String("extents", "", "comma-separated extent paths")
	image := flag.String("image", "", "load a single extent from a VMFSIMG sparse image instead of -extents")
	flag.Parse()

	if (*extents == "" && *image == "") || flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: vmfsls (-extents=path[,path...] | -image=path) <ls|stat|cat|create|write|chmod|mkdir|unlink|truncate|alloc|free|dump|check> <path-or-blockid> [args...]")
		os.Exit(2)
	}

	var fs *vmfs.Filesystem
	var err error
	opts := vmfs.FSOptions{ReadWrite: *rw, AllowMissingExtents: *allowMissing}
	if *image != "" {
		fs, err = openImage(*image, opts)
	} else {
		fs, err = vmfs.Open(strings.Split(*extents, ","), opts)
	}
	if err != nil {
		fatal(err)
	}
	defer fs.Close()

	cmd := flag.Arg(0)
	args := flag.Args()[1:]
	if err := run(fs, fs.AsFileSystem(), cmd, args); err != nil {
		fatal(err)
	}
}

// run dispatches each subcommand. Path-addressed operations (everything but
// the raw block-ID tooling verbs and "check") go through the generic
// filesystem.FileSystem adapter rather than the concrete vmfs API, so a
// front-end written against dfs.FileSystem would drive the same driver.
func run(fs *vmfs.Filesystem, pfs dfs.FileSystem, cmd string, args []string) error {
	switch cmd {
	case "ls":
		return doLs(pfs, arg(args, 0, "/"))
	case "stat":
		return doStat(pfs, arg(args, 0, "/"))
	case "cat":
		return doCat(pfs, arg(args, 0, ""))
	case "mkdir":
		return pfs.Mkdir(arg(args, 0, ""))
	case "create":
		return doCreate(pfs, arg(args, 0, ""))
	case "write":
		return doWrite(pfs, arg(args, 0, ""))
	case "chmod":
		return doChmod(pfs, arg(args, 0, ""), arg(args, 1, "0"))
	case "unlink":
		return pfs.Remove(arg(args, 0, ""))
	case "truncate":
		return doTruncate(pfs, arg(args, 0, ""), arg(args, 1, "0"))
	case "alloc":
		return doAlloc(fs, arg(args, 0, ""))
	case "free":
		return doFree(fs, arg(args, 0, ""))
	case "dump":
		return doDump(fs, arg(args, 0, ""))
	case "check":
		n, err := fs.Check()
		if err != nil {
			return err
		}
		fmt.Printf("%d errors\n", n)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openImage loads a single-extent VMFSIMG sparse image into memory and
// mounts it, for the -image tooling path (spec.md §6 "File-format plug").
func openImage(path string, opts vmfs.FSOptions) (*vmfs.Filesystem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := imager.Decode(f)
	if err != nil {
		return nil, err
	}
	vol, err := vmfs.OpenVolumeFromDevice(img.AsDevice(), path, vmfs.VolumeOptions{ReadWrite: opts.ReadWrite})
	if err != nil {
		return nil, err
	}
	return vmfs.OpenVolumes([]*vmfs.Volume{vol}, opts)
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func doLs(fs dfs.FileSystem, path string) error {
	entries, err := fs.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Printf("%-6s %10d %s\n", kind, e.Size(), e.Name())
	}
	return nil
}

func doStat(fs dfs.FileSystem, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("name=%s size=%d mode=%o dir=%t mtime=%s\n",
		info.Name(), info.Size(), info.Mode(), info.IsDir(), info.ModTime())
	return nil
}

func doCat(fs dfs.FileSystem, path string) error {
	f, err := fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func doCreate(fs dfs.FileSystem, path string) error {
	f, err := fs.OpenFile(path, os.O_CREATE)
	if err != nil {
		return err
	}
	return f.Close()
}

// doWrite writes stdin to path starting at offset 0, extending the file
// as needed (spec.md §6 "write").
func doWrite(fs dfs.FileSystem, path string) error {
	f, err := fs.OpenFile(path, os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()
	buf, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	_, err = f.Write(buf)
	return err
}

func doChmod(fs dfs.FileSystem, path, modeStr string) error {
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return err
	}
	return fs.Chmod(path, os.FileMode(mode))
}

// doAlloc allocates one raw leaf block of the given type ("fb", "sb", or
// "pb") and prints its block ID literal (spec.md §6 "allocate ... a
// specific block by ID").
func doAlloc(fs *vmfs.Filesystem, typ string) error {
	var t vmfs.BlockType
	switch typ {
	case "fb":
		t = vmfs.BlockFB
	case "sb":
		t = vmfs.BlockSB
	case "pb":
		t = vmfs.BlockPB
	default:
		return fmt.Errorf("unknown block type %q (want fb, sb, or pb)", typ)
	}
	id, err := fs.AllocBlock(t, 0)
	if err != nil {
		return err
	}
	fmt.Println(formatBlkID(id))
	return nil
}

func doFree(fs *vmfs.Filesystem, blkSpec string) error {
	id, err := vmfs.ParseBlockIDLiteral(blkSpec)
	if err != nil {
		return err
	}
	return fs.FreeBlock(id)
}

func formatBlkID(id vmfs.BlockID) string {
	return fmt.Sprintf("<0x%x>", uint32(id))
}

func doTruncate(fs dfs.FileSystem, path, sizeStr string) error {
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return err
	}
	return fs.Truncate(path, size)
}

func doDump(fs *vmfs.Filesystem, blkSpec string) error {
	id, err := vmfs.ParseBlockIDLiteral(blkSpec)
	if err != nil {
		return err
	}
	b, err := fs.ReadBlock(id)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "vmfsls:", err)
	os.Exit(1)
}
