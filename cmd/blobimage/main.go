// Command blobimage is a minimal host-side front end over the image
// package: it parses flags and a manifest, then hands directives
// (source paths, layout format, inode count) to the core the same way
// the teacher's create-iso-from-folder example walks a folder and hands
// paths to a filesystem. It owns no on-disk format knowledge itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/contentfs/blobimage/backend"
	"github.com/contentfs/blobimage/backend/file"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/image"
)

// openPartition narrows store to the byte window [offset, offset+size) when
// offset or size is nonzero, so an FVM-hosted blob image can live inside a
// partition carved out of a larger managed device instead of owning the
// whole backing file (§3.1's "FVM-hosted" case names the condition; it
// doesn't otherwise say how such an image is addressed on top of a bigger
// volume manager, so this picks the simplest fixed-window scheme and keeps
// mkfs/check/export/usage consistent about it).
func openPartition(store backend.Storage, offset, size int64) backend.Storage {
	if offset == 0 && size == 0 {
		return store
	}
	return backend.Sub(store, offset, size)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blobimage <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  mkfs    create a fresh blob image")
	fmt.Fprintln(os.Stderr, "  add     ingest blobs named by a manifest")
	fmt.Fprintln(os.Stderr, "  check   run fsck over an existing image")
	fmt.Fprintln(os.Stderr, "  export  decode every blob in an image to a directory")
	fmt.Fprintln(os.Stderr, "  usage   report used blocks/inodes/size")
	fmt.Fprintln(os.Stderr, "\nEach manifest line is 'dst/path=src/path' or a bare 'src/path'.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "mkfs":
		err = runMkfs(os.Args[2:])
	case "add":
		err = runAdd(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "usage":
		err = runUsage(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "blobimage %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func compressorFlag(name string) image.Compressor {
	switch name {
	case "lz4":
		return image.LZ4Compressor{}
	case "xz":
		return image.XZCompressor{}
	case "none", "":
		return nil
	default:
		fmt.Fprintf(os.Stderr, "unknown compressor %q, want lz4|xz|none\n", name)
		os.Exit(2)
		return nil
	}
}

func layoutFlag(name string) format.BlobLayoutFormat {
	switch name {
	case "compact", "":
		return format.LayoutCompact
	case "padded":
		return format.LayoutPadded
	default:
		fmt.Fprintf(os.Stderr, "unknown layout %q, want compact|padded\n", name)
		os.Exit(2)
		return format.LayoutCompact
	}
}

func runMkfs(args []string) error {
	fs := flag.NewFlagSet("mkfs", flag.ExitOnError)
	imagePath := fs.String("image", "", "path to the image file to create")
	blocks := fs.Uint64("blocks", 0, "total blocks in the image")
	inodes := fs.Uint64("inodes", 1024, "number of inode slots to reserve")
	layoutName := fs.String("layout", "compact", "blob layout format: compact|padded")
	compressorName := fs.String("compressor", "lz4", "compressor: lz4|xz|none")
	fvm := fs.Bool("fvm", false, "format for FVM-hosted volume management")
	sliceSize := fs.Uint64("slice-size", 0, "FVM slice size in bytes, required with -fvm")
	partitionOffset := fs.Int64("partition-offset", 0, "byte offset of the blob partition within -image, for an FVM-hosted image sharing a file with other partitions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *blocks == 0 {
		return fmt.Errorf("-image and -blocks are required")
	}

	opts := image.Options{
		NumInodes:    *inodes,
		LayoutFormat: layoutFlag(*layoutName),
		Compressor:   compressorFlag(*compressorName),
		FVMHosted:    *fvm,
		SliceSize:    *sliceSize,
	}

	partitionSize := int64(*blocks) * int64(image.DefaultBlockSize)
	store, err := file.CreateFromPath(*imagePath, *partitionOffset+partitionSize)
	if err != nil {
		return err
	}
	if _, err := image.Mkfs(openPartition(store, *partitionOffset, partitionSize), *blocks, opts); err != nil {
		return err
	}
	fmt.Printf("mkfs: created %s (%d blocks, %d inodes, layout=%s)\n", *imagePath, *blocks, *inodes, *layoutName)
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	imagePath := fs.String("image", "", "path to the image file")
	strict := fs.Bool("strict", false, "also flag unexpected inode versions/flag bits")
	repair := fs.Bool("repair", false, "repair a divergent backup superblock from the primary")
	jsonOut := fs.Bool("json", false, "emit the report as JSON instead of text")
	partitionOffset := fs.Int64("partition-offset", 0, "byte offset of the blob partition within -image")
	partitionSize := fs.Int64("partition-size", 0, "byte size of the blob partition within -image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return fmt.Errorf("-image is required")
	}

	store, err := file.OpenFromPath(*imagePath, !*repair)
	if err != nil {
		return err
	}
	im, err := image.Open(openPartition(store, *partitionOffset, *partitionSize), 0)
	if err != nil {
		return err
	}
	report, err := im.Check(image.CheckOptions{Strict: *strict, Repair: *repair})
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if report.OK() {
		fmt.Println("check: clean")
		return nil
	}
	for _, f := range report.Findings {
		fmt.Printf("check: [%s] %s\n", f.Kind, f.Message)
	}
	return fmt.Errorf("%d findings", len(report.Findings))
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	imagePath := fs.String("image", "", "path to the image file")
	outDir := fs.String("out", "", "directory to export blobs into")
	partitionOffset := fs.Int64("partition-offset", 0, "byte offset of the blob partition within -image")
	partitionSize := fs.Int64("partition-size", 0, "byte size of the blob partition within -image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" || *outDir == "" {
		return fmt.Errorf("-image and -out are required")
	}

	store, err := file.OpenFromPath(*imagePath, true)
	if err != nil {
		return err
	}
	im, err := image.Open(openPartition(store, *partitionOffset, *partitionSize), 0)
	if err != nil {
		return err
	}
	report, err := im.Export(*outDir)
	if err != nil {
		return err
	}
	fmt.Printf("export: wrote %d blobs to %s\n", len(report.Exported), *outDir)
	for _, f := range report.Failures {
		fmt.Printf("export: failed %s: %v\n", f.Digest.String(), f.Err)
	}
	if !report.OK() {
		return fmt.Errorf("%d blobs failed to export", len(report.Failures))
	}
	return nil
}

func runUsage(args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	imagePath := fs.String("image", "", "path to the image file")
	partitionOffset := fs.Int64("partition-offset", 0, "byte offset of the blob partition within -image")
	partitionSize := fs.Int64("partition-size", 0, "byte size of the blob partition within -image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return fmt.Errorf("-image is required")
	}

	store, err := file.OpenFromPath(*imagePath, true)
	if err != nil {
		return err
	}
	im, err := image.Open(openPartition(store, *partitionOffset, *partitionSize), 0)
	if err != nil {
		return err
	}
	u := im.Usage()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(u)
}
