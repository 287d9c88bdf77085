package image

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4"

	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/layout"
	"github.com/contentfs/blobimage/merkle"
)

// CompressorID values, persisted in the superblock so fsck and export
// know which codec to invoke when decompressing a blob back to its
// logical bytes. Not part of spec.md's superblock field table (see
// DESIGN.md): the spec only names "a multi-threaded chunked compressor"
// as a collaborator, not a choice of codec, so this mapping is this
// image format's own addition.
const (
	CompressorLZ4 uint8 = iota
	CompressorXZ
	// CompressorNone marks an image opened/created with no Compressor
	// offered at all. It is only ever persisted by mkfs's default, and
	// DecompressorFor rejects it with kIllegalState: a blob can only carry
	// the compressed inode flag if a real codec ID accepted it during
	// ingest, so a live CompressorNone image never has a compressed
	// blob to decode.
	CompressorNone
)

// Decompressor recovers a blob's logical bytes from its stored,
// compressed bytes. Unlike Compress, Decompress must also report
// exactly how many stored (input) bytes it consumed: a compressed
// blob's inode records only the logical blob_size, so the stored byte
// length consumed here is the only way to relocate the blob's Merkle
// tree within its allocation (see DESIGN.md, "compressed stored-length
// recovery").
type Decompressor interface {
	// Decompress reads a compressed stream from src and returns the
	// decoded logical bytes (expected to be exactly logicalSize long)
	// plus the number of bytes of src actually consumed producing them.
	Decompress(src []byte, logicalSize int) (data []byte, consumed int, err error)
}

// countingReader wraps an io.Reader and tracks how many bytes have been
// read through it, so a self-terminating codec's exact input length can
// be recovered after decoding stops (the codec itself never reports
// this).
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// Compressor produces a chunked-compressed candidate for a blob's stored
// bytes. Phase 1 of the ingester (§4.4) only accepts the candidate if it
// strictly reduces the blob's total block count under the target layout
// format; the compressor itself makes no placement decisions.
type Compressor interface {
	// Compress returns the compressed form of src, or an error if the
	// codec itself failed (not merely "didn't shrink").
	Compress(src []byte) ([]byte, error)
	// Name identifies the codec for the inode's compression flag /
	// diagnostic logging.
	Name() string
}

// LZ4Compressor is the default chunked compressor, grounded on
// github.com/pierrec/lz4's frame writer (lz4.NewWriter): the spec's
// "multi-threaded chunked compressor" collaborator maps onto the lz4
// frame's sequence of compressed blocks.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "lz4 compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "lz4 finalize", err)
	}
	return buf.Bytes(), nil
}

// LZ4Decompressor pairs with LZ4Compressor, recovering the exact number
// of compressed input bytes a decode consumed via a counting reader
// wrapped around lz4's own frame reader.
type LZ4Decompressor struct{}

func (LZ4Decompressor) Decompress(src []byte, logicalSize int) ([]byte, int, error) {
	cr := &countingReader{r: bytes.NewReader(src)}
	r := lz4.NewReader(cr)
	out := make([]byte, logicalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, 0, errs.Wrap(errs.KindIntegrity, "lz4 decompress", err)
	}
	return out, cr.n, nil
}

// DecompressorFor resolves the superblock's CompressorID to a concrete
// Decompressor.
func DecompressorFor(id uint8) (Decompressor, error) {
	switch id {
	case CompressorLZ4:
		return LZ4Decompressor{}, nil
	case CompressorXZ:
		return XZDecompressor{}, nil
	case CompressorNone:
		return nil, errs.New(errs.KindIllegalState, "image carries no compressor, but a blob claims to be compressed")
	default:
		return nil, errs.Newf(errs.KindFormatError, "unknown compressor id %d", id)
	}
}

// compressorID maps a Compressor to the superblock CompressorID persisted
// at mkfs time, so Open/fsck/export can later resolve the matching
// Decompressor without the caller having to pass the codec back in.
func compressorID(c Compressor) uint8 {
	switch c.(type) {
	case XZCompressor:
		return CompressorXZ
	case LZ4Compressor:
		return CompressorLZ4
	default:
		return CompressorNone
	}
}

// compressorFor resolves a persisted CompressorID back to the Compressor
// that produces it, so Open can resume offering the same codec to future
// AddBlob calls the image was created with (nil for CompressorNone).
func compressorFor(id uint8) Compressor {
	switch id {
	case CompressorLZ4:
		return LZ4Compressor{}
	case CompressorXZ:
		return XZCompressor{}
	default:
		return nil
	}
}

// ComputeDigest recomputes the content digest AddBlob would assign raw
// under the given layout format and compressor, without touching an
// image: callers (the CLI reporting what it just ingested, tests naming
// exported files) need this same Phase 1 decision without duplicating
// it or threading the digest back out of AddBlob's error-only return.
func ComputeDigest(raw []byte, f format.BlobLayoutFormat, c Compressor, blockSize uint32) (format.Digest, error) {
	stored, _, err := chooseStoredBytes(c, raw, layout.Format(f), blockSize)
	if err != nil {
		return format.Digest{}, err
	}
	return merkle.Build(stored).Root, nil
}

// chooseStoredBytes implements the Phase 1 compression decision (§4.4):
// compress candidate bytes and accept them only if doing so strictly
// reduces TotalBlockCount under format f; otherwise fall back to the
// uncompressed bytes. Returns the bytes to store and whether compression
// was used.
func chooseStoredBytes(c Compressor, raw []byte, f layout.Format, blockSize uint32) ([]byte, bool, error) {
	if len(raw) == 0 || c == nil {
		return raw, false, nil
	}

	uncompressedLayout, err := layout.Compute(f, int64(len(raw)), int64(len(raw)), blockSize)
	if err != nil {
		return nil, false, err
	}

	candidate, err := c.Compress(raw)
	if err != nil {
		return nil, false, err
	}
	if len(candidate) >= len(raw) {
		return raw, false, nil
	}

	compressedLayout, err := layout.Compute(f, int64(len(raw)), int64(len(candidate)), blockSize)
	if err != nil {
		return nil, false, err
	}

	if compressedLayout.TotalBlockCount < uncompressedLayout.TotalBlockCount {
		return candidate, true, nil
	}
	return raw, false, nil
}
