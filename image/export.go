package image

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
	"github.com/contentfs/blobimage/merkle"
)

// ExportFailure names one blob the export walk could not materialize,
// and why, without aborting the rest of the walk (§4.7).
type ExportFailure struct {
	Digest format.Digest
	Err    error
}

// ExportReport lists every blob Export wrote successfully and every one
// it could not, so a single corrupt or unreadable blob never prevents
// the rest of the image from exporting.
type ExportReport struct {
	Exported []format.Digest
	Failures []ExportFailure
}

// OK reports whether Export completed with no failures.
func (r *ExportReport) OK() bool { return len(r.Failures) == 0 }

// Export walks every allocated, non-container inode in im and writes its
// logical (decompressed, Merkle-verified) bytes to outDir, named by the
// blob's hexadecimal digest (§4.7). It creates outDir if absent.
func (im *Image) Export(outDir string) (*ExportReport, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "create export directory", err)
	}

	report := &ExportReport{}
	for i := uint64(0); i < im.sb.InodeCount; i++ {
		raw, err := im.readInodeBytes(format.NodeID(i))
		if err != nil {
			return nil, err
		}
		flags := format.InodeFlags(leUint16(raw))
		if !flags.IsAllocated() || flags.IsContainer() {
			continue
		}
		n, err := format.InodeFromBytes(raw)
		if err != nil {
			report.Failures = append(report.Failures, ExportFailure{Err: err})
			continue
		}

		data, err := im.readLogicalBlob(format.NodeID(i), n)
		if err != nil {
			im.log.WithField("digest", n.MerkleRoot.String()).WithError(err).Warn("export: blob failed, continuing")
			report.Failures = append(report.Failures, ExportFailure{Digest: n.MerkleRoot, Err: err})
			continue
		}

		name := filepath.Join(outDir, hex.EncodeToString(n.MerkleRoot[:]))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			report.Failures = append(report.Failures, ExportFailure{
				Digest: n.MerkleRoot,
				Err:    errs.Wrap(errs.KindIoError, "write exported blob", err),
			})
			continue
		}
		report.Exported = append(report.Exported, n.MerkleRoot)
	}
	return report, nil
}

// readLogicalBlob reads a blob's on-disk bytes, verifies them against its
// recorded Merkle root, and decodes (decompresses) them back to the
// logical bytes the original source file held.
func (im *Image) readLogicalBlob(id format.NodeID, n *format.Inode) ([]byte, error) {
	extents, err := im.walkChain(id, n)
	if err != nil {
		return nil, err
	}

	blockSize := im.sb.BlockSize
	blob := make([]byte, uint64(n.BlockCount)*uint64(blockSize))
	offset := uint64(0)
	for _, e := range extents {
		chunk := blob[offset*uint64(blockSize) : (offset+uint64(e.Length))*uint64(blockSize)]
		if err := im.bd.ReadBlocks(im.regions.DataStart+e.StartBlock, uint64(e.Length), chunk); err != nil {
			return nil, errs.Wrap(errs.KindIoError, "read blob extent", err)
		}
		offset += uint64(e.Length)
	}

	storedBytes, treeBytes, err := im.splitBlobBuffer(blob, n, blockSize)
	if err != nil {
		return nil, err
	}

	merkleFmt := merkle.Padded
	if im.sb.BlobLayoutFormat == format.LayoutCompact {
		merkleFmt = merkle.Compact
	}
	v := &merkle.Verifier{Digest: n.MerkleRoot, Format: merkleFmt, Root: n.MerkleRoot, Tree: treeBytes}
	if err := v.Verify(storedBytes, len(storedBytes)); err != nil {
		return nil, err
	}

	if !n.Flags.IsCompressed() {
		return storedBytes, nil
	}
	dec, err := DecompressorFor(im.sb.CompressorID)
	if err != nil {
		return nil, err
	}
	logical, _, err := dec.Decompress(storedBytes, int(n.BlobSize))
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "decompress exported blob", err)
	}
	return logical, nil
}
