package image

import (
	"encoding/binary"

	"github.com/contentfs/blobimage/backend"
	"github.com/contentfs/blobimage/errs"
)

// journalMagic identifies a valid journal header block.
const journalMagic uint64 = 0x446c754a6c6f4a21 // "!JolJulD" little-endian tag, arbitrary but fixed

// DefaultJournalBlocks is the minimum journal region size mkfs reserves,
// matching §4.5's "a fixed minimum (typical >= 8 blocks)".
const DefaultJournalBlocks = 8

// writeJournal zero-fills the journal region except its header block,
// which records magic + sequence 0 to mark the journal empty (§3.6).
func writeJournal(bd *backend.BlockDevice, start, count uint64, blockSize uint32) error {
	if count == 0 {
		return errs.New(errs.KindNoSpace, "journal region has no blocks")
	}
	header := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(header[0:8], journalMagic)
	binary.LittleEndian.PutUint64(header[8:16], 0) // sequence number

	if err := bd.WriteBlocks(start, 1, header); err != nil {
		return errs.Wrap(errs.KindIoError, "write journal header", err)
	}
	if count > 1 {
		zero := make([]byte, (count-1)*uint64(blockSize))
		if err := bd.WriteBlocks(start+1, count-1, zero); err != nil {
			return errs.Wrap(errs.KindIoError, "zero-fill journal", err)
		}
	}
	return nil
}

// journalIsEmpty reads the journal header and reports whether it carries
// the empty-journal sequence number, used by fsck's clean-unmount checks.
func journalIsEmpty(bd *backend.BlockDevice, start uint64, blockSize uint32) (bool, error) {
	header := make([]byte, blockSize)
	if err := bd.ReadBlocks(start, 1, header); err != nil {
		return false, errs.Wrap(errs.KindIoError, "read journal header", err)
	}
	if binary.LittleEndian.Uint64(header[0:8]) != journalMagic {
		return false, errs.New(errs.KindFormatError, "journal header magic mismatch")
	}
	return binary.LittleEndian.Uint64(header[8:16]) == 0, nil
}
