package merkle

import (
	"bytes"

	"github.com/contentfs/blobimage/errs"
	"github.com/contentfs/blobimage/format"
)

// CorruptionNotifier is informed, with the offending blob's digest, when
// a verification fails with an integrity error. It must not mutate any
// Verifier state; per §4.2 it is a borrowed, purely informational
// collaborator whose lifetime outlives every Verifier that holds it.
type CorruptionNotifier interface {
	OnCorruption(digest format.Digest)
}

// Verifier checks stored blob bytes against a Merkle tree and an
// expected root. A Verifier has no mutable internal state once
// constructed, so the same instance is safe to call Verify/VerifyPartial
// on concurrently from multiple goroutines (§5) — there is nothing here
// that requires a lock, which is itself the guarantee callers rely on.
type Verifier struct {
	Digest   format.Digest
	Format   Format
	Root     format.Digest
	Tree     []byte
	Notifier CorruptionNotifier
}

func (v *Verifier) notify() {
	if v.Notifier != nil {
		v.Notifier.OnCorruption(v.Digest)
	}
}

// Verify fully verifies dataSize bytes of data against v's stored tree
// and root, and checks that the tail [dataSize, len(data)) is zero.
// It is the mount-time check for a single-chunk read of the whole blob.
func (v *Verifier) Verify(data []byte, dataSize int) error {
	if dataSize < 0 || dataSize > len(data) {
		return errs.New(errs.KindInvalidArgs, "dataSize out of range for buffer")
	}
	if err := v.verifyRoot(data[:dataSize]); err != nil {
		v.notify()
		return err
	}
	for _, b := range data[dataSize:] {
		if b != 0 {
			v.notify()
			return errs.New(errs.KindIntegrity, "non-zero tail bytes past data_size")
		}
	}
	return nil
}

// VerifyPartial verifies a B-aligned sub-range [dataOffset, dataOffset+
// length) of a blob's stored bytes. data must contain exactly `length`
// bytes: the requested range only, not the whole blob. dataSize is the
// total size of the stored bytes; bufferSize is the size of the caller's
// destination buffer. Since data holds only the requested range, the
// bytes of that buffer past dataSize are not examined.
func (v *Verifier) VerifyPartial(data []byte, dataOffset, length, dataSize, bufferSize int) error {
	if dataOffset < 0 || length < 0 {
		return errs.New(errs.KindInvalidArgs, "negative offset or length")
	}
	if dataOffset%LeafSize != 0 {
		return errs.New(errs.KindInvalidArgs, "data_offset is not block-aligned")
	}
	end := dataOffset + length
	if end%LeafSize != 0 && end != dataSize {
		return errs.New(errs.KindInvalidArgs, "range does not end on a block boundary or at data_size")
	}
	if end > dataSize {
		return errs.New(errs.KindInvalidArgs, "range extends past data_size")
	}
	if len(data) != length {
		return errs.New(errs.KindInvalidArgs, "data buffer does not match requested length")
	}

	numLeaves := (dataSize + LeafSize - 1) / LeafSize
	tree, err := Decode(v.Tree, numLeaves, v.Format)
	if err != nil {
		return err
	}
	if err := checkFold(tree, numLeaves, v.Root); err != nil {
		v.notify()
		return err
	}

	if numLeaves <= 1 {
		// A single-leaf blob has no stored tree levels at all (Build's
		// root is just hash(buf)); the aligned-range checks above already
		// force dataOffset=0 and length=dataSize here, so data is the
		// whole blob and is hashed directly against the root.
		if hashBlock(data) != v.Root {
			v.notify()
			return errs.New(errs.KindIntegrity, "merkle root mismatch")
		}
	} else {
		firstLeaf := dataOffset / LeafSize
		for i := 0; i*LeafSize < length; i++ {
			blockStart := i * LeafSize
			blockEnd := blockStart + LeafSize
			if blockEnd > length {
				blockEnd = length
			}
			got := hashBlock(data[blockStart:blockEnd])
			want := tree.Levels[0][firstLeaf+i]
			if got != want {
				v.notify()
				return errs.Newf(errs.KindIntegrity, "leaf %d digest mismatch", firstLeaf+i)
			}
		}
	}

	if end == dataSize {
		for _, b := range func() []byte {
			if bufferSize > length {
				return make([]byte, bufferSize-length)
			}
			return nil
		}() {
			if b != 0 {
				v.notify()
				return errs.New(errs.KindIntegrity, "non-zero tail bytes past data_size")
			}
		}
	}
	return nil
}

// verifyRoot recomputes the whole tree from data and confirms it folds
// to v.Root, using v.Tree's on-disk intermediate levels to cross-check
// that the stored tree itself matches what data produces.
func (v *Verifier) verifyRoot(data []byte) error {
	computed := Build(data)
	if computed.Root != v.Root {
		return errs.New(errs.KindIntegrity, "merkle root mismatch")
	}
	if len(v.Tree) == 0 {
		return nil
	}
	numLeaves := (len(data) + LeafSize - 1) / LeafSize
	stored, err := Decode(v.Tree, numLeaves, v.Format)
	if err != nil {
		return err
	}
	if !treesEqual(stored, computed) {
		return errs.New(errs.KindIntegrity, "stored merkle tree does not match recomputed tree")
	}
	return nil
}

// checkFold verifies that the on-disk tree bytes, taken at face value,
// actually fold up to expectedRoot. Used by VerifyPartial, which trusts
// only a subset of leaves directly and must authenticate the rest of the
// tree structurally.
func checkFold(tree *Tree, numLeaves int, expectedRoot format.Digest) error {
	if numLeaves <= 1 {
		return nil // nothing stored; caller is responsible for the single-leaf case
	}
	if len(tree.Levels) == 0 {
		return errs.New(errs.KindIntegrity, "expected non-empty merkle tree")
	}
	current := tree.Levels[0]
	for i := 1; i < len(tree.Levels); i++ {
		folded := foldGroups(current)
		if !digestsEqual(folded, tree.Levels[i]) {
			return errs.Newf(errs.KindIntegrity, "merkle level %d does not fold from level %d", i, i-1)
		}
		current = tree.Levels[i]
	}
	root := foldGroups(current)
	if len(root) != 1 || root[0] != expectedRoot {
		return errs.New(errs.KindIntegrity, "merkle root mismatch")
	}
	return nil
}

func treesEqual(a, b *Tree) bool {
	if len(a.Levels) != len(b.Levels) {
		return false
	}
	for i := range a.Levels {
		if !digestsEqual(a.Levels[i], b.Levels[i]) {
			return false
		}
	}
	return true
}

func digestsEqual(a, b []format.Digest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i][:], b[i][:]) {
			return false
		}
	}
	return true
}
