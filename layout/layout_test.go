package layout

import (
	"testing"

	"github.com/contentfs/blobimage/errs"
)

const B = 8192

func TestComputeEmptyBlob(t *testing.T) {
	for _, f := range []Format{Padded, Compact} {
		l, err := Compute(f, 0, 0, B)
		if err != nil {
			t.Fatalf("Compute(%v, 0, 0): %v", f, err)
		}
		if l.TotalBlockCount != 0 || l.DataBlockCount != 0 || l.MerkleTreeBlockCount != 0 {
			t.Fatalf("empty blob under %v: got %+v", f, l)
		}
	}
}

func TestComputeOneByteBlobCompact(t *testing.T) {
	l, err := Compute(Compact, 1, 1, B)
	if err != nil {
		t.Fatal(err)
	}
	if l.HasSharedBlock {
		t.Fatalf("one-byte blob: want HasSharedBlock=false, got true: %+v", l)
	}
	if l.MerkleTreeBlockCount != 0 {
		t.Fatalf("one-byte blob: want no merkle tree, got %+v", l)
	}
	if l.TotalBlockCount != 1 || l.DataBlockCount != 1 {
		t.Fatalf("one-byte blob: want 1 total/data block, got %+v", l)
	}
}

func TestComputeOneBlockBlobCompact(t *testing.T) {
	l, err := Compute(Compact, B, B, B)
	if err != nil {
		t.Fatal(err)
	}
	if l.MerkleTreeBlockCount != 0 {
		t.Fatalf("B-byte blob: want no merkle tree, got %+v", l)
	}
	if l.TotalBlockCount != 1 {
		t.Fatalf("B-byte blob: want 1 total block, got %+v", l)
	}
}

// S3: padded layout, file_size = 2B-64, not compressible.
func TestComputeS3Padded(t *testing.T) {
	size := int64(2*B - 64)
	l, err := Compute(Padded, size, size, B)
	if err != nil {
		t.Fatal(err)
	}
	if l.TotalBlockCount != 3 {
		t.Fatalf("S3: want TotalBlockCount=3, got %+v", l)
	}
	if l.HasSharedBlock {
		t.Fatalf("S3: padded layout must never share a block, got %+v", l)
	}
	if l.DataBlockCount != 2 {
		t.Fatalf("S3: want DataBlockCount=2, got %+v", l)
	}
}

// S4: same file as S3, compact format.
func TestComputeS4Compact(t *testing.T) {
	size := int64(2*B - 64)
	l, err := Compute(Compact, size, size, B)
	if err != nil {
		t.Fatal(err)
	}
	if l.TotalBlockCount != 2 {
		t.Fatalf("S4: want TotalBlockCount=2, got %+v", l)
	}
	if !l.HasSharedBlock {
		t.Fatalf("S4: want HasSharedBlock=true, got %+v", l)
	}
}

func TestComputeUnsupportedFormat(t *testing.T) {
	_, err := Compute(Format(99), 10, 10, B)
	if !errs.Is(err, errs.KindUnsupported) {
		t.Fatalf("want KindUnsupported, got %v", err)
	}
}

func TestComputeWrongBlockSize(t *testing.T) {
	_, err := Compute(Compact, 10, 10, 4096)
	if !errs.Is(err, errs.KindInvalidArgs) {
		t.Fatalf("want KindInvalidArgs, got %v", err)
	}
}

func TestComputeOutOfRange(t *testing.T) {
	_, err := Compute(Compact, -1, 0, B)
	if !errs.Is(err, errs.KindInvalidArgs) {
		t.Fatalf("want KindInvalidArgs for negative size, got %v", err)
	}
}
