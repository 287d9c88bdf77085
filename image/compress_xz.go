package image

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/contentfs/blobimage/errs"
)

// XZCompressor is an alternate Compressor selectable by mkfs options,
// grounded on github.com/ulikunitz/xz — a second real codec from the
// pack's dependency surface, offered for images that favor ratio over
// the speed LZ4Compressor trades for.
type XZCompressor struct{}

func (XZCompressor) Name() string { return "xz" }

func (XZCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, errs.Wrap(errs.KindIoError, "xz writer init", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "xz compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.KindIoError, "xz finalize", err)
	}
	return buf.Bytes(), nil
}

// XZDecompressor pairs with XZCompressor, recovering the exact number of
// compressed input bytes a decode consumed via a counting reader wrapped
// around xz's own stream reader, the same technique LZ4Decompressor uses.
type XZDecompressor struct{}

func (XZDecompressor) Decompress(src []byte, logicalSize int) ([]byte, int, error) {
	cr := &countingReader{r: bytes.NewReader(src)}
	r, err := xz.NewReader(cr)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindIntegrity, "xz reader init", err)
	}
	out := make([]byte, logicalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, 0, errs.Wrap(errs.KindIntegrity, "xz decompress", err)
	}
	return out, cr.n, nil
}
