// Package gzseek restarts decompression of a gzip archive from a saved
// checkpoint. A checkpoint records the absolute compressed offset of a
// deflate block edge, how many bits of the preceding byte were still
// unconsumed at that edge, and the 32 KiB of plaintext before it.
//
// Deflate packs bits LSB-first, so a block edge that falls inside a byte
// can be re-aligned by shifting every remaining compressed byte right by
// the number of already-consumed bits. The shifted stream is a valid
// byte-aligned deflate stream that begins exactly at the block edge, which
// a stock flate reader can decode once it is primed with the checkpoint
// window as a preset dictionary. This is the same reconstruction zlib's
// inflatePrime performs, expressed as a reader transformation.
package gzseek

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Resume positions f at the checkpoint and returns a reader producing the
// uncompressed stream from the checkpoint's uncompressed offset onward.
// bits is the count of unconsumed high bits in the byte before compOffset
// (0 when the block edge is byte aligned); window is the preceding
// plaintext, nil for a checkpoint at offset zero.
func Resume(f io.ReadSeeker, compOffset uint64, bits uint8, window []byte) (io.ReadCloser, error) {
	if bits > 7 {
		return nil, fmt.Errorf("gzseek: invalid bit offset %d", bits)
	}
	seekTo := int64(compOffset)
	consumed := uint(0)
	if bits != 0 {
		seekTo--
		consumed = 8 - uint(bits)
	}
	if _, err := f.Seek(seekTo, io.SeekStart); err != nil {
		return nil, fmt.Errorf("gzseek: seek to checkpoint: %w", err)
	}

	var src io.Reader = bufio.NewReaderSize(f, 256<<10)
	if consumed != 0 {
		src = &shiftReader{r: src, shift: consumed}
	}
	if len(window) > 0 {
		return flate.NewReaderDict(src, window), nil
	}
	return flate.NewReader(src), nil
}

// shiftReader drops the low `shift` bits of the first byte and re-packs
// the remaining bitstream byte-aligned: out[i] = in[i]>>shift | in[i+1]<<(8-shift).
type shiftReader struct {
	r      io.Reader
	shift  uint
	carry  byte
	primed bool
	tailed bool
	buf    [32 << 10]byte
}

func (s *shiftReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.tailed {
		return 0, io.EOF
	}
	if !s.primed {
		var b [1]byte
		if _, err := io.ReadFull(s.r, b[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		s.carry = b[0]
		s.primed = true
	}

	want := len(p)
	if want > len(s.buf) {
		want = len(s.buf)
	}
	n, err := s.r.Read(s.buf[:want])
	for i := 0; i < n; i++ {
		b := s.buf[i]
		p[i] = s.carry>>s.shift | b<<(8-s.shift)
		s.carry = b
	}
	if n > 0 {
		return n, nil
	}
	if err == io.EOF {
		// The stream's final bits live in the high part of the carry byte.
		p[0] = s.carry >> s.shift
		s.tailed = true
		return 1, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}
