package flatescan

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// WindowSize is the deflate sliding window: the maximum back-reference
// distance and therefore the amount of preceding plaintext a resumable
// checkpoint must carry.
const WindowSize = 32 << 10

// scratchFlush bounds how much decoded output accumulates before being
// handed to the emit callback.
const scratchFlush = 256 << 10

// ErrChecksum is returned by Finish when the gzip CRC32 or ISIZE trailer
// disagrees with the decoded output.
var ErrChecksum = errors.New("flatescan: gzip checksum mismatch")

// ErrTrailingData is returned by Finish when compressed bytes remain after
// the gzip trailer. Trace archives are single-member gzip; a second member
// means the file is not one this index format can describe.
var ErrTrailingData = errors.New("flatescan: data after gzip trailer")

// Boundary is a bit-precise position in the compressed stream, taken at a
// deflate block edge. NextByte is the absolute offset of the first byte
// holding unconsumed bits; Bits is how many high bits of the byte at
// NextByte-1 are still unconsumed (0 means the edge is byte aligned).
type Boundary struct {
	NextByte int64
	Bits     uint8
}

// Scanner is a one-pass inflate over a gzip stream. The caller drives it
// with ReadHeader, then NextBlock until the final block, then Finish.
// Decoded plaintext is delivered through the emit callback in order.
type Scanner struct {
	br    *bufio.Reader
	emit  func([]byte)
	nread int64 // compressed bytes consumed, including the gzip header

	bitbuf uint32
	bitcnt uint

	win     [WindowSize]byte
	winPos  int
	out     int64 // uncompressed bytes produced
	crc     uint32
	scratch []byte

	headerLen int64
	fixedLit  *huffman
	fixedDist *huffman
	err       error
}

// NewScanner wraps r. The emit callback receives every decoded chunk; the
// slice is only valid for the duration of the call.
func NewScanner(r io.Reader, emit func([]byte)) *Scanner {
	return &Scanner{
		br:      bufio.NewReaderSize(r, 256<<10),
		emit:    emit,
		scratch: make([]byte, 0, scratchFlush),
	}
}

// HeaderLen reports the gzip header length, which is also the absolute
// offset where the deflate stream begins. Valid after ReadHeader.
func (s *Scanner) HeaderLen() int64 { return s.headerLen }

// Output reports the number of uncompressed bytes produced so far.
func (s *Scanner) Output() int64 { return s.out }

// Window returns a copy of up to WindowSize bytes of plaintext preceding
// the current output offset, oldest first.
func (s *Scanner) Window() []byte {
	if s.out >= WindowSize {
		w := make([]byte, WindowSize)
		n := copy(w, s.win[s.winPos:])
		copy(w[n:], s.win[:s.winPos])
		return w
	}
	w := make([]byte, s.out)
	copy(w, s.win[:s.out])
	return w
}

func (s *Scanner) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	s.nread++
	return b, nil
}

// bits consumes n bits from the stream, LSB first.
func (s *Scanner) bits(n uint) (uint32, error) {
	for s.bitcnt < n {
		b, err := s.readByte()
		if err != nil {
			return 0, err
		}
		s.bitbuf |= uint32(b) << s.bitcnt
		s.bitcnt += 8
	}
	v := s.bitbuf & (1<<n - 1)
	s.bitbuf >>= n
	s.bitcnt -= n
	return v, nil
}

// alignedByte discards any partial byte in the bit buffer and returns the
// next whole byte.
func (s *Scanner) alignedByte() (byte, error) {
	if k := s.bitcnt % 8; k != 0 {
		s.bitbuf >>= k
		s.bitcnt -= k
	}
	if s.bitcnt >= 8 {
		b := byte(s.bitbuf)
		s.bitbuf >>= 8
		s.bitcnt -= 8
		return b, nil
	}
	return s.readByte()
}

// boundary computes the current bit-precise compressed position. Buffered
// but unconsumed bits are not counted as consumed.
func (s *Scanner) boundary() Boundary {
	totalBits := s.nread*8 - int64(s.bitcnt)
	return Boundary{
		NextByte: (totalBits + 7) / 8,
		Bits:     uint8((8 - totalBits%8) % 8),
	}
}

func (s *Scanner) writeByte(b byte) {
	s.scratch = append(s.scratch, b)
	if len(s.scratch) >= scratchFlush {
		s.flush()
	}
	s.win[s.winPos] = b
	s.winPos++
	if s.winPos == WindowSize {
		s.winPos = 0
	}
	s.out++
}

func (s *Scanner) flush() {
	if len(s.scratch) == 0 {
		return
	}
	s.crc = crc32.Update(s.crc, crc32.IEEETable, s.scratch)
	if s.emit != nil {
		s.emit(s.scratch)
	}
	s.scratch = s.scratch[:0]
}

// ReadHeader parses and validates the RFC 1952 member header.
func (s *Scanner) ReadHeader() error {
	m1, err := s.readByte()
	if err != nil {
		return err
	}
	m2, err := s.readByte()
	if err != nil {
		return err
	}
	if m1 != 0x1f || m2 != 0x8b {
		return errors.New("flatescan: not a gzip stream")
	}
	cm, err := s.readByte()
	if err != nil {
		return err
	}
	if cm != 8 {
		return fmt.Errorf("flatescan: unsupported compression method %d", cm)
	}
	flg, err := s.readByte()
	if err != nil {
		return err
	}
	for i := 0; i < 6; i++ { // MTIME, XFL, OS
		if _, err := s.readByte(); err != nil {
			return err
		}
	}
	if flg&0x04 != 0 { // FEXTRA
		lo, err := s.readByte()
		if err != nil {
			return err
		}
		hi, err := s.readByte()
		if err != nil {
			return err
		}
		for i := 0; i < int(lo)|int(hi)<<8; i++ {
			if _, err := s.readByte(); err != nil {
				return err
			}
		}
	}
	for _, flag := range []byte{0x08, 0x10} { // FNAME, FCOMMENT
		if flg&flag == 0 {
			continue
		}
		for {
			b, err := s.readByte()
			if err != nil {
				return err
			}
			if b == 0 {
				break
			}
		}
	}
	if flg&0x02 != 0 { // FHCRC
		for i := 0; i < 2; i++ {
			if _, err := s.readByte(); err != nil {
				return err
			}
		}
	}
	s.headerLen = s.nread
	return nil
}

// NextBlock decodes one deflate block, emitting its plaintext, and
// returns the bit-precise boundary immediately after the block plus
// whether the block carried the BFINAL flag.
func (s *Scanner) NextBlock() (Boundary, bool, error) {
	if s.err != nil {
		return Boundary{}, false, s.err
	}
	bnd, final, err := s.nextBlock()
	if err != nil {
		s.err = err
		return Boundary{}, false, err
	}
	return bnd, final, nil
}

func (s *Scanner) nextBlock() (Boundary, bool, error) {
	final, err := s.bits(1)
	if err != nil {
		return Boundary{}, false, err
	}
	typ, err := s.bits(2)
	if err != nil {
		return Boundary{}, false, err
	}

	switch typ {
	case 0:
		err = s.storedBlock()
	case 1:
		lit, dist := s.fixedTables()
		err = s.inflateBlock(lit, dist)
	case 2:
		var lit, dist *huffman
		lit, dist, err = s.dynamicTables()
		if err == nil {
			err = s.inflateBlock(lit, dist)
		}
	default:
		err = errors.New("flatescan: reserved block type")
	}
	if err != nil {
		return Boundary{}, false, err
	}

	s.flush()
	return s.boundary(), final == 1, nil
}

func (s *Scanner) storedBlock() error {
	if k := s.bitcnt % 8; k != 0 {
		s.bitbuf >>= k
		s.bitcnt -= k
	}
	var hdr [4]byte
	for i := range hdr {
		b, err := s.alignedByte()
		if err != nil {
			return err
		}
		hdr[i] = b
	}
	length := int(hdr[0]) | int(hdr[1])<<8
	nlen := int(hdr[2]) | int(hdr[3])<<8
	if length != nlen^0xffff {
		return errors.New("flatescan: stored block length check failed")
	}
	for i := 0; i < length; i++ {
		b, err := s.alignedByte()
		if err != nil {
			return err
		}
		s.writeByte(b)
	}
	return nil
}

func (s *Scanner) fixedTables() (*huffman, *huffman) {
	if s.fixedLit == nil {
		lengths := make([]uint8, 288)
		for i := range lengths {
			switch {
			case i < 144:
				lengths[i] = 8
			case i < 256:
				lengths[i] = 9
			case i < 280:
				lengths[i] = 7
			default:
				lengths[i] = 8
			}
		}
		s.fixedLit, _ = buildHuffman(lengths)

		// All 32 five-bit codes make the table complete; inflateBlock
		// rejects the two unused symbols 30 and 31.
		distLengths := make([]uint8, 32)
		for i := range distLengths {
			distLengths[i] = 5
		}
		s.fixedDist, _ = buildHuffman(distLengths)
	}
	return s.fixedLit, s.fixedDist
}

var clenOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

func (s *Scanner) dynamicTables() (*huffman, *huffman, error) {
	hlit, err := s.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := s.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := s.bits(4)
	if err != nil {
		return nil, nil, err
	}
	nlit, ndist := int(hlit)+257, int(hdist)+1
	if nlit > 286 || ndist > 30 {
		return nil, nil, errors.New("flatescan: too many huffman symbols")
	}

	var clens [19]uint8
	for i := 0; i < int(hclen)+4; i++ {
		v, err := s.bits(3)
		if err != nil {
			return nil, nil, err
		}
		clens[clenOrder[i]] = uint8(v)
	}
	clenTable, err := buildHuffman(clens[:])
	if err != nil {
		return nil, nil, err
	}

	lengths := make([]uint8, nlit+ndist)
	for i := 0; i < len(lengths); {
		sym, err := s.decodeSym(clenTable)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			lengths[i] = uint8(sym)
			i++
		case sym == 16:
			if i == 0 {
				return nil, nil, errors.New("flatescan: repeat with no previous length")
			}
			n, err := s.bits(2)
			if err != nil {
				return nil, nil, err
			}
			prev := lengths[i-1]
			for j := 0; j < int(n)+3; j++ {
				if i >= len(lengths) {
					return nil, nil, errors.New("flatescan: length repeat overflow")
				}
				lengths[i] = prev
				i++
			}
		case sym == 17:
			n, err := s.bits(3)
			if err != nil {
				return nil, nil, err
			}
			i += int(n) + 3
		default: // 18
			n, err := s.bits(7)
			if err != nil {
				return nil, nil, err
			}
			i += int(n) + 11
		}
		if i > len(lengths) {
			return nil, nil, errors.New("flatescan: length repeat overflow")
		}
	}
	if lengths[256] == 0 {
		return nil, nil, errors.New("flatescan: missing end-of-block code")
	}

	lit, err := buildHuffman(lengths[:nlit])
	if err != nil {
		return nil, nil, err
	}
	dist, err := buildHuffman(lengths[nlit:])
	if err != nil {
		return nil, nil, err
	}
	return lit, dist, nil
}

var (
	lenBase = [29]uint32{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lenExtra = [29]uint{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distBase = [30]uint32{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
	}
	distExtra = [30]uint{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}
)

func (s *Scanner) inflateBlock(lit, dist *huffman) error {
	for {
		sym, err := s.decodeSym(lit)
		if err != nil {
			return err
		}
		if sym < 256 {
			s.writeByte(byte(sym))
			continue
		}
		if sym == 256 {
			return nil
		}
		li := int(sym) - 257
		if li >= len(lenBase) {
			return errBadCode
		}
		extra, err := s.bits(lenExtra[li])
		if err != nil {
			return err
		}
		length := int(lenBase[li] + extra)

		dsym, err := s.decodeSym(dist)
		if err != nil {
			return err
		}
		if int(dsym) >= len(distBase) {
			return errBadCode
		}
		extra, err = s.bits(distExtra[dsym])
		if err != nil {
			return err
		}
		distance := int64(distBase[dsym] + extra)
		if distance > s.out || distance > WindowSize {
			return errors.New("flatescan: back-reference before start of window")
		}

		from := s.winPos - int(distance)
		if from < 0 {
			from += WindowSize
		}
		for i := 0; i < length; i++ {
			s.writeByte(s.win[from])
			from++
			if from == WindowSize {
				from = 0
			}
		}
	}
}

// Finish validates the gzip trailer after the final block and checks that
// nothing follows it.
func (s *Scanner) Finish() error {
	if s.err != nil {
		return s.err
	}
	s.flush()
	var trailer [8]byte
	for i := range trailer {
		b, err := s.alignedByte()
		if err != nil {
			return err
		}
		trailer[i] = b
	}
	wantCRC := uint32(trailer[0]) | uint32(trailer[1])<<8 | uint32(trailer[2])<<16 | uint32(trailer[3])<<24
	wantSize := uint32(trailer[4]) | uint32(trailer[5])<<8 | uint32(trailer[6])<<16 | uint32(trailer[7])<<24
	if wantCRC != s.crc || wantSize != uint32(s.out) {
		return ErrChecksum
	}
	if _, err := s.br.ReadByte(); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}
