// Package payload contains the pseudo-random bitmap served to saturate the
// download direction.
//
// The pool is filled once and never written again, so slices of it can be
// handed to any number of concurrent responses without locking or copying.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// HeaderSize is the size of the BMP file header plus BITMAPINFOHEADER.
const HeaderSize = 14 + 40

// ErrDimensions indicates that the configured bitmap dimensions do not
// reproduce the configured payload size.
var ErrDimensions = errors.New("payload: bitmap dimensions do not match size")

// Pool is an immutable BMP image of random pixels.
type Pool struct {
	width    int
	height   int
	bitDepth int
	size     int

	once sync.Once
	data []byte
}

// New validates the bitmap geometry and returns an unfilled pool. The pixel
// data is generated on the first call to Init, Slice or Bytes.
func New(width, height, bitDepth, size int) (*Pool, error) {
	if width <= 0 || height <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimension", ErrDimensions)
	}
	if bitDepth != 24 && bitDepth != 32 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDimensions, bitDepth)
	}
	stride := width * bitDepth / 8
	if stride%4 != 0 {
		// BMP rows are padded to four bytes, which would break the size.
		return nil, fmt.Errorf("%w: row stride %d is not a multiple of 4", ErrDimensions, stride)
	}
	if stride*height != size {
		return nil, fmt.Errorf("%w: %dx%dx%d != %d bytes", ErrDimensions, width, height, bitDepth, size)
	}
	return &Pool{
		width:    width,
		height:   height,
		bitDepth: bitDepth,
		size:     size,
	}, nil
}

// Init generates the pool contents. It is safe to call more than once; only
// the first call does any work.
func (p *Pool) Init() {
	p.once.Do(p.fill)
}

func (p *Pool) fill() {
	data := make([]byte, HeaderSize+p.size)
	writeHeader(data[:HeaderSize], p.width, p.height, p.bitDepth, p.size)
	// The pixels do not need to be unpredictable, only incompressible.
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	rnd.Read(data[HeaderSize:])
	p.data = data
}

func writeHeader(h []byte, width, height, bitDepth, size int) {
	le := binary.LittleEndian
	// BITMAPFILEHEADER
	h[0], h[1] = 'B', 'M'
	le.PutUint32(h[2:], uint32(HeaderSize+size))
	le.PutUint32(h[6:], 0) // reserved
	le.PutUint32(h[10:], HeaderSize)
	// BITMAPINFOHEADER
	le.PutUint32(h[14:], 40)
	le.PutUint32(h[18:], uint32(int32(width)))
	le.PutUint32(h[22:], uint32(int32(-height))) // top-down rows
	le.PutUint16(h[26:], 1)
	le.PutUint16(h[28:], uint16(bitDepth))
	le.PutUint32(h[30:], 0) // BI_RGB
	le.PutUint32(h[34:], uint32(size))
	le.PutUint32(h[38:], 2835) // 72 DPI
	le.PutUint32(h[42:], 2835)
	le.PutUint32(h[46:], 0)
	le.PutUint32(h[50:], 0)
}

// Len returns the size of the whole image, header included.
func (p *Pool) Len() int {
	return HeaderSize + p.size
}

// Slice returns the first n bytes of the image without copying. The caller
// MUST NOT modify the returned slice. n is clamped to [0, Len()].
func (p *Pool) Slice(n int) []byte {
	p.Init()
	if n < 0 {
		n = 0
	}
	if n > len(p.data) {
		n = len(p.data)
	}
	return p.data[:n:n]
}

// Bytes returns the whole image. The caller MUST NOT modify it.
func (p *Pool) Bytes() []byte {
	return p.Slice(p.Len())
}
