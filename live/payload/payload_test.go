package payload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/m-lab/go/testingx"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		width    int
		height   int
		bitDepth int
		size     int
		wantErr  bool
	}{
		{name: "rgba", width: 50, height: 50, bitDepth: 32, size: 10_000},
		{name: "rgb", width: 4, height: 10, bitDepth: 24, size: 120},
		{name: "size-mismatch", width: 50, height: 50, bitDepth: 32, size: 10_001, wantErr: true},
		{name: "padded-rows", width: 5, height: 10, bitDepth: 24, size: 150, wantErr: true},
		{name: "bad-depth", width: 50, height: 50, bitDepth: 8, size: 2_500, wantErr: true},
		{name: "zero", width: 0, height: 50, bitDepth: 32, size: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.width, tt.height, tt.bitDepth, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDimensions) {
				t.Errorf("New() error = %v, want ErrDimensions", err)
			}
		})
	}
}

func TestPool_Header(t *testing.T) {
	p, err := New(50, 20, 32, 4_000)
	testingx.Must(t, err, "failed to create pool")
	data := p.Bytes()
	if len(data) != HeaderSize+4_000 || p.Len() != len(data) {
		t.Fatalf("wrong image length %d", len(data))
	}
	if !bytes.Equal(data[:2], []byte("BM")) {
		t.Errorf("missing BMP magic: %q", data[:2])
	}
	le := binary.LittleEndian
	if got := le.Uint32(data[2:]); got != uint32(len(data)) {
		t.Errorf("file size = %d, want %d", got, len(data))
	}
	if got := le.Uint32(data[10:]); got != HeaderSize {
		t.Errorf("pixel offset = %d, want %d", got, HeaderSize)
	}
	if got := int32(le.Uint32(data[18:])); got != 50 {
		t.Errorf("width = %d, want 50", got)
	}
	if got := int32(le.Uint32(data[22:])); got != -20 {
		t.Errorf("height = %d, want -20", got)
	}
	if got := le.Uint16(data[28:]); got != 32 {
		t.Errorf("bit depth = %d, want 32", got)
	}
}

func TestPool_Slice(t *testing.T) {
	p, err := New(50, 50, 32, 10_000)
	testingx.Must(t, err, "failed to create pool")
	tests := []struct {
		n    int
		want int
	}{
		{n: -1, want: 0},
		{n: 0, want: 0},
		{n: 100, want: 100},
		{n: p.Len(), want: p.Len()},
		{n: p.Len() + 1, want: p.Len()},
	}
	for _, tt := range tests {
		if got := len(p.Slice(tt.n)); got != tt.want {
			t.Errorf("len(Slice(%d)) = %d, want %d", tt.n, got, tt.want)
		}
	}
	// Slices share the backing array and cannot be appended into it.
	a, b := p.Slice(200), p.Slice(300)
	if &a[0] != &b[0] {
		t.Error("Slice() copied the pool")
	}
	if cap(a) != 200 {
		t.Errorf("cap(Slice(200)) = %d, want 200", cap(a))
	}
}

func TestPool_ConcurrentInit(t *testing.T) {
	p, err := New(50, 50, 32, 10_000)
	testingx.Must(t, err, "failed to create pool")
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Bytes()
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		if &r[0] != &results[0][0] {
			t.Fatal("pool was initialized more than once")
		}
	}
}
