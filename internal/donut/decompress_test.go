package donut

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressAPLib(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"literal then end", []byte{'a', 0x60, 'b', 0x00}, "ab"},
		{"short match", []byte{'a', 0xd8, 0x03, 0x00}, "aaaa"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecompressAPLib(tt.in, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDecompressAPLibErrors(t *testing.T) {
	_, err := DecompressAPLib(nil, 0)
	assert.Error(t, err)

	// stream ends before the end marker
	_, err = DecompressAPLib([]byte{'a', 0x60}, 0)
	assert.Error(t, err)

	// match longer than the expected output
	_, err = DecompressAPLib([]byte{'a', 0xd8, 0x03, 0x00}, 2)
	assert.Error(t, err)
}

// expanding gamma-coded match length, roughly 2^28 bytes unbounded
var aplibBomb = append(append([]byte{'A', 0xaf, 0x01}, bytes.Repeat([]byte{0xff}, 6)...), 0xb0, 0x00)

func TestDecompressAPLibBounded(t *testing.T) {
	for _, limit := range []int{0, -1, 1 << 30} {
		got, err := DecompressAPLib(aplibBomb, limit)
		assert.Error(t, err, "limit %d", limit)
		assert.Nil(t, got)
	}
}

func lznt1Header(length int, compressed bool) []byte {
	header := uint16(length-1) | 0x3000
	if compressed {
		header |= 0x8000
	}
	return binary.LittleEndian.AppendUint16(nil, header)
}

func TestDecompressLZNT1(t *testing.T) {
	compressed := []byte{0x08, 'a', 'b', 'c', 0x03, 0x20}
	stream := append(lznt1Header(len(compressed), true), compressed...)
	got, err := DecompressLZNT1(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcabcabc", string(got))

	raw := []byte("stored chunk")
	stream = append(lznt1Header(len(raw), false), raw...)
	stream = append(stream, 0, 0)
	got, err = DecompressLZNT1(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, "stored chunk", string(got))
}

func TestDecompressLZNT1Errors(t *testing.T) {
	_, err := DecompressLZNT1(append(lznt1Header(16, true), 0x00), 0)
	assert.Error(t, err)

	// back reference before the start of the chunk
	bad := []byte{0x01, 0x00, 0x00}
	_, err = DecompressLZNT1(append(lznt1Header(len(bad), true), bad...), 0)
	assert.Error(t, err)

	// stored chunk larger than the expected output
	raw := []byte("stored chunk")
	_, err = DecompressLZNT1(append(lznt1Header(len(raw), false), raw...), 4)
	assert.Error(t, err)

	// back reference expanding past the expected output
	compressed := []byte{0x08, 'a', 'b', 'c', 0x03, 0x20}
	_, err = DecompressLZNT1(append(lznt1Header(len(compressed), true), compressed...), 5)
	assert.Error(t, err)
}

func TestDecompressBuffer(t *testing.T) {
	got, err := DecompressBuffer(NoCompression, 0, []byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got))

	got, err = DecompressBuffer(APLib, 1, []byte{'a', 0x60, 'b', 0x00})
	assert.Error(t, err)
	assert.Nil(t, got)

	got, err = DecompressBuffer(APLib, 2, []byte{'a', 0x60, 'b', 0x00})
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))

	for _, size := range []uint32{0, MaxDecompressedSize + 1, 0xffffffff} {
		_, err = DecompressBuffer(APLib, size, aplibBomb)
		assert.ErrorIs(t, err, ErrUncompressedSize, "size %d", size)
		_, err = DecompressBuffer(LZNT1, size, nil)
		assert.ErrorIs(t, err, ErrUncompressedSize, "size %d", size)
	}

	_, err = DecompressBuffer(APLib, MaxDecompressedSize, aplibBomb)
	assert.Error(t, err)

	if runtime.GOOS != "windows" {
		_, err = DecompressBuffer(Xpress, 16, []byte{0})
		assert.ErrorIs(t, err, ErrUnsupportedCompression)
	}
}
