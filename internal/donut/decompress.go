package donut

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCompression = errors.New("compression engine not supported on this platform")
	ErrUncompressedSize       = errors.New("uncompressed size out of range")
)

// MaxDecompressedSize caps every decompressed payload regardless of what the
// instance claims.
const MaxDecompressedSize = 64 << 20

// DecompressBuffer the input data given the size of the decompressed data (dSize) and the compression engine (algorithm)
func DecompressBuffer(algorithm CompressionEngine, dSize uint32, data []byte) ([]byte, error) {
	var result []byte
	var err error

	if algorithm == NoCompression {
		return data, nil
	}
	if dSize == 0 || dSize > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: %d", ErrUncompressedSize, dSize)
	}

	switch algorithm {
	case APLib:
		result, err = DecompressAPLib(data, int(dSize))
	case LZNT1:
		result, err = DecompressLZNT1(data, int(dSize))
	default:
		result, err = decompressNative(algorithm, dSize, data)
	}
	if err != nil {
		return nil, err
	}
	if dSize > 0 && len(result) > int(dSize) {
		result = result[:dSize]
	}
	return result, nil
}

// boundLimit falls back to MaxDecompressedSize when limit is unset or larger.
func boundLimit(limit int) int {
	if limit <= 0 || limit > MaxDecompressedSize {
		return MaxDecompressedSize
	}
	return limit
}

// initialCap keeps a hostile size field from forcing a huge allocation.
func initialCap(limit int) int {
	return min(limit, 1<<20)
}

type aplibState struct {
	src      []byte
	pos      int
	tag      byte
	bitcount int
}

var errAPLibTruncated = errors.New("aPLib stream truncated")

func (s *aplibState) byte() (byte, error) {
	if s.pos >= len(s.src) {
		return 0, errAPLibTruncated
	}
	b := s.src[s.pos]
	s.pos++
	return b, nil
}

func (s *aplibState) bit() (uint, error) {
	if s.bitcount == 0 {
		tag, err := s.byte()
		if err != nil {
			return 0, err
		}
		s.tag = tag
		s.bitcount = 8
	}
	s.bitcount--
	bit := uint(s.tag>>7) & 1
	s.tag <<= 1
	return bit, nil
}

func (s *aplibState) gamma() (uint, error) {
	result := uint(1)
	for {
		b, err := s.bit()
		if err != nil {
			return 0, err
		}
		result = result<<1 + b
		more, err := s.bit()
		if err != nil {
			return 0, err
		}
		if more == 0 {
			return result, nil
		}
	}
}

// copyMatch appends length bytes starting offset bytes back, allowing overlap.
func copyMatch(out []byte, offset, length uint, limit int) ([]byte, error) {
	if offset == 0 || offset > uint(len(out)) {
		return nil, fmt.Errorf("match offset %d outside output of %d bytes", offset, len(out))
	}
	if length > uint(limit) || len(out)+int(length) > limit {
		return nil, fmt.Errorf("match overruns expected size %d", limit)
	}
	start := len(out) - int(offset)
	for i := 0; i < int(length); i++ {
		out = append(out, out[start+i])
	}
	return out, nil
}

// DecompressAPLib depacks a raw aPLib stream. limit bounds the output; zero
// means MaxDecompressedSize.
func DecompressAPLib(data []byte, limit int) ([]byte, error) {
	limit = boundLimit(limit)
	s := &aplibState{src: data}
	out := make([]byte, 0, initialCap(limit))

	first, err := s.byte()
	if err != nil {
		return nil, err
	}
	out = append(out, first)

	var r0 uint
	lwm := false
	for {
		if len(out) > limit {
			return nil, fmt.Errorf("aPLib output exceeds expected size %d", limit)
		}
		b, err := s.bit()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			lit, err := s.byte()
			if err != nil {
				return nil, err
			}
			out = append(out, lit)
			lwm = false
			continue
		}

		if b, err = s.bit(); err != nil {
			return nil, err
		}
		if b == 0 {
			offs, err := s.gamma()
			if err != nil {
				return nil, err
			}
			var length uint
			if !lwm && offs == 2 {
				offs = r0
				if length, err = s.gamma(); err != nil {
					return nil, err
				}
			} else {
				if lwm {
					offs -= 2
				} else {
					offs -= 3
				}
				low, err := s.byte()
				if err != nil {
					return nil, err
				}
				offs = offs<<8 + uint(low)
				if length, err = s.gamma(); err != nil {
					return nil, err
				}
				if offs >= 32000 {
					length++
				}
				if offs >= 1280 {
					length++
				}
				if offs < 128 {
					length += 2
				}
				r0 = offs
			}
			if out, err = copyMatch(out, offs, length, limit); err != nil {
				return nil, err
			}
			lwm = true
			continue
		}

		if b, err = s.bit(); err != nil {
			return nil, err
		}
		if b == 0 {
			v, err := s.byte()
			if err != nil {
				return nil, err
			}
			length := 2 + uint(v&1)
			offs := uint(v >> 1)
			if offs == 0 {
				return out, nil
			}
			if out, err = copyMatch(out, offs, length, limit); err != nil {
				return nil, err
			}
			r0 = offs
			lwm = true
			continue
		}

		var offs uint
		for i := 0; i < 4; i++ {
			bit, err := s.bit()
			if err != nil {
				return nil, err
			}
			offs = offs<<1 + bit
		}
		if offs == 0 {
			out = append(out, 0)
		} else {
			if out, err = copyMatch(out, offs, 1, limit); err != nil {
				return nil, err
			}
		}
		lwm = false
	}
}

// DecompressLZNT1 expands an LZNT1 buffer chunk by chunk. limit works as in
// DecompressAPLib.
func DecompressLZNT1(data []byte, limit int) ([]byte, error) {
	limit = boundLimit(limit)
	out := make([]byte, 0, initialCap(limit))
	for len(data) >= 2 {
		header := binary.LittleEndian.Uint16(data)
		if header == 0 {
			break
		}
		length := int(header&0x0fff) + 1
		if 2+length > len(data) {
			return nil, fmt.Errorf("LZNT1 chunk of %d bytes exceeds input", length)
		}
		chunk := data[2 : 2+length]
		data = data[2+length:]

		if header&0x8000 == 0 {
			if len(out)+len(chunk) > limit {
				return nil, fmt.Errorf("LZNT1 output exceeds expected size %d", limit)
			}
			out = append(out, chunk...)
			continue
		}
		var err error
		if out, err = lznt1Chunk(out, chunk, limit); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func lznt1Chunk(out, chunk []byte, limit int) ([]byte, error) {
	base := len(out)
	for len(chunk) > 0 {
		flags := chunk[0]
		chunk = chunk[1:]
		for i := 0; i < 8 && len(chunk) > 0; i++ {
			if flags>>i&1 == 0 {
				if len(out) >= limit {
					return nil, fmt.Errorf("LZNT1 output exceeds expected size %d", limit)
				}
				out = append(out, chunk[0])
				chunk = chunk[1:]
				continue
			}
			if len(chunk) < 2 {
				return nil, errors.New("LZNT1 token truncated")
			}
			token := binary.LittleEndian.Uint16(chunk)
			chunk = chunk[2:]

			pos := len(out) - base - 1
			lengthMask, offsetShift := uint16(0x0fff), uint(12)
			for pos >= 0x10 {
				lengthMask >>= 1
				offsetShift--
				pos >>= 1
			}
			length := uint(token&lengthMask) + 3
			offset := uint(token>>offsetShift) + 1
			if offset > uint(len(out)-base) {
				return nil, fmt.Errorf("LZNT1 offset %d outside chunk", offset)
			}
			var err error
			if out, err = copyMatch(out, offset, length, limit); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
