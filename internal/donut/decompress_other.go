//go:build !windows

package donut

import "fmt"

// Xpress and Xpress Huffman are only available through ntdll.
func decompressNative(algorithm CompressionEngine, _ uint32, _ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, algorithm)
}
