//go:build windows

package donut

import (
	"fmt"
	"syscall"
	"unsafe"
)

// https://github.com/TheWover/donut/blob/dafea1702ce2e71d5139c4d583627f7ee740f3ae/loader/loader.c#L237-L301

const COMPRESSION_ENGINE_MAXIMUM = 0x0100

var (
	ntdll               = syscall.NewLazyDLL("ntdll.dll")
	RtlDecompressBuffer = ntdll.NewProc("RtlDecompressBuffer")
	// RtlGetCompressionWorkSpaceSize https://learn.microsoft.com/en-us/windows-hardware/drivers/ddi/ntifs/nf-ntifs-rtlgetcompressionworkspacesize
	RtlGetCompressionWorkSpaceSize = ntdll.NewProc("RtlGetCompressionWorkSpaceSize")
)

// decompressNative hands the Xpress variants to ntdll.
func decompressNative(algorithm CompressionEngine, dSize uint32, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no compressed data")
	}
	result := make([]byte, dSize+uint32(unsafe.Sizeof(module{})))
	compressionAlgo := (int(algorithm) - 1) | COMPRESSION_ENGINE_MAXIMUM

	var bufferWorkSpaceSize uint32
	var fragmentWorkSpaceSize uint32
	var finalUncompressedSize uint32

	nts, _, _ := RtlGetCompressionWorkSpaceSize.Call(uintptr(compressionAlgo),
		uintptr(unsafe.Pointer(&bufferWorkSpaceSize)),
		uintptr(unsafe.Pointer(&fragmentWorkSpaceSize)),
	)
	if nts != 0 {
		return nil, fmt.Errorf("failed to create compression work space")
	}

	nts, _, _ = RtlDecompressBuffer.Call(uintptr(compressionAlgo),
		uintptr(unsafe.Pointer(&result[0])),
		uintptr(len(result)),
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(unsafe.Pointer(&finalUncompressedSize)),
	)
	if nts != 0 {
		return nil, fmt.Errorf("failed to decompress buffer")
	}
	return result[:finalUncompressedSize], nil
}
