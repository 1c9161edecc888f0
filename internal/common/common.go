package common

import "context"

// Unpacker strips one packing layer from the content it was built with.
type Unpacker interface {
	Name() string
	Identified() (string, error)
	CanUnpack() bool
	UnpackToFile(ctx context.Context, path string) error
}

type UnpackerFactory interface {
	Build([]byte) Unpacker
}

// ConfigDecoder extracts a family configuration from an artifact's bytes.
type ConfigDecoder interface {
	Decode(content []byte) (map[string]any, error)
}

// DecoderFunc adapts a plain function to ConfigDecoder.
type DecoderFunc func(content []byte) (map[string]any, error)

func (f DecoderFunc) Decode(content []byte) (map[string]any, error) {
	return f(content)
}

type CPUArch int

const (
	AMD64 CPUArch = iota
	X86
	MultiArch
	Unknown
)

func ArchToString(arch CPUArch) string {
	if arch == AMD64 {
		return "AMD64"
	} else if arch == X86 {
		return "X86"
	} else if arch == MultiArch {
		return "x86 + AMD64"
	}
	return "UNKNOWN"
}
