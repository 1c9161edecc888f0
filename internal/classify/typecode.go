package classify

import "golang.org/x/exp/slices"

// TypeCode is the artifact category assigned by the monitor. The values are
// shared with the monitor's output header and must never be renumbered.
type TypeCode int

const (
	ProcessDump         TypeCode = 0
	Compression         TypeCode = 1
	InjectionPE         TypeCode = 3
	InjectionShellcode  TypeCode = 4
	ExtractionPE        TypeCode = 8
	ExtractionShellcode TypeCode = 9
	PlugXPayload        TypeCode = 0x10
	PlugXConfig         TypeCode = 0x11
	EvilGrabPayload     TypeCode = 0x14
	EvilGrabData        TypeCode = 0x15
	UPX                 TypeCode = 0x1000
)

var knownCodes = []TypeCode{
	ProcessDump,
	Compression,
	InjectionPE,
	InjectionShellcode,
	ExtractionPE,
	ExtractionShellcode,
	PlugXPayload,
	PlugXConfig,
	EvilGrabPayload,
	EvilGrabData,
	UPX,
}

// codes whose label gets the bitness/kind suffix
var imageCodes = []TypeCode{
	Compression,
	InjectionPE,
	InjectionShellcode,
	ExtractionPE,
	ExtractionShellcode,
	PlugXPayload,
	EvilGrabPayload,
	UPX,
}

func (c TypeCode) String() string {
	switch c {
	case Compression:
		return "Decompressed PE Image"
	case InjectionPE:
		return "Injected PE Image"
	case InjectionShellcode:
		return "Injected Shellcode/Data"
	case ExtractionPE:
		return "Extracted PE Image"
	case ExtractionShellcode:
		return "Extracted Shellcode"
	case PlugXPayload:
		return "PlugX Payload"
	case PlugXConfig:
		return "PlugX Config"
	case EvilGrabPayload:
		return "EvilGrab Payload"
	case EvilGrabData:
		return "EvilGrab Data"
	case UPX:
		return "Unpacked PE Image"
	default:
		return ""
	}
}

// Known reports whether c is part of the monitor's table.
func (c TypeCode) Known() bool {
	return slices.Contains(knownCodes, c)
}

// Normalize maps any code outside the table to ProcessDump.
func Normalize(code int) TypeCode {
	c := TypeCode(code)
	if !c.Known() {
		return ProcessDump
	}
	return c
}

func (c TypeCode) describesImage() bool {
	return slices.Contains(imageCodes, c)
}
