// Package filetype produces file(1) style descriptions for artifact bytes.
// Only the formats the classifier and packers care about are recognised in
// detail; everything else falls back to "data" or a text description.
package filetype

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/saferwall/pe"
)

type Identifier interface {
	Identify(content []byte) string
}

const (
	imageFileDLL = 0x2000

	machineI386  = 0x14c
	machineAMD64 = 0x8664
	machineARM64 = 0xaa64

	subsystemGUI = 2
	subsystemCUI = 3
)

// Magic is the default Identifier.
type Magic struct{}

func New() *Magic {
	return &Magic{}
}

func (m *Magic) Identify(content []byte) string {
	switch {
	case len(content) == 0:
		return "empty"
	case bytes.HasPrefix(content, []byte("MZ")):
		if desc, err := describePE(content); err == nil {
			return desc
		}
		return "MS-DOS executable"
	case bytes.HasPrefix(content, []byte("\x7fELF")):
		return "ELF"
	case bytes.HasPrefix(content, []byte("PK\x03\x04")):
		if bytes.Contains(content, []byte("META-INF/")) {
			return "Java archive data (JAR)"
		}
		return "Zip archive data"
	case bytes.HasPrefix(content, []byte{0xca, 0xfe, 0xba, 0xbe}):
		return "compiled Java class data"
	case bytes.HasPrefix(content, []byte("<?xml")):
		return "XML document text"
	case bytes.HasPrefix(content, []byte("REGEDIT4")), bytes.HasPrefix(content, []byte("Windows Registry Editor")):
		return "Windows Registry text"
	case bytes.HasPrefix(content, []byte{0xff, 0xfe}), bytes.HasPrefix(content, []byte{0xfe, 0xff}):
		return "Unicode text, UTF-16"
	case isASCII(content):
		return "ASCII text"
	case utf8.Valid(content):
		return "UTF-8 Unicode text"
	}
	return "data"
}

func describePE(content []byte) (string, error) {
	file, err := pe.NewBytes(content, &pe.Options{Fast: true})
	if err != nil {
		return "", fmt.Errorf("unable to open PE. %v", err)
	}
	if err := file.Parse(); err != nil {
		return "", fmt.Errorf("unable to parse PE. %v", err)
	}

	header := peHeader{
		characteristics: uint16(file.NtHeader.FileHeader.Characteristics),
		machine:         uint16(file.NtHeader.FileHeader.Machine),
	}
	switch oh := file.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		header.subsystem = uint16(oh.Subsystem)
	case pe.ImageOptionalHeader64:
		header.is64 = true
		header.subsystem = uint16(oh.Subsystem)
	default:
		return "", fmt.Errorf("unknown optional header")
	}
	return header.String(), nil
}

type peHeader struct {
	is64            bool
	characteristics uint16
	subsystem       uint16
	machine         uint16
}

func (h peHeader) String() string {
	parts := []string{"PE32", "executable"}
	if h.is64 {
		parts[0] = "PE32+"
	}
	if h.characteristics&imageFileDLL != 0 {
		parts = append(parts, "(DLL)")
	}
	switch h.subsystem {
	case subsystemGUI:
		parts = append(parts, "(GUI)")
	case subsystemCUI:
		parts = append(parts, "(console)")
	}

	switch h.machine {
	case machineI386:
		parts = append(parts, "Intel 80386,")
	case machineAMD64:
		parts = append(parts, "x86-64,")
	case machineARM64:
		parts = append(parts, "Aarch64,")
	}
	parts = append(parts, "for MS Windows")
	return strings.Join(parts, " ")
}

func isASCII(content []byte) bool {
	for _, b := range content {
		if b >= 0x80 || (b < 0x20 && b != '\n' && b != '\r' && b != '\t') {
			return false
		}
	}
	return true
}
