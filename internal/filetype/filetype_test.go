package filetype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPEHeaderString(t *testing.T) {
	tests := []struct {
		name   string
		header peHeader
		want   string
	}{
		{"x86 dll", peHeader{characteristics: 0x2102, subsystem: subsystemGUI, machine: machineI386},
			"PE32 executable (DLL) (GUI) Intel 80386, for MS Windows"},
		{"x64 console", peHeader{is64: true, characteristics: 0x22, subsystem: subsystemCUI, machine: machineAMD64},
			"PE32+ executable (console) x86-64, for MS Windows"},
		{"x64 dll", peHeader{is64: true, characteristics: 0x2022, subsystem: subsystemGUI, machine: machineAMD64},
			"PE32+ executable (DLL) (GUI) x86-64, for MS Windows"},
		{"unknown machine", peHeader{machine: 0x1c0},
			"PE32 executable for MS Windows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.header.String())
		})
	}
}

func TestIdentifyNonPE(t *testing.T) {
	m := New()
	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{"empty", nil, "empty"},
		{"broken mz", []byte("MZ\x90\x00garbage"), "MS-DOS executable"},
		{"elf", []byte("\x7fELF\x02\x01\x01"), "ELF"},
		{"jar", []byte("PK\x03\x04....META-INF/MANIFEST.MF"), "Java archive data (JAR)"},
		{"zip", []byte("PK\x03\x04....payload.bin"), "Zip archive data"},
		{"class", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 0x34}, "compiled Java class data"},
		{"xml", []byte("<?xml version=\"1.0\"?><a/>"), "XML document text"},
		{"registry", []byte("Windows Registry Editor Version 5.00\r\n"), "Windows Registry text"},
		{"ascii", []byte("hello world\n"), "ASCII text"},
		{"utf8", []byte("h\xc3\xa9llo"), "UTF-8 Unicode text"},
		{"binary", []byte{0x00, 0x01, 0xfe, 0x80, 0x90}, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Identify(tt.content))
		})
	}
}
