package monoxgas

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strconv"

	"github.com/saferwall/pe"

	"capextract/internal/common"
)

var relativeJump = [5]byte{0xe8, 0, 0, 0, 0}

// https://github.com/monoxgas/sRDI/blob/9fdd5c44383039519accd1e6bac4acd5a046a92c/Python/ShellcodeRDI.py#L76-L80
var arch64Sig = [4]byte{0x59, 0x49, 0x89, 0xc8}

// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L158-L168
var arch32Sig = [6]byte{0x58, 0x55, 0x89, 0xe5, 0x89, 0xc2}

// bootstrap call instruction precedes every offset the stub encodes
const bootstrapCallSize = 5

type Factory struct {
}

func (f *Factory) Build(content []byte) common.Unpacker {
	return New(content)
}

type Unpacker struct {
	buf  *bytes.Reader
	size int64
}

type Payload struct {
	Metadata Metadata
	DLL      []byte
}

type Metadata struct {
	FunctionHash uint32
	UserData     string
	Flags        uint32
	Arch         common.CPUArch
}

// TargetFunction resolves the export whose ror13 hash the stub calls.
func (p *Payload) TargetFunction() (string, error) {
	dll, err := pe.NewBytes(p.DLL, &pe.Options{})
	if err != nil {
		return "", fmt.Errorf("unable to open embedded DLL. %v", err)
	}
	err = dll.Parse()
	if err != nil {
		return "", fmt.Errorf("unable to parse embedded DLL. %v", err)
	}

	for _, export := range dll.Export.Functions {
		if HashFunctionName(export.Name) == p.Metadata.FunctionHash {
			return export.Name, nil
		}
	}

	return "", fmt.Errorf("no matching exported function for hash: 0x%x", p.Metadata.FunctionHash)
}

// HashFunctionName is the ror13 hash sRDI uses to locate the exported
// function, computed over the name including its terminating NUL.
func HashFunctionName(name string) uint32 {
	var funcHash uint32
	cstr := append([]byte(name), 0x00)
	for _, char := range cstr {
		// https://github.com/monoxgas/sRDI/blob/9fdd5c44383039519accd1e6bac4acd5a046a92c/Python/ShellcodeRDI.py#L51
		funcHash = bits.RotateLeft32(funcHash, -13)
		funcHash += uint32(char)
	}
	return funcHash
}

func (m *Metadata) ClearsHeader() bool {
	return m.Flags&0x1 == 1
}

func (m *Metadata) ClearsMemory() bool {
	return m.Flags&0x2 == 0x2
}

func (m *Metadata) PassesShellcodeBaseToTargetFunction() bool {
	return m.Flags&0x8 == 0x8
}

func (m *Metadata) ObfuscatesImports() bool {
	return m.Flags&0x4 == 0x4
}

func New(content []byte) *Unpacker {
	return &Unpacker{buf: bytes.NewReader(content), size: int64(len(content))}
}

func (u *Unpacker) Name() string {
	return "Monoxgas sRDI"
}

func (u *Unpacker) isAMD64() (bool, error) {
	u.buf.Seek(int64(len(relativeJump)), io.SeekStart)

	archComparator := [4]byte{}
	err := binary.Read(u.buf, binary.LittleEndian, &archComparator)
	if err != nil {
		return false, fmt.Errorf("unable to determine if architecture of input was AMD64. %v", err)
	}
	return archComparator == arch64Sig, nil
}

func (u *Unpacker) isX86() (bool, error) {
	u.buf.Seek(int64(len(relativeJump)), io.SeekStart)

	archComparator := [6]byte{}
	err := binary.Read(u.buf, binary.LittleEndian, &archComparator)
	if err != nil {
		return false, fmt.Errorf("unable to determine if architecture of input was x86. %v", err)
	}
	return archComparator == arch32Sig, nil
}

// readBlobs pulls the DLL and user data out once the stub offsets are known.
func (u *Unpacker) readBlobs(dllOffset, userDataOffset, userDataLength uint32) ([]byte, []byte, error) {
	// User data follows the DLL, so the gap between the offsets is the DLL size
	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L89
	if userDataOffset < dllOffset {
		return nil, nil, fmt.Errorf("user data offset 0x%x precedes dll offset 0x%x", userDataOffset, dllOffset)
	}
	dllLength := int64(userDataOffset - dllOffset)
	start := int64(dllOffset) + bootstrapCallSize
	if start+dllLength+int64(userDataLength) > u.size {
		return nil, nil, fmt.Errorf("embedded dll (%d bytes) and user data (%d bytes) exceed input size", dllLength, userDataLength)
	}

	u.buf.Seek(start, io.SeekStart)
	dllBytes := make([]byte, dllLength)
	if _, err := io.ReadFull(u.buf, dllBytes); err != nil {
		return nil, nil, fmt.Errorf("unable to extract DLL bytes. %v", err)
	}

	userDataBytes := make([]byte, userDataLength)
	if _, err := io.ReadFull(u.buf, userDataBytes); err != nil {
		return nil, nil, fmt.Errorf("unable to extract user data. %v", err)
	}
	return dllBytes, userDataBytes, nil
}

func (u *Unpacker) unpack64bit() (Payload, error) {
	var err error
	var result Payload
	meta := Metadata{Arch: common.AMD64}

	u.buf.Seek(int64(len(relativeJump))+int64(len(arch64Sig)), io.SeekStart)
	// Skip MOV EDX byte to get unsigned 32-bit operand
	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L83
	u.buf.Seek(1, io.SeekCurrent)

	err = binary.Read(u.buf, binary.LittleEndian, &meta.FunctionHash)
	if err != nil {
		return result, fmt.Errorf("unable to get function hash. %v", err)
	}

	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L88
	u.buf.Seek(3, io.SeekCurrent)

	var userDataOffset uint32
	err = binary.Read(u.buf, binary.LittleEndian, &userDataOffset)
	if err != nil {
		return result, fmt.Errorf("unable to get user data offset. %v", err)
	}

	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L93
	u.buf.Seek(2, io.SeekCurrent)
	var userDataLength uint32
	err = binary.Read(u.buf, binary.LittleEndian, &userDataLength)
	if err != nil {
		return result, fmt.Errorf("unable to get user data length. %v", err)
	}

	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L96-L114
	u.buf.Seek(20, io.SeekCurrent)

	var dllOffset uint32
	err = binary.Read(u.buf, binary.LittleEndian, &dllOffset)
	if err != nil {
		return result, fmt.Errorf("unable to get dll offset. %v", err)
	}

	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L118-L119
	u.buf.Seek(4, io.SeekCurrent)
	err = binary.Read(u.buf, binary.LittleEndian, &meta.Flags)
	if err != nil {
		return result, fmt.Errorf("unable to get flags data. %v", err)
	}

	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L123-L134
	result.DLL, err = u.extractBlobs(&meta, dllOffset, userDataOffset, userDataLength)
	if err != nil {
		return result, err
	}
	result.Metadata = meta
	return result, nil
}

func (u *Unpacker) unpack32bit() (Payload, error) {
	var err error
	var result Payload
	meta := Metadata{Arch: common.X86}

	u.buf.Seek(int64(len(relativeJump))+int64(len(arch32Sig)), io.SeekStart)
	// https://github.com/monoxgas/sRDI/blob/master/Python/ShellcodeRDI.py#L158-L171
	u.buf.Seek(1, io.SeekCurrent)

	err = binary.Read(u.buf, binary.LittleEndian, &meta.Flags)
	if err != nil {
		return result, fmt.Errorf("unable to read flag data. %v", err)
	}

	u.buf.Seek(3, io.SeekCurrent)

	var userDataOffset uint32
	err = binary.Read(u.buf, binary.LittleEndian, &userDataOffset)
	if err != nil {
		return result, fmt.Errorf("unable to get user data location. %v", err)
	}

	u.buf.Seek(1, io.SeekCurrent)

	var userDataLength uint32
	err = binary.Read(u.buf, binary.LittleEndian, &userDataLength)
	if err != nil {
		return result, fmt.Errorf("unable to get user data length. %v", err)
	}

	u.buf.Seek(2, io.SeekCurrent)
	err = binary.Read(u.buf, binary.LittleEndian, &meta.FunctionHash)
	if err != nil {
		return result, fmt.Errorf("unable to get function hash. %v", err)
	}

	u.buf.Seek(1, io.SeekCurrent)
	var dllOffset uint32
	err = binary.Read(u.buf, binary.LittleEndian, &dllOffset)
	if err != nil {
		return result, fmt.Errorf("unable to get dll offset. %v", err)
	}

	result.DLL, err = u.extractBlobs(&meta, dllOffset, userDataOffset, userDataLength)
	if err != nil {
		return result, err
	}
	result.Metadata = meta
	return result, nil
}

func (u *Unpacker) extractBlobs(meta *Metadata, dllOffset, userDataOffset, userDataLength uint32) ([]byte, error) {
	dll, userData, err := u.readBlobs(dllOffset, userDataOffset, userDataLength)
	if err != nil {
		return nil, err
	}
	meta.UserData = string(userData)
	return dll, nil
}

func (u *Unpacker) Extract() (*Payload, error) {
	var err error
	arch64, err := u.isAMD64()
	if err != nil {
		return nil, err
	}

	arch32, err := u.isX86()
	if err != nil {
		return nil, err
	}

	var payload Payload
	if arch64 {
		payload, err = u.unpack64bit()
		if err != nil {
			return nil, fmt.Errorf("error while attempting to unpack 64-bit. %v", err)
		}
	} else if arch32 {
		payload, err = u.unpack32bit()
		if err != nil {
			return nil, fmt.Errorf("error while attempting to unpack 32-bit. %v", err)
		}
	} else {
		return nil, fmt.Errorf("unable to determine architecture of input data")
	}

	return &payload, nil
}

func (u *Unpacker) Identified() (string, error) {
	var result string

	payload, err := u.Extract()
	if err != nil {
		return "", fmt.Errorf("error while attempting to extract payload. %v", err)
	}

	result += fmt.Sprintf("[+] CPU Arch: %s\n", common.ArchToString(payload.Metadata.Arch))
	result += fmt.Sprintf("[+] DLL Size (bytes): %d\n", len(payload.DLL))
	result += fmt.Sprintf("[+] User Data: %s\n", payload.Metadata.UserData)
	result += fmt.Sprintf("[+] Flags:\n")
	result += fmt.Sprintf("\t Clears Header: %s\n", strconv.FormatBool(payload.Metadata.ClearsHeader()))
	result += fmt.Sprintf("\t Clears Memory: %s\n", strconv.FormatBool(payload.Metadata.ClearsMemory()))
	result += fmt.Sprintf("\t Passes Shellcode Base: %s\n", strconv.FormatBool(payload.Metadata.PassesShellcodeBaseToTargetFunction()))
	result += fmt.Sprintf("\t Obfuscates Imports: %s\n", strconv.FormatBool(payload.Metadata.ObfuscatesImports()))
	result += fmt.Sprintf("[+] Target Function Hash: 0x%x\n", payload.Metadata.FunctionHash)

	targetFunc, err := payload.TargetFunction()
	if err != nil {
		return "", fmt.Errorf("could not identify target function. %v", err)
	}
	result += fmt.Sprintf("[*] Target Function: %s", targetFunc)
	return result, nil
}

func (u *Unpacker) CanUnpack() bool {
	u.buf.Seek(0, io.SeekStart)

	relJumpComparison := [5]byte{}
	err := binary.Read(u.buf, binary.LittleEndian, &relJumpComparison)
	if err != nil || relativeJump != relJumpComparison {
		return false
	}

	arch64, _ := u.isAMD64()
	arch32, _ := u.isX86()
	return arch64 || arch32
}

func (u *Unpacker) UnpackToFile(_ context.Context, path string) error {
	payload, err := u.Extract()
	if err != nil {
		return fmt.Errorf("failed to unpack to file. %v", err)
	}
	err = os.WriteFile(path, payload.DLL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write payload to file. %v", err)
	}
	return nil
}

// Decode reports the loader configuration of an sRDI stub.
func Decode(content []byte) (map[string]any, error) {
	payload, err := New(content).Extract()
	if err != nil {
		return nil, err
	}

	config := map[string]any{
		"arch":                  common.ArchToString(payload.Metadata.Arch),
		"dll_size":              len(payload.DLL),
		"function_hash":         fmt.Sprintf("0x%08x", payload.Metadata.FunctionHash),
		"user_data":             payload.Metadata.UserData,
		"clears_header":         payload.Metadata.ClearsHeader(),
		"clears_memory":         payload.Metadata.ClearsMemory(),
		"obfuscates_imports":    payload.Metadata.ObfuscatesImports(),
		"passes_shellcode_base": payload.Metadata.PassesShellcodeBaseToTargetFunction(),
	}
	if name, err := payload.TargetFunction(); err == nil {
		config["target_function"] = name
	}
	return config, nil
}
