package donut

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/Binject/go-donut/donut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capextract/internal/common"
)

var embedded = []byte("MZ embedded module")

func newBody(instanceType InstanceType, moduleType ModuleType) instanceBody {
	body := instanceBody{
		InstanceType: instanceType,
		BypassPolicy: ContinueOnBypassFail,
		DonutModule: module{
			ModuleType:        moduleType,
			CompressionEngine: NoCompression,
			UncompressedSize:  uint32(len(embedded)),
		},
	}
	copy(body.DonutModule.MethodParameters[:], "abcd -q run")
	copy(body.RemoteServer[:], "http://stage.example/x")
	copy(body.HttpReq[:], "GET")
	return body
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	return buf.Bytes()
}

// shellcode wraps an instance the way the donut generator lays it out:
// call over the instance, then the loader stub.
func shellcode(instance []byte) []byte {
	out := []byte{0xe8}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(instance)))
	out = append(out, instance...)
	out = append(out, multiSig...)
	return append(out, bytes.Repeat([]byte{0x90}, 32)...)
}

func plaintextInstance(t *testing.T, body instanceBody, payload []byte) []byte {
	header := instanceHeader{EntropyLevel: NoEntropy}
	instance := append(encode(t, header), encode(t, body)...)
	return append(instance, payload...)
}

func TestExtractPlaintext(t *testing.T) {
	sc := shellcode(plaintextInstance(t, newBody(EmbeddedModule, ModuleTypeNativeExe), embedded))

	u := New(sc)
	require.True(t, u.CanUnpack())

	instance, err := u.Extract()
	require.NoError(t, err)
	assert.Equal(t, embedded, instance.Payload())
	assert.Equal(t, common.MultiArch, instance.arch)

	info, err := u.Identified()
	require.NoError(t, err)
	assert.Contains(t, info, "Native EXE")
	assert.Contains(t, info, "[ EP Parameters: -q run")
}

func TestExtractEncrypted(t *testing.T) {
	header := instanceHeader{EntropyLevel: DefaultEntropy}
	copy(header.InstanceDecryptionKey.MasterKey[:], "0123456789abcdef")
	copy(header.InstanceDecryptionKey.Counter[:], "fedcba9876543210")

	plain := append(encode(t, newBody(EmbeddedModule, ModuleTypeNativeDLL)), embedded...)
	key := append([]byte(nil), header.InstanceDecryptionKey.MasterKey[:]...)
	ctr := append([]byte(nil), header.InstanceDecryptionKey.Counter[:]...)
	encrypted := donut.Encrypt(key, ctr, plain)
	require.NotEqual(t, plain, encrypted)

	sc := shellcode(append(encode(t, header), encrypted...))
	instance, err := New(sc).Extract()
	require.NoError(t, err)
	assert.Equal(t, embedded, instance.Payload())
	assert.Equal(t, ModuleTypeNativeDLL, instance.body.DonutModule.ModuleType)
}

func TestExtractRejects(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"length past end", []byte{0xe8, 0xff, 0xff, 0xff, 0x7f, 0x00}},
		{"no loader stub", []byte{0xe8, 0x01, 0x00, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90}},
		{"instance too small", shellcode([]byte("tiny"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.in).Extract()
			assert.Error(t, err)
			assert.False(t, New(tt.in).CanUnpack())
		})
	}
}

func TestExtractRejectsUnboundedCompression(t *testing.T) {
	for _, size := range []uint32{0, MaxDecompressedSize + 1} {
		body := newBody(EmbeddedModule, ModuleTypeNativeExe)
		body.DonutModule.CompressionEngine = APLib
		body.DonutModule.UncompressedSize = size
		sc := shellcode(plaintextInstance(t, body, aplibBomb))

		_, err := New(sc).Extract()
		assert.ErrorContains(t, err, "uncompressed size out of range")
		_, err = Decode(sc)
		assert.Error(t, err)
	}

	body := newBody(EmbeddedModule, ModuleTypeNativeExe)
	body.DonutModule.CompressionEngine = APLib
	body.DonutModule.UncompressedSize = 1 << 20
	_, err := New(shellcode(plaintextInstance(t, body, aplibBomb))).Extract()
	assert.ErrorContains(t, err, "failed to decompress")
}

func TestUnpackToFile(t *testing.T) {
	sc := shellcode(plaintextInstance(t, newBody(EmbeddedModule, ModuleTypeNativeExe), embedded))
	path := filepath.Join(t.TempDir(), "module")
	require.NoError(t, (&Factory{}).Build(sc).UnpackToFile(context.Background(), path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, embedded, got)

	remote := shellcode(plaintextInstance(t, newBody(RemoteHTTPModule, ModuleTypeNativeExe), nil))
	assert.Error(t, New(remote).UnpackToFile(context.Background(), filepath.Join(t.TempDir(), "x")))
}

func TestDecode(t *testing.T) {
	sc := shellcode(plaintextInstance(t, newBody(EmbeddedModule, ModuleTypeNativeExe), embedded))
	config, err := Decode(sc)
	require.NoError(t, err)
	assert.Equal(t, "Native EXE", config["module_type"])
	assert.Equal(t, "No Compression", config["compression"])
	assert.Equal(t, "No Entropy", config["entropy"])
	assert.Equal(t, "-q run", config["parameters"])
	assert.Equal(t, len(embedded), config["module_size"])
	assert.NotContains(t, config, "remote_server")

	remote := shellcode(plaintextInstance(t, newBody(RemoteHTTPModule, ModuleTypeNativeExe), nil))
	config, err = Decode(remote)
	require.NoError(t, err)
	assert.Equal(t, "http://stage.example/x", config["remote_server"])
	assert.Equal(t, "GET", config["http_verb"])
	assert.NotContains(t, config, "module_type")

	_, err = Decode([]byte("nope"))
	assert.Error(t, err)
}
