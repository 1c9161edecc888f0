package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "dump.bin")
	require.NoError(t, os.WriteFile(artifact, []byte("MZ"), 0o644))

	sc, err := Read(artifact, DefaultSuffix)
	require.NoError(t, err)
	assert.Empty(t, sc.Raw)
	assert.Empty(t, sc.Fields)

	code, ok := sc.TypeCode()
	assert.False(t, ok)
	assert.Zero(t, code)
}

func TestReadFirstLineOnly(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "dump.bin")
	line := `3,1234,C:\Windows\explorer.exe,C:\Windows\explorer.exe,C:\Windows\notepad.exe,4321`
	require.NoError(t, os.WriteFile(artifact+DefaultSuffix, []byte(line+"\nsecond,line\n"), 0o644))

	sc, err := Read(artifact, DefaultSuffix)
	require.NoError(t, err)
	assert.Equal(t, line, sc.Raw)
	require.Len(t, sc.Fields, 6)

	code, ok := sc.TypeCode()
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	target, ok := sc.Field(FieldTargetPID)
	assert.True(t, ok)
	assert.Equal(t, "4321", target)
}

func TestShortSidecarNeverErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		fields int
	}{
		{"empty", "", 0},
		{"code only", "8", 1},
		{"code and pid", "8,100", 2},
		{"five fields", "9,100,a,b,0x401000", 5},
		{"crlf", "1,2\r\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := Parse(tt.line)
			assert.Len(t, sc.Fields, tt.fields)
			_, ok := sc.Field(FieldTargetPID)
			assert.False(t, ok)
			_, ok = sc.Field(-1)
			assert.False(t, ok)
		})
	}
}

func TestTypeCodeUnparsable(t *testing.T) {
	for _, line := range []string{"upx_unpacked.exe", "0x11,1", " ,2"} {
		code, ok := Parse(line).TypeCode()
		assert.False(t, ok, line)
		assert.Zero(t, code, line)
	}
	code, ok := Parse(" 4096 ,1").TypeCode()
	assert.True(t, ok)
	assert.Equal(t, 4096, code)
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "unpacked.bin")
	require.NoError(t, Write(artifact, DefaultSuffix, Line("4096", "", "", "")))

	sc, err := Read(artifact, DefaultSuffix)
	require.NoError(t, err)
	code, ok := sc.TypeCode()
	assert.True(t, ok)
	assert.Equal(t, 4096, code)
}

func TestIsSidecar(t *testing.T) {
	assert.True(t, IsSidecar("/dumps/1234_info.txt", DefaultSuffix))
	assert.False(t, IsSidecar("/dumps/1234", DefaultSuffix))
	assert.False(t, IsSidecar("/dumps/1234", ""))
}
