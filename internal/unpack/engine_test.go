package unpack

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capextract/internal/classify"
	"capextract/internal/common"
	"capextract/internal/filetype"
	"capextract/internal/metadata"
	"capextract/internal/signature"
)

// stubFactory unpacks by running transform over the content.
type stubFactory struct {
	transform func([]byte) ([]byte, error)
	refuse    bool
}

func (f *stubFactory) Build(content []byte) common.Unpacker {
	return &stubUnpacker{content: content, factory: f}
}

type stubUnpacker struct {
	content []byte
	factory *stubFactory
}

func (s *stubUnpacker) Name() string                { return "stub" }
func (s *stubUnpacker) Identified() (string, error) { return "stub", nil }
func (s *stubUnpacker) CanUnpack() bool             { return !s.factory.refuse }

func (s *stubUnpacker) UnpackToFile(_ context.Context, path string) error {
	out, err := s.factory.transform(s.content)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

func newTestEngine(t *testing.T, factory common.UnpackerFactory) (*Engine, Options) {
	t.Helper()
	matcher, err := signature.New([]signature.Rule{
		{Name: "Packed", Patterns: []signature.Pattern{{Text: "PACKED"}}},
	})
	require.NoError(t, err)

	opts := Options{
		OutputDir:     filepath.Join(t.TempDir(), "CAPE"),
		TempDir:       t.TempDir(),
		SidecarSuffix: metadata.DefaultSuffix,
	}
	engine := NewEngine(matcher, filetype.New(), opts, zerolog.Nop())
	engine.Register(Packer{Name: "Packed", Factory: factory, TypeCode: classify.UPX})
	return engine, opts
}

func stagingLeft(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestUnpackPlacesResultWithSidecar(t *testing.T) {
	engine, opts := newTestEngine(t, &stubFactory{transform: func(b []byte) ([]byte, error) {
		return bytes.ReplaceAll(b, []byte("PACKED"), []byte("CLEAN!")), nil
	}})

	dest, err := engine.Unpack(context.Background(), "Packed", []byte("MZ PACKED body"))
	require.NoError(t, err)

	assert.Equal(t, opts.OutputDir, filepath.Dir(filepath.Dir(dest)))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "MZ CLEAN! body", string(got))

	sc, err := metadata.Read(dest, metadata.DefaultSuffix)
	require.NoError(t, err)
	code, ok := sc.TypeCode()
	assert.True(t, ok)
	assert.Equal(t, int(classify.UPX), code)

	assert.Empty(t, stagingLeft(t, opts.TempDir))
}

func TestUnpackDirectoriesAreUnique(t *testing.T) {
	engine, _ := newTestEngine(t, &stubFactory{transform: func([]byte) ([]byte, error) {
		return []byte("clean"), nil
	}})

	first, err := engine.Unpack(context.Background(), "Packed", []byte("PACKED"))
	require.NoError(t, err)
	second, err := engine.Unpack(context.Background(), "Packed", []byte("PACKED"))
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Dir(first), filepath.Dir(second))
}

func TestUnpackStillPacked(t *testing.T) {
	engine, opts := newTestEngine(t, &stubFactory{transform: func(b []byte) ([]byte, error) {
		return b, nil
	}})

	_, err := engine.Unpack(context.Background(), "Packed", []byte("PACKED"))
	assert.ErrorIs(t, err, ErrStillPacked)
	assert.Empty(t, stagingLeft(t, opts.TempDir))
	_, statErr := os.Stat(opts.OutputDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackFailure(t *testing.T) {
	boom := errors.New("boom")
	engine, opts := newTestEngine(t, &stubFactory{transform: func([]byte) ([]byte, error) {
		return nil, boom
	}})

	_, err := engine.Unpack(context.Background(), "Packed", []byte("PACKED"))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, stagingLeft(t, opts.TempDir))
}

func TestUnpackRefusedAndUnknown(t *testing.T) {
	engine, _ := newTestEngine(t, &stubFactory{refuse: true})

	_, err := engine.Unpack(context.Background(), "Packed", []byte("PACKED"))
	assert.ErrorIs(t, err, ErrCannotUnpack)

	_, err = engine.Unpack(context.Background(), "Other", []byte("PACKED"))
	assert.ErrorIs(t, err, ErrUnknownPacker)
	assert.False(t, engine.Handles("Other"))
	assert.True(t, engine.Handles("Packed"))
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	require.NoError(t, moveFile(src, dst))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}
