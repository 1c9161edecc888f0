package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capextract/internal/config"
	"capextract/internal/signature"
	"capextract/internal/unpack"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	root := t.TempDir()
	cfg.DumpDir = filepath.Join(root, "CAPE")
	cfg.OutputDir = filepath.Join(root, "CAPE")
	cfg.TempDir = t.TempDir()
	return cfg
}

func TestPackers(t *testing.T) {
	names := lo.Map(Packers(config.Default()), func(p unpack.Packer, _ int) string { return p.Name })
	assert.Equal(t, []string{UPX, JavaDropper, "sRDI", "Donut"}, names)
}

func TestFromConfigRejectsInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferSize = 0
	_, err := FromConfig(cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = FromConfig(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func buildJar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFromConfigUnpacksJavaDropper(t *testing.T) {
	cfg := testConfig(t)
	p, err := FromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)

	jar := buildJar(t, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"a/Loader.class":       "\xca\xfe\xba\xbe",
		"a/payload.bin":        "MZ" + strings.Repeat("A", 64),
	})
	sample := filepath.Join(t.TempDir(), "dropper.jar")
	require.NoError(t, os.WriteFile(sample, jar, 0o600))

	records, err := p.Run(context.Background(), Task{Category: CategoryFile, SamplePath: sample})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0].Path, cfg.OutputDir))
	assert.Equal(t, "MS-DOS executable", records[0].RawType)
	assert.Equal(t, 0, records[0].TypeCode)
}

func TestFromConfigJavaDropperCarryingDropper(t *testing.T) {
	cfg := testConfig(t)
	p, err := FromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)

	inner := buildJar(t, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"b/Stage.class":        "\xca\xfe\xba\xbe",
		"b/payload.bin":        "MZ" + strings.Repeat("B", 64),
	})
	outer := buildJar(t, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"a/Loader.class":       "\xca\xfe\xba\xbe",
		"a/stage2.jar":         string(inner),
	})
	sample := filepath.Join(t.TempDir(), "dropper.jar")
	require.NoError(t, os.WriteFile(sample, outer, 0o600))

	// the dropped jar still matches, so the attempt fails once and nothing
	// is placed or recursed into
	records, err := p.Run(context.Background(), Task{Category: CategoryFile, SamplePath: sample})
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = os.Stat(cfg.OutputDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
	staged, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, staged)

	retained, err := p.Process(context.Background(), sample, true)
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, sample, retained[0].Path)
	assert.Equal(t, []string{JavaDropper}, retained[0].MatchNames())
}

func TestMatcherSelectsBackendByExtension(t *testing.T) {
	cfg := testConfig(t)
	m, err := Matcher(cfg)
	require.NoError(t, err)
	assert.IsType(t, &signature.RuleMatcher{}, m)

	cfg.RulesFile = filepath.Join(t.TempDir(), "missing.yar")
	_, err = Matcher(cfg)
	assert.Error(t, err)
}
